// Package export turns raw WhatsApp credential material into transport-safe
// tokens that fit in a chat message, and decrypts them again offline.
//
// Two token formats exist:
//
//	plain:     "WA_CREDS:"     + base64(creds)
//	encrypted: "WA_CREDS_ENC:" + urlbase64(nonce(12) || tag(16) || ciphertext)
//
// The encrypted ciphertext is AES-256-GCM over the JSON envelope
// {"v":1,"creds":"<base64>","ts":<epoch-ms>} with a key derived from the
// configured secret via scrypt and a fixed application salt.
package export

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/crypto/scrypt"
)

const (
	// PlainPrefix tags unencrypted tokens.
	PlainPrefix = "WA_CREDS:"
	// EncryptedPrefix tags encrypted tokens.
	EncryptedPrefix = "WA_CREDS_ENC:"

	// envelopeVersion is the only version this code reads or writes.
	envelopeVersion = 1

	nonceSize = 12
	tagSize   = 16
)

// kdfSalt is fixed so the same secret always derives the same key; the
// per-call nonce provides the randomness.
var kdfSalt = []byte("wapair-export-v1")

var (
	// ErrNoSecret is returned when encrypted mode is requested without a secret.
	ErrNoSecret = errors.New("export secret is required for encrypted mode")
	// ErrBadPrefix is returned when a token lacks the encrypted prefix.
	ErrBadPrefix = errors.New("token does not start with " + EncryptedPrefix)
	// ErrTruncated is returned when the payload is too short to hold nonce and tag.
	ErrTruncated = errors.New("token payload is truncated")
	// ErrAuthFailed is returned when the authentication tag does not verify.
	ErrAuthFailed = errors.New("decryption failed: wrong secret or corrupted token")
	// ErrBadEnvelope is returned when the decrypted envelope is not the expected JSON.
	ErrBadEnvelope = errors.New("decrypted payload is not a valid credential envelope")
)

// envelope is the encrypted plaintext.
type envelope struct {
	V     int    `json:"v"`
	Creds string `json:"creds"`
	TS    int64  `json:"ts"`
}

// Exporter produces tokens from raw credential bytes.
type Exporter struct {
	encrypted bool
	key       []byte
}

// New builds an Exporter. Encrypted mode fails immediately when the secret
// is empty, so a misconfigured deployment refuses to boot instead of
// silently exporting plaintext.
func New(encrypted bool, secret string) (*Exporter, error) {
	e := &Exporter{encrypted: encrypted}
	if encrypted {
		if secret == "" {
			return nil, ErrNoSecret
		}
		key, err := deriveKey(secret)
		if err != nil {
			return nil, err
		}
		e.key = key
	}
	return e, nil
}

// Encrypted reports whether tokens are encrypted.
func (e *Exporter) Encrypted() bool { return e.encrypted }

// Export turns credential bytes into one or more tokens.
func (e *Exporter) Export(creds []byte) ([]string, error) {
	if !e.encrypted {
		return []string{PlainPrefix + base64.StdEncoding.EncodeToString(creds)}, nil
	}

	plaintext, err := json.Marshal(envelope{
		V:     envelopeVersion,
		Creds: base64.StdEncoding.EncodeToString(creds),
		TS:    time.Now().UnixMilli(),
	})
	if err != nil {
		return nil, err
	}

	gcm, err := newGCM(e.key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	// Seal appends the tag after the ciphertext; the wire format carries
	// it between nonce and ciphertext, so reorder.
	sealed := gcm.Seal(nil, nonce, plaintext, nil)
	ct := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	payload := make([]byte, 0, nonceSize+tagSize+len(ct))
	payload = append(payload, nonce...)
	payload = append(payload, tag...)
	payload = append(payload, ct...)

	return []string{EncryptedPrefix + base64.RawURLEncoding.EncodeToString(payload)}, nil
}

// Decrypt reverses an encrypted token back to the original credential bytes.
// Every malformed input — wrong prefix, short payload, bad auth tag, junk
// envelope, unexpected version — produces a distinct error.
func Decrypt(secret, token string) ([]byte, error) {
	if !strings.HasPrefix(token, EncryptedPrefix) {
		return nil, ErrBadPrefix
	}
	payload, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(token, EncryptedPrefix))
	if err != nil {
		return nil, fmt.Errorf("token payload is not valid base64: %w", err)
	}
	if len(payload) < nonceSize+tagSize {
		return nil, ErrTruncated
	}

	key, err := deriveKey(secret)
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := payload[:nonceSize]
	tag := payload[nonceSize : nonceSize+tagSize]
	ct := payload[nonceSize+tagSize:]

	sealed := make([]byte, 0, len(ct)+tagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrAuthFailed
	}

	if !utf8.Valid(plaintext) {
		return nil, ErrBadEnvelope
	}
	var env envelope
	if err := json.Unmarshal(plaintext, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadEnvelope, err)
	}
	if env.V != envelopeVersion {
		return nil, fmt.Errorf("unsupported envelope version %d", env.V)
	}
	creds, err := base64.StdEncoding.DecodeString(env.Creds)
	if err != nil {
		return nil, fmt.Errorf("%w: bad creds encoding: %v", ErrBadEnvelope, err)
	}
	return creds, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// deriveKey stretches the secret into a 32-byte AES key. scrypt is
// deliberately slow so a leaked token cannot be brute-forced cheaply.
func deriveKey(secret string) ([]byte, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	return scrypt.Key([]byte(secret), kdfSalt, 1<<15, 8, 1, 32)
}
