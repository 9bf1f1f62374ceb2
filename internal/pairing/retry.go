package pairing

import "time"

// RetryPolicy decides whether a failed connection attempt is restarted and
// how long to wait before restarting it.
type RetryPolicy struct {
	MaxRetries int           // max restart attempts per session
	BaseDelay  time.Duration // backoff for the first retry
	MaxDelay   time.Duration // backoff cap
}

// DefaultRetryPolicy returns sensible defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: 3,
		BaseDelay:  2 * time.Second,
		MaxDelay:   15 * time.Second,
	}
}

// transientReasons is the allow-list of disconnect reasons worth retrying.
// Everything else, except an unknown/empty reason, is terminal.
var transientReasons = map[string]struct{}{
	ReasonConnectionClosed:   {},
	ReasonConnectionLost:     {},
	ReasonTimedOut:           {},
	ReasonRestartRequired:    {},
	ReasonServiceUnavailable: {},
}

// ShouldRetry reports whether attempt number attempt (1-based) should be
// made after a disconnect with the given reason.
//
// A logout by the remote side is never retried: the credentials are gone and
// reconnecting would loop forever. An empty or unrecognized-as-terminal
// reason is treated as transient, since the protocol layer frequently drops
// the connection without classifying why.
func (p RetryPolicy) ShouldRetry(attempt int, reason string) bool {
	if attempt >= p.MaxRetries {
		return false
	}
	if reason == ReasonLoggedOut {
		return false
	}
	if reason == "" {
		return true
	}
	_, ok := transientReasons[reason]
	return ok
}

// BackoffDelay returns the wait before the given attempt: linear in the
// attempt number, capped at MaxDelay.
func (p RetryPolicy) BackoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := p.BaseDelay * time.Duration(attempt)
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}
