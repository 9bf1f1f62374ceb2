package wa

import (
	"encoding/base64"

	"github.com/skip2/go-qrcode"
)

// RenderQR turns a raw QR payload into a PNG data URI that a browser can
// drop straight into an <img> tag.
func RenderQR(raw string) (string, error) {
	png, err := qrcode.Encode(raw, qrcode.Medium, 256)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
