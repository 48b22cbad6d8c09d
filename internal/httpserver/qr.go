package httpserver

import (
	"encoding/base64"

	qrcode "github.com/skip2/go-qrcode"
)

const qrSize = 256

// renderQR encodes the pairing challenge as a PNG and returns it as base64
// and as a data URL.
func renderQR(challenge string) (b64, dataURL string, err error) {
	png, err := qrcode.Encode(challenge, qrcode.Medium, qrSize)
	if err != nil {
		return "", "", err
	}
	b64 = base64.StdEncoding.EncodeToString(png)
	return b64, "data:image/png;base64," + b64, nil
}
