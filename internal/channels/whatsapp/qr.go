package whatsapp

import (
	"encoding/base64"

	"github.com/skip2/go-qrcode"
)

// QRDataURL renders code as a PNG data URL for display in a browser.
func QRDataURL(code string) (string, error) {
	png, err := qrcode.Encode(code, qrcode.Medium, 256)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}

// QRTerminal renders code with half-block characters for a terminal.
func QRTerminal(code string) (string, error) {
	q, err := qrcode.New(code, qrcode.Low)
	if err != nil {
		return "", err
	}
	return q.ToSmallString(false), nil
}
