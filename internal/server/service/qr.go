package service

import (
	"encoding/base64"
	"fmt"

	"rsc.io/qr"
)

// QRDataURL renders text as a PNG QR code data URL.
func QRDataURL(text string) (string, error) {
	code, err := qr.Encode(text, qr.M)
	if err != nil {
		return "", fmt.Errorf("failed to encode qr: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(code.PNG()), nil
}
