// Package pairing renders transport pairing payloads as QR codes.
package pairing

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	qrcode "github.com/skip2/go-qrcode"
)

const (
	dataURLPrefix = "data:image/png;base64,"
	imageSize     = 256
)

// DataURL encodes payload as a PNG QR code inside a data URL that browsers
// can show directly in an <img> tag.
func DataURL(payload string) (string, error) {
	if strings.TrimSpace(payload) == "" {
		return "", errors.New("pairing payload is empty")
	}

	png, err := qrcode.Encode(payload, qrcode.Medium, imageSize)
	if err != nil {
		return "", fmt.Errorf("encode qr: %w", err)
	}

	return dataURLPrefix + base64.StdEncoding.EncodeToString(png), nil
}

// Terminal renders payload as a compact block-character QR for terminals.
func Terminal(payload string) (string, error) {
	if strings.TrimSpace(payload) == "" {
		return "", errors.New("pairing payload is empty")
	}

	code, err := qrcode.New(payload, qrcode.Low)
	if err != nil {
		return "", fmt.Errorf("encode qr: %w", err)
	}
	return code.ToSmallString(false), nil
}

// DecodeDataURL returns the PNG bytes held by a data URL produced by DataURL.
func DecodeDataURL(dataURL string) ([]byte, error) {
	encoded, ok := strings.CutPrefix(dataURL, dataURLPrefix)
	if !ok {
		return nil, errors.New("not a png data url")
	}
	return base64.StdEncoding.DecodeString(encoded)
}
