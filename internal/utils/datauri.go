package utils

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// supportedImageMIME lists the image types accepted as model input.
// GIF is not among them.
var supportedImageMIME = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/webp": true,
	"image/heic": true,
	"image/heif": true,
}

// ParseDataURI splits a base64 data URI ("data:<mime>;base64,<payload>") into
// its MIME type and decoded bytes.
func ParseDataURI(uri string) (string, []byte, error) {
	rest, ok := strings.CutPrefix(uri, "data:")
	if !ok {
		return "", nil, fmt.Errorf("not a data URI")
	}
	header, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, fmt.Errorf("data URI has no payload")
	}
	mime, ok := strings.CutSuffix(header, ";base64")
	if !ok {
		return "", nil, fmt.Errorf("data URI is not base64 encoded")
	}
	if mime == "" {
		mime = "image/jpeg"
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("failed to decode data URI payload: %w", err)
	}
	return mime, data, nil
}

// DataURI encodes data as a base64 data URI.
func DataURI(mime string, data []byte) string {
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// IsSupportedImage reports whether mime can be sent to the model as an image.
func IsSupportedImage(mime string) bool {
	return supportedImageMIME[mime]
}
