package chat

import (
	"encoding/base64"
	"strings"
)

const dataURIScheme = "data:"

// DataURI is a parsed base64 data URI.
type DataURI struct {
	MIMEType string
	// Data is the base64 payload with the "data:<mime>;base64," prefix removed.
	Data string
}

// ParseImageDataURI validates an image part's payload.
//
// fallbackMIME is used when the URI omits a media type. Malformed input yields
// an InvalidRequest error.
func ParseImageDataURI(uri string, fallbackMIME string) (DataURI, error) {
	uri = strings.TrimSpace(uri)
	if !strings.HasPrefix(strings.ToLower(uri), dataURIScheme) {
		return DataURI{}, InvalidRequest("invalid image data: expected a %q URI", dataURIScheme)
	}
	meta, payload, ok := strings.Cut(uri[len(dataURIScheme):], ",")
	if !ok {
		return DataURI{}, InvalidRequest("invalid image data: missing payload")
	}
	mime, encoding, _ := strings.Cut(meta, ";")
	if !strings.EqualFold(strings.TrimSpace(encoding), "base64") {
		return DataURI{}, InvalidRequest("invalid image data: payload is not base64")
	}
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return DataURI{}, InvalidRequest("invalid image data: empty payload")
	}
	if _, err := base64.StdEncoding.DecodeString(payload); err != nil {
		return DataURI{}, InvalidRequest("invalid image data: %v", err)
	}
	mime = strings.TrimSpace(mime)
	if mime == "" {
		mime = strings.TrimSpace(fallbackMIME)
	}
	if mime == "" {
		return DataURI{}, InvalidRequest("invalid image data: missing mime type")
	}
	return DataURI{MIMEType: mime, Data: payload}, nil
}

// String re-assembles the URI.
func (d DataURI) String() string {
	return dataURIScheme + d.MIMEType + ";base64," + d.Data
}
