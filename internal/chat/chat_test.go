package chat

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
)

func TestHasContent(t *testing.T) {
	t.Parallel()

	if HasContent(nil) {
		t.Fatalf("HasContent(nil)=true, want false")
	}
	if HasContent([]Part{{Text: ""}, {Image: &Image{URL: "  "}}}) {
		t.Fatalf("HasContent(blank parts)=true, want false")
	}
	if !HasContent([]Part{{Image: &Image{URL: "data:image/png;base64,AAAA"}}}) {
		t.Fatalf("HasContent(image)=false, want true")
	}
	if !HasContent([]Part{TextPart("hi")}) {
		t.Fatalf("HasContent(text)=false, want true")
	}
}

func TestParseImageDataURI(t *testing.T) {
	t.Parallel()

	d, err := ParseImageDataURI("data:image/png;base64,aGVsbG8=", "")
	if err != nil {
		t.Fatalf("ParseImageDataURI: %v", err)
	}
	if d.MIMEType != "image/png" || d.Data != "aGVsbG8=" {
		t.Fatalf("unexpected parse result: %+v", d)
	}
	if got := d.String(); got != "data:image/png;base64,aGVsbG8=" {
		t.Fatalf("String()=%q", got)
	}

	d, err = ParseImageDataURI("data:;base64,aGVsbG8=", "image/jpeg")
	if err != nil {
		t.Fatalf("ParseImageDataURI fallback mime: %v", err)
	}
	if d.MIMEType != "image/jpeg" {
		t.Fatalf("MIMEType=%q, want image/jpeg", d.MIMEType)
	}

	for _, bad := range []string{
		"",
		"https://example.com/cat.png",
		"data:image/png;base64",
		"data:image/png,plain",
		"data:image/png;base64,@@@",
		"data:;base64,aGVsbG8=",
	} {
		_, err := ParseImageDataURI(bad, "")
		if KindOf(err) != KindInvalidRequest {
			t.Fatalf("ParseImageDataURI(%q) err=%v, want invalid request", bad, err)
		}
	}
}

func TestErrorStatusAndUnwrap(t *testing.T) {
	t.Parallel()

	if got := InvalidRequest("bad").HTTPStatus(); got != http.StatusBadRequest {
		t.Fatalf("invalid request status=%d", got)
	}
	if got := AuthError("nope").HTTPStatus(); got != http.StatusUnauthorized {
		t.Fatalf("auth status=%d", got)
	}
	if got := UpstreamError(429, "slow down", nil).HTTPStatus(); got != 429 {
		t.Fatalf("upstream status=%d", got)
	}
	if got := UpstreamError(0, "garbled", nil).HTTPStatus(); got != http.StatusBadGateway {
		t.Fatalf("upstream without status=%d", got)
	}

	wrapped := fmt.Errorf("stream: %w", TransportError(context.Canceled))
	if KindOf(wrapped) != KindTransport {
		t.Fatalf("KindOf(wrapped)=%q", KindOf(wrapped))
	}
	if !IsCanceled(wrapped) {
		t.Fatalf("IsCanceled(wrapped)=false")
	}
	if KindOf(errors.New("plain")) != "" {
		t.Fatalf("KindOf(plain) should be empty")
	}
}

func TestPublicMessageScrubsURLs(t *testing.T) {
	t.Parallel()

	err := UpstreamError(500, `POST "https://api.example.com/v1/chat/completions": boom`, nil)
	msg := PublicMessage(err)
	if strings.Contains(msg, "api.example.com") {
		t.Fatalf("PublicMessage leaked url: %q", msg)
	}
	if !strings.Contains(msg, "boom") {
		t.Fatalf("PublicMessage dropped text: %q", msg)
	}
}
