package chat

import "strings"

// Role is the author of a turn. Only user and model are persisted.
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleModel:
		return true
	default:
		return false
	}
}

// Image is an uploaded image carried inline as a base64 data URI.
type Image struct {
	URL  string `json:"url"`
	Name string `json:"name,omitempty"`
	Size int64  `json:"size,omitempty"`
	Type string `json:"type,omitempty"`
}

// Part is one content fragment of a turn.
//
// The schema allows both fields to be set; adapters treat them independently
// and keep their order (text first, then image).
type Part struct {
	Text  string `json:"text,omitempty"`
	Image *Image `json:"image,omitempty"`
}

type Message struct {
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`
}

// TextPart is a convenience constructor for a text-only part.
func TextPart(text string) Part {
	return Part{Text: text}
}

// HasContent reports whether parts carry at least one text or image fragment.
func HasContent(parts []Part) bool {
	for _, p := range parts {
		if p.Text != "" {
			return true
		}
		if p.Image != nil && strings.TrimSpace(p.Image.URL) != "" {
			return true
		}
	}
	return false
}

// JoinText concatenates the text parts of a message in order.
func (m Message) JoinText() string {
	var b strings.Builder
	for _, p := range m.Parts {
		b.WriteString(p.Text)
	}
	return b.String()
}

func CloneMessages(in []Message) []Message {
	if in == nil {
		return nil
	}
	out := make([]Message, len(in))
	for i, m := range in {
		out[i] = Message{Role: m.Role, Parts: append([]Part(nil), m.Parts...)}
	}
	return out
}

// Stream is a lazy single-pass sequence of decoded text fragments.
//
// Fragment boundaries are transport-determined and carry no meaning.
// Next blocks until a fragment is available or the stream ends; after Next
// returns false, Err reports why (nil on normal completion).
type Stream interface {
	Next() bool
	Text() string
	Err() error
	Close() error
}
