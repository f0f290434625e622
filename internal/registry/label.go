package registry

import (
	"strings"
	"unicode"
)

// DisplayLabel derives the human label shown for a model.
//
// Order: explicit label, a human-looking id verbatim, a title-cased
// kebab/snake id, the cleaned model name, then "provider:model".
func DisplayLabel(m ModelConfig) string {
	if l := strings.TrimSpace(m.Label); l != "" {
		return l
	}
	id := strings.TrimSpace(m.ID)
	if id != "" {
		if strings.Contains(id, " ") || isMixedCase(id) {
			return id
		}
		if isKebabOrSnake(id) {
			return titleTokens(id)
		}
	}
	if cleaned := cleanModelName(m.Model); cleaned != "" {
		return cleaned
	}
	return string(m.Provider) + ":" + m.Model
}

func isMixedCase(s string) bool {
	var upper, lower bool
	for _, r := range s {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		}
	}
	return upper && lower
}

func isKebabOrSnake(s string) bool {
	if !strings.ContainsAny(s, "-_") {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
		default:
			return false
		}
	}
	return true
}

func titleTokens(s string) string {
	tokens := strings.FieldsFunc(s, func(r rune) bool { return r == '-' || r == '_' })
	for i, t := range tokens {
		rs := []rune(t)
		rs[0] = unicode.ToUpper(rs[0])
		tokens[i] = string(rs)
	}
	return strings.Join(tokens, " ")
}

// cleanModelName drops vendor/family path prefixes ("models/", "openai/",
// "meta-llama/") and turns separators into spaces.
func cleanModelName(model string) string {
	model = strings.TrimSpace(model)
	model = strings.TrimPrefix(model, "models/")
	if i := strings.LastIndex(model, "/"); i >= 0 {
		model = model[i+1:]
	}
	model = strings.NewReplacer("-", " ", "_", " ").Replace(model)
	return strings.Join(strings.Fields(model), " ")
}
