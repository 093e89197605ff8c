package logstream

import "strings"

// RedactionMarker replaces every occurrence of a known secret in output.
const RedactionMarker = "[REDACTED]"

// Redactor removes known secret values from text before it crosses the
// trust boundary. Replacement is literal substring matching, not
// pattern-based, so secret values never need escaping.
type Redactor struct {
	secrets []string
}

// NewRedactor builds a Redactor for the given secret values. Empty values
// are ignored.
func NewRedactor(secrets ...string) *Redactor {
	r := &Redactor{}
	for _, secret := range secrets {
		if secret != "" {
			r.secrets = append(r.secrets, secret)
		}
	}
	return r
}

// Redact replaces every exact occurrence of every known secret.
func (r *Redactor) Redact(text string) string {
	if r == nil {
		return text
	}
	for _, secret := range r.secrets {
		text = strings.ReplaceAll(text, secret, RedactionMarker)
	}
	return text
}
