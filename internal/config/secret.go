package config

import "encoding/json"

// Secret wraps strings that should be redacted in logs and serialization.
// Use Value() to access the actual secret value.
type Secret string

// String implements fmt.Stringer. Always returns redacted value.
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "[REDACTED]"
}

// GoString implements fmt.GoStringer for %#v formatting.
func (s Secret) GoString() string {
	return "Secret([REDACTED])"
}

// Value returns the actual secret value
func (s Secret) Value() string {
	return string(s)
}

// IsSet returns true if the secret has a non-empty value
func (s Secret) IsSet() bool {
	return s != ""
}

// MarshalJSON always returns the redacted value
func (s Secret) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}
