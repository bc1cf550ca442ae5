package auth

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"paketd/crypto"
)

// FieldError reports a request parameter that failed validation. It maps to
// an HTTP 400 at the API layer.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("invalid field %s: %s", e.Field, e.Reason)
}

// CheckFields validates request parameters by key suffix and returns them
// normalised. Keys ending in _buls, _num or _timestamp must parse as
// non-negative integers; keys ending in _pubkey must be well-formed bech32
// identities. Everything else passes through trimmed.
func CheckFields(values url.Values) (map[string]string, error) {
	fields := make(map[string]string, len(values))
	for key := range values {
		value := strings.TrimSpace(values.Get(key))
		switch {
		case strings.HasSuffix(key, "_buls"), strings.HasSuffix(key, "_num"), strings.HasSuffix(key, "_timestamp"):
			parsed, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return nil, &FieldError{Field: key, Reason: "must be an integer"}
			}
			if parsed < 0 {
				return nil, &FieldError{Field: key, Reason: "must be non-negative"}
			}
			value = strconv.FormatInt(parsed, 10)
		case strings.HasSuffix(key, "_pubkey"):
			if _, err := crypto.DecodeAddress(value); err != nil {
				return nil, &FieldError{Field: key, Reason: "not a valid identity"}
			}
		}
		fields[key] = value
	}
	return fields, nil
}

// RequireFields verifies that every declared field is present and non-empty
// in the checked set. A quiet fall-through to the handler would surface
// missing input as an unrelated downstream failure, so the first absent field
// is reported by name.
func RequireFields(fields map[string]string, required []string) error {
	for _, name := range required {
		if fields[name] == "" {
			return &FieldError{Field: name, Reason: "required"}
		}
	}
	return nil
}

// Int64Field reads a previously checked integer field, defaulting to zero
// when absent.
func Int64Field(fields map[string]string, key string) int64 {
	v, ok := fields[key]
	if !ok || v == "" {
		return 0
	}
	parsed, _ := strconv.ParseInt(v, 10, 64)
	return parsed
}
