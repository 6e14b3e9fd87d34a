package telegram

import "github.com/goliatone/go-errors"

const (
	TextCodeInvalidSignature    = "invalid_signature"
	TextCodeMalformedCredential = "malformed_credential"
)

// ErrInvalidSignature is returned when the computed HMAC does not match the
// hash carried by the credential.
var ErrInvalidSignature = errors.New("telegram signature mismatch", errors.CategoryAuth).
	WithTextCode(TextCodeInvalidSignature).
	WithCode(errors.CodeUnauthorized)

// ErrMalformedCredential is returned when the credential is missing the hash
// or a required field, or a field cannot be parsed.
var ErrMalformedCredential = errors.New("telegram credential is malformed", errors.CategoryBadInput).
	WithTextCode(TextCodeMalformedCredential).
	WithCode(errors.CodeBadRequest)

func malformed(field string, source error) error {
	clone := ErrMalformedCredential.Clone()
	if clone == nil {
		clone = ErrMalformedCredential
	}
	if source != nil {
		clone.Source = source
	}
	clone.WithMetadata(map[string]any{
		"field": field,
	})
	return clone
}
