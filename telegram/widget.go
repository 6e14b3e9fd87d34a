package telegram

import (
	"crypto/sha256"
	"time"
)

// WidgetAuth is a login widget payload whose signature has been verified.
type WidgetAuth struct {
	Profile  Profile
	AuthDate time.Time
	Fields   map[string]string
}

// AuthDateMillis returns the signing time in epoch milliseconds.
func (w *WidgetAuth) AuthDateMillis() int64 {
	return w.AuthDate.UnixMilli()
}

// WidgetVerifier checks login widget payloads. The HMAC key is the SHA-256
// digest of the bot token.
type WidgetVerifier struct {
	secret []byte
}

func NewWidgetVerifier(botToken string) *WidgetVerifier {
	sum := sha256.Sum256([]byte(botToken))
	return &WidgetVerifier{secret: sum[:]}
}

// Sign returns the hash the widget would attach to fields.
func (v *WidgetVerifier) Sign(fields map[string]string) string {
	return computeHash(v.secret, DataCheckString(fields))
}

// Verify checks the payload decoded from the widget callback. Values may be
// strings or JSON numbers, nulls are ignored.
func (v *WidgetVerifier) Verify(data map[string]any) (*WidgetAuth, error) {
	if data == nil {
		return nil, malformed(hashField, nil)
	}

	fields, err := normalizeFields(data)
	if err != nil {
		return nil, err
	}

	hash, ok := fields[hashField]
	if !ok || hash == "" {
		return nil, malformed(hashField, nil)
	}
	delete(fields, hashField)

	for _, required := range []string{"id", "first_name", "auth_date"} {
		if _, ok := fields[required]; !ok {
			return nil, malformed(required, nil)
		}
	}

	expected := computeHash(v.secret, DataCheckString(fields))
	if !hashesEqual(expected, hash) {
		return nil, ErrInvalidSignature
	}

	id, err := parseID("id", fields["id"])
	if err != nil {
		return nil, err
	}

	authDate, err := parseAuthDate(fields["auth_date"])
	if err != nil {
		return nil, err
	}

	return &WidgetAuth{
		Profile: Profile{
			ID:        id,
			FirstName: fields["first_name"],
			LastName:  fields["last_name"],
			Username:  fields["username"],
			PhotoURL:  fields["photo_url"],
		},
		AuthDate: authDate,
		Fields:   fields,
	}, nil
}
