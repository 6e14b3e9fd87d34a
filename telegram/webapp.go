package telegram

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"net/url"
	"time"
)

const webAppKey = "WebAppData"

// WebAppAuth is mini-app init data whose signature has been verified.
type WebAppAuth struct {
	User         Profile
	AuthDate     time.Time
	QueryID      string
	ChatInstance string
	ChatType     string
	StartParam   string
	Fields       map[string]string
}

// AuthDateMillis returns the signing time in epoch milliseconds.
func (w *WebAppAuth) AuthDateMillis() int64 {
	return w.AuthDate.UnixMilli()
}

// WebAppVerifier checks mini-app init data. The HMAC key is
// HMAC_SHA256(key "WebAppData", message bot token).
type WebAppVerifier struct {
	secret []byte
}

func NewWebAppVerifier(botToken string) *WebAppVerifier {
	mac := hmac.New(sha256.New, []byte(webAppKey))
	mac.Write([]byte(botToken))
	return &WebAppVerifier{secret: mac.Sum(nil)}
}

// Sign returns the hash the client would attach to fields.
func (v *WebAppVerifier) Sign(fields map[string]string) string {
	return computeHash(v.secret, DataCheckString(fields))
}

// Encode renders fields as signed init data.
func (v *WebAppVerifier) Encode(fields map[string]string) string {
	values := url.Values{}
	for k, val := range fields {
		values.Set(k, val)
	}
	values.Set(hashField, v.Sign(fields))
	return values.Encode()
}

// Verify checks the URL encoded init data string.
func (v *WebAppVerifier) Verify(initData string) (*WebAppAuth, error) {
	if initData == "" {
		return nil, malformed("init_data", nil)
	}

	values, err := url.ParseQuery(initData)
	if err != nil {
		return nil, malformed("init_data", err)
	}

	hash := values.Get(hashField)
	if hash == "" {
		return nil, malformed(hashField, nil)
	}

	fields := make(map[string]string, len(values))
	for key, vals := range values {
		if key == hashField || len(vals) == 0 {
			continue
		}
		if len(vals) > 1 {
			return nil, malformed(key, fmt.Errorf("repeated key %q", key))
		}
		fields[key] = vals[0]
	}

	for _, required := range []string{"auth_date", "user"} {
		if _, ok := fields[required]; !ok {
			return nil, malformed(required, nil)
		}
	}

	expected := computeHash(v.secret, DataCheckString(fields))
	if !hashesEqual(expected, hash) {
		return nil, ErrInvalidSignature
	}

	var user Profile
	if err := json.Unmarshal([]byte(fields["user"]), &user); err != nil {
		return nil, malformed("user", err)
	}
	if user.ID <= 0 {
		return nil, malformed("user", fmt.Errorf("missing user id"))
	}

	authDate, err := parseAuthDate(fields["auth_date"])
	if err != nil {
		return nil, err
	}

	return &WebAppAuth{
		User:         user,
		AuthDate:     authDate,
		QueryID:      fields["query_id"],
		ChatInstance: fields["chat_instance"],
		ChatType:     fields["chat_type"],
		StartParam:   fields["start_param"],
		Fields:       fields,
	}, nil
}
