package telegram

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

const hashField = "hash"

// DataCheckString renders fields as sorted key=value lines joined by "\n".
// The hash field is never part of the check string.
func DataCheckString(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		if k == hashField {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(fields[k])
	}
	return b.String()
}

func computeHash(secret []byte, checkString string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(checkString))
	return hex.EncodeToString(mac.Sum(nil))
}

// hashesEqual compares hex digests in constant time.
func hashesEqual(expected, provided string) bool {
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(provided)))
}

// normalizeFields renders decoded JSON values the way they appear on the wire.
// Null values are dropped.
func normalizeFields(data map[string]any) (map[string]string, error) {
	fields := make(map[string]string, len(data))
	for key, raw := range data {
		if raw == nil {
			continue
		}
		switch v := raw.(type) {
		case string:
			fields[key] = v
		case json.Number:
			fields[key] = v.String()
		case float64:
			fields[key] = strconv.FormatFloat(v, 'f', -1, 64)
		case float32:
			fields[key] = strconv.FormatFloat(float64(v), 'f', -1, 32)
		case int:
			fields[key] = strconv.Itoa(v)
		case int64:
			fields[key] = strconv.FormatInt(v, 10)
		case int32:
			fields[key] = strconv.FormatInt(int64(v), 10)
		case uint64:
			fields[key] = strconv.FormatUint(v, 10)
		case bool:
			fields[key] = strconv.FormatBool(v)
		default:
			encoded, err := json.Marshal(v)
			if err != nil {
				return nil, malformed(key, err)
			}
			fields[key] = string(encoded)
		}
	}
	return fields, nil
}

func parseID(field, raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, malformed(field, err)
	}
	if id <= 0 {
		return 0, malformed(field, fmt.Errorf("non positive id %d", id))
	}
	return id, nil
}

// parseAuthDate reads auth_date as unix seconds, which is what both the
// widget and the mini-app send.
func parseAuthDate(raw string) (time.Time, error) {
	seconds, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return time.Time{}, malformed("auth_date", err)
	}
	return time.Unix(seconds, 0).UTC(), nil
}
