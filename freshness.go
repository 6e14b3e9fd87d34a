package auth

import "time"

// FreshnessGuard rejects credentials signed too long ago or in the future.
type FreshnessGuard struct {
	MaxAge time.Duration
	Now    func() time.Time
}

func NewFreshnessGuard(maxAge time.Duration) FreshnessGuard {
	return FreshnessGuard{MaxAge: maxAge, Now: time.Now}
}

// Check takes the signing time in epoch milliseconds. An age equal to
// MaxAge is still fresh.
func (g FreshnessGuard) Check(signedAtMillis int64) error {
	maxAge := g.MaxAge
	if maxAge <= 0 {
		maxAge = DefaultFreshnessWindow
	}
	now := time.Now
	if g.Now != nil {
		now = g.Now
	}

	age := now().UnixMilli() - signedAtMillis
	if age < 0 || age > maxAge.Milliseconds() {
		return withDetails(ErrStaleCredential, nil, map[string]any{
			"age_ms":     age,
			"max_age_ms": maxAge.Milliseconds(),
		})
	}
	return nil
}
