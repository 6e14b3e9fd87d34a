package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/goliatone/go-router"
)

const maxCookieValueBytes = 4096

// CookieWriter is the part of router.Context that sets response cookies
type CookieWriter interface {
	Cookie(cookie *router.Cookie)
}

// RouterCookies writes the session pair through a go-router context. Both
// values are checked before either cookie is written.
type RouterCookies struct {
	w    CookieWriter
	opts CookieOptions
	now  func() time.Time
}

var _ CookieCoordinator = (*RouterCookies)(nil)

func NewRouterCookies(w CookieWriter, opts CookieOptions) *RouterCookies {
	if opts.AccessName == "" {
		opts.AccessName = DefaultAccessCookieName
	}
	if opts.RefreshName == "" {
		opts.RefreshName = DefaultRefreshCookieName
	}
	if opts.Path == "" {
		opts.Path = "/"
	}
	return &RouterCookies{w: w, opts: opts, now: time.Now}
}

func (c *RouterCookies) SetSession(ctx context.Context, tokens TokenPair) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateCookieValue(c.opts.AccessName, tokens.AccessToken); err != nil {
		return err
	}
	if err := validateCookieValue(c.opts.RefreshName, tokens.RefreshToken); err != nil {
		return err
	}

	c.w.Cookie(c.cookie(c.opts.AccessName, tokens.AccessToken, tokens.AccessExpiresAt))
	c.w.Cookie(c.cookie(c.opts.RefreshName, tokens.RefreshToken, tokens.RefreshExpiresAt))
	return nil
}

func (c *RouterCookies) ClearSession(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	expired := c.now().Add(-time.Hour * (24 * 365))
	c.w.Cookie(c.cookie(c.opts.AccessName, "", expired))
	c.w.Cookie(c.cookie(c.opts.RefreshName, "", expired))
	return nil
}

func (c *RouterCookies) cookie(name, value string, expires time.Time) *router.Cookie {
	return &router.Cookie{
		Name:     name,
		Value:    value,
		Path:     c.opts.Path,
		Expires:  expires,
		HTTPOnly: c.opts.HTTPOnly,
		Secure:   c.opts.Secure,
		SameSite: c.opts.SameSite,
	}
}

// validateCookieValue enforces the RFC 6265 cookie-octet set and the
// browser size limit.
func validateCookieValue(name, value string) error {
	if value == "" {
		return fmt.Errorf("cookie %s: empty value", name)
	}
	if len(value) > maxCookieValueBytes {
		return fmt.Errorf("cookie %s: value is %d bytes, limit is %d", name, len(value), maxCookieValueBytes)
	}
	for i := 0; i < len(value); i++ {
		if !isCookieOctet(value[i]) {
			return fmt.Errorf("cookie %s: invalid byte 0x%02x at %d", name, value[i], i)
		}
	}
	return nil
}

func isCookieOctet(b byte) bool {
	switch {
	case b == 0x21:
		return true
	case b >= 0x23 && b <= 0x2B:
		return true
	case b >= 0x2D && b <= 0x3A:
		return true
	case b >= 0x3C && b <= 0x5B:
		return true
	case b >= 0x5D && b <= 0x7E:
		return true
	}
	return false
}
