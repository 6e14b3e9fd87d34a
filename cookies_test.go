package auth_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/lavet13/tour-sub000"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRouterCookies_SetSession(t *testing.T) {
	ctx := context.Background()
	opts := auth.DefaultOptions().Cookie
	expires := time.Date(2026, 3, 14, 12, 15, 0, 0, time.UTC)

	t.Run("writes both cookies with shared attributes", func(t *testing.T) {
		w := NewMockContext(nil)
		cookies := auth.NewRouterCookies(w, opts)

		err := cookies.SetSession(ctx, auth.TokenPair{
			AccessToken:      "header.payload.signature",
			AccessExpiresAt:  expires,
			RefreshToken:     "q2u_Ry-0abc",
			RefreshExpiresAt: expires.Add(30 * 24 * time.Hour),
		})
		require.NoError(t, err)

		access := w.Written(opts.AccessName)
		require.NotNil(t, access)
		assert.Equal(t, "header.payload.signature", access.Value)
		assert.Equal(t, expires, access.Expires)
		assert.True(t, access.HTTPOnly)
		assert.True(t, access.Secure)
		assert.Equal(t, "Strict", access.SameSite)
		assert.Equal(t, "/", access.Path)

		refresh := w.Written(opts.RefreshName)
		require.NotNil(t, refresh)
		assert.Equal(t, "q2u_Ry-0abc", refresh.Value)
	})

	t.Run("rejects an oversized value before writing anything", func(t *testing.T) {
		w := NewMockContext(nil)
		cookies := auth.NewRouterCookies(w, opts)

		err := cookies.SetSession(ctx, auth.TokenPair{
			AccessToken:  "ok",
			RefreshToken: strings.Repeat("a", 4097),
		})
		assert.Error(t, err)
		assert.Empty(t, w.written)
	})

	t.Run("rejects bytes outside the cookie octet set", func(t *testing.T) {
		for _, value := range []string{"has space", `quo"te`, "semi;colon", "comma,", `back\slash`, "new\nline"} {
			w := NewMockContext(nil)
			err := auth.NewRouterCookies(w, opts).SetSession(ctx, auth.TokenPair{
				AccessToken:  value,
				RefreshToken: "ok",
			})
			assert.Error(t, err, value)
			assert.Empty(t, w.written, value)
		}
	})

	t.Run("rejects empty values", func(t *testing.T) {
		w := NewMockContext(nil)
		err := auth.NewRouterCookies(w, opts).SetSession(ctx, auth.TokenPair{AccessToken: "ok"})
		assert.Error(t, err)
		assert.Empty(t, w.written)
	})

	t.Run("canceled context", func(t *testing.T) {
		w := NewMockContext(nil)
		cctx, cancel := context.WithCancel(ctx)
		cancel()

		err := auth.NewRouterCookies(w, opts).SetSession(cctx, auth.TokenPair{AccessToken: "a", RefreshToken: "b"})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Empty(t, w.written)
	})

	t.Run("fills default names", func(t *testing.T) {
		w := NewMockContext(nil)
		err := auth.NewRouterCookies(w, auth.CookieOptions{}).SetSession(ctx, auth.TokenPair{AccessToken: "a", RefreshToken: "b"})
		require.NoError(t, err)
		assert.NotNil(t, w.Written(auth.DefaultAccessCookieName))
		assert.NotNil(t, w.Written(auth.DefaultRefreshCookieName))
	})
}

func TestRouterCookies_ClearSession(t *testing.T) {
	w := NewMockContext(nil)
	opts := auth.DefaultOptions().Cookie

	require.NoError(t, auth.NewRouterCookies(w, opts).ClearSession(context.Background()))

	for _, name := range []string{opts.AccessName, opts.RefreshName} {
		c := w.Written(name)
		require.NotNil(t, c, name)
		assert.Empty(t, c.Value)
		assert.True(t, c.Expires.Before(time.Now()))
	}
}
