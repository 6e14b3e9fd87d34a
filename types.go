package auth

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"go.uber.org/zap"
)

// Logger is the logging contract used across the package.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// CookieCoordinator writes or clears the session cookie pair on the
// response that is being built for the current request.
type CookieCoordinator interface {
	SetSession(ctx context.Context, tokens TokenPair) error
	ClearSession(ctx context.Context) error
}

// TokenService mints and checks access tokens and opaque refresh tokens.
type TokenService interface {
	Issue(account *Account) (TokenPair, error)
	Validate(accessToken string) (*AccessClaims, error)
	CheckRefresh(token string, session *RefreshToken) error
	AccessTTL() time.Duration
	RefreshTTL() time.Duration
}

// SessionStore persists refresh token rows. The Tx variants run on the
// given handle, the others on the store database.
type SessionStore interface {
	Create(ctx context.Context, accountID uuid.UUID, token string) (*RefreshToken, error)
	CreateTx(ctx context.Context, tx bun.IDB, accountID uuid.UUID, token string) (*RefreshToken, error)
	Find(ctx context.Context, token string) (*RefreshToken, error)
	FindTx(ctx context.Context, tx bun.IDB, token string) (*RefreshToken, error)
	Rotate(ctx context.Context, oldToken, newToken string) (*RefreshToken, error)
	RotateTx(ctx context.Context, tx bun.IDB, oldToken, newToken string) (*RefreshToken, error)
	Restore(ctx context.Context, current, previous string, updatedAt time.Time) error
	RestoreTx(ctx context.Context, tx bun.IDB, current, previous string, updatedAt time.Time) error
	Revoke(ctx context.Context, token string) error
	RevokeTx(ctx context.Context, tx bun.IDB, token string) error
	RevokeAllForAccountTx(ctx context.Context, tx bun.IDB, accountID uuid.UUID) (int64, error)
}

type zapLogger struct {
	s *zap.SugaredLogger
}

// NewZapLogger adapts a zap logger. A nil logger discards everything.
func NewZapLogger(l *zap.Logger) Logger {
	if l == nil {
		l = zap.NewNop()
	}
	return &zapLogger{s: l.Sugar()}
}

func (z *zapLogger) Debug(format string, args ...any) { z.s.Debugf(format, args...) }
func (z *zapLogger) Info(format string, args ...any)  { z.s.Infof(format, args...) }
func (z *zapLogger) Warn(format string, args ...any)  { z.s.Warnf(format, args...) }
func (z *zapLogger) Error(format string, args ...any) { z.s.Errorf(format, args...) }

func normalizeLogger(l Logger) Logger {
	if l == nil {
		return NewZapLogger(nil)
	}
	return l
}
