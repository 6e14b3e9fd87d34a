package auth

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type sessionStore struct {
	db  *bun.DB
	now func() time.Time
}

var _ SessionStore = (*sessionStore)(nil)

// SessionStoreOption customizes the refresh token store
type SessionStoreOption func(*sessionStore)

// WithSessionClock overrides the timestamps written on create and rotate
func WithSessionClock(now func() time.Time) SessionStoreOption {
	return func(s *sessionStore) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSessionStore returns a bun backed SessionStore. Tokens are looked up by
// their SHA-256 hash.
func NewSessionStore(db *bun.DB, opts ...SessionStoreOption) SessionStore {
	s := &sessionStore{db: db, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *sessionStore) Create(ctx context.Context, accountID uuid.UUID, token string) (*RefreshToken, error) {
	return s.CreateTx(ctx, s.db, accountID, token)
}

func (s *sessionStore) CreateTx(ctx context.Context, tx bun.IDB, accountID uuid.UUID, token string) (*RefreshToken, error) {
	now := s.now().UTC()
	record := &RefreshToken{
		ID:        uuid.New(),
		TokenHash: HashRefreshToken(token),
		AccountID: accountID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if _, err := tx.NewInsert().Model(record).Exec(ctx); err != nil {
		return nil, storeError("session.create", err, nil)
	}
	return record, nil
}

func (s *sessionStore) Find(ctx context.Context, token string) (*RefreshToken, error) {
	return s.FindTx(ctx, s.db, token)
}

func (s *sessionStore) FindTx(ctx context.Context, tx bun.IDB, token string) (*RefreshToken, error) {
	record := &RefreshToken{}
	err := tx.NewSelect().
		Model(record).
		Where("?TableAlias.token_hash = ?", HashRefreshToken(token)).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, storeError("session.find", err, ErrSessionNotFound)
	}
	return record, nil
}

func (s *sessionStore) Rotate(ctx context.Context, oldToken, newToken string) (*RefreshToken, error) {
	return s.RotateTx(ctx, s.db, oldToken, newToken)
}

// RotateTx swaps the stored token only if oldToken is still current. Zero
// matched rows means another request rotated or revoked it first.
func (s *sessionStore) RotateTx(ctx context.Context, tx bun.IDB, oldToken, newToken string) (*RefreshToken, error) {
	res, err := tx.NewUpdate().
		Model((*RefreshToken)(nil)).
		Set("token_hash = ?", HashRefreshToken(newToken)).
		Set("updated_at = ?", s.now().UTC()).
		Where("token_hash = ?", HashRefreshToken(oldToken)).
		Exec(ctx)
	if err != nil {
		return nil, storeError("session.rotate", err, nil)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, storeError("session.rotate", err, nil)
	} else if n == 0 {
		return nil, withDetails(ErrSessionNotFound, nil, map[string]any{
			"operation": "session.rotate",
		})
	}
	return s.FindTx(ctx, tx, newToken)
}

func (s *sessionStore) Restore(ctx context.Context, current, previous string, updatedAt time.Time) error {
	return s.RestoreTx(ctx, s.db, current, previous, updatedAt)
}

// RestoreTx undoes a rotation: the row holding current gets back the
// previous token and its previous updated_at, so the session age is kept.
func (s *sessionStore) RestoreTx(ctx context.Context, tx bun.IDB, current, previous string, updatedAt time.Time) error {
	res, err := tx.NewUpdate().
		Model((*RefreshToken)(nil)).
		Set("token_hash = ?", HashRefreshToken(previous)).
		Set("updated_at = ?", updatedAt.UTC()).
		Where("token_hash = ?", HashRefreshToken(current)).
		Exec(ctx)
	if err != nil {
		return storeError("session.restore", err, nil)
	}
	if n, err := res.RowsAffected(); err != nil {
		return storeError("session.restore", err, nil)
	} else if n == 0 {
		return withDetails(ErrSessionNotFound, nil, map[string]any{
			"operation": "session.restore",
		})
	}
	return nil
}

func (s *sessionStore) Revoke(ctx context.Context, token string) error {
	return s.RevokeTx(ctx, s.db, token)
}

func (s *sessionStore) RevokeTx(ctx context.Context, tx bun.IDB, token string) error {
	res, err := tx.NewDelete().
		Model((*RefreshToken)(nil)).
		Where("token_hash = ?", HashRefreshToken(token)).
		Exec(ctx)
	if err != nil {
		return storeError("session.revoke", err, nil)
	}
	if n, err := res.RowsAffected(); err != nil {
		return storeError("session.revoke", err, nil)
	} else if n == 0 {
		return withDetails(ErrSessionNotFound, nil, map[string]any{
			"operation": "session.revoke",
		})
	}
	return nil
}

// RevokeAllForAccountTx drops every refresh session of an account
func (s *sessionStore) RevokeAllForAccountTx(ctx context.Context, tx bun.IDB, accountID uuid.UUID) (int64, error) {
	res, err := tx.NewDelete().
		Model((*RefreshToken)(nil)).
		Where("account_id = ?", accountID).
		Exec(ctx)
	if err != nil {
		return 0, storeError("session.revoke_all", err, nil)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storeError("session.revoke_all", err, nil)
	}
	return n, nil
}
