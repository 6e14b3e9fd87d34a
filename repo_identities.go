package auth

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// ExternalIdentities stores Telegram identities
type ExternalIdentities interface {
	FindByExternalIDTx(ctx context.Context, tx bun.IDB, externalID int64) (*ExternalIdentity, error)
	CreateTx(ctx context.Context, tx bun.IDB, identity *ExternalIdentity) (*ExternalIdentity, error)
	UpdateProfileTx(ctx context.Context, tx bun.IDB, identity *ExternalIdentity) error
	LinkTx(ctx context.Context, tx bun.IDB, identityID, accountID uuid.UUID) error
	ListLinked(ctx context.Context) ([]*ExternalIdentity, error)
}

type externalIdentities struct {
	db  *bun.DB
	now func() time.Time
}

func NewExternalIdentitiesRepository(db *bun.DB) ExternalIdentities {
	return &externalIdentities{db: db, now: time.Now}
}

func (r *externalIdentities) FindByExternalIDTx(ctx context.Context, tx bun.IDB, externalID int64) (*ExternalIdentity, error) {
	record := &ExternalIdentity{}
	err := tx.NewSelect().
		Model(record).
		Where("?TableAlias.external_id = ?", externalID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, storeError("identity.find", err, nil)
	}
	return record, nil
}

// CreateTx inserts identity. A duplicate external id is reported as a lost
// race.
func (r *externalIdentities) CreateTx(ctx context.Context, tx bun.IDB, identity *ExternalIdentity) (*ExternalIdentity, error) {
	if identity.ID == uuid.Nil {
		identity.ID = uuid.New()
	}
	now := r.now().UTC()
	identity.CreatedAt = now
	identity.UpdatedAt = now

	if _, err := tx.NewInsert().Model(identity).Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			return nil, withDetails(ErrConflictLostRace, err, map[string]any{
				"operation":   "identity.create",
				"external_id": identity.ExternalID,
			})
		}
		return nil, storeError("identity.create", err, nil)
	}
	return identity, nil
}

func (r *externalIdentities) UpdateProfileTx(ctx context.Context, tx bun.IDB, identity *ExternalIdentity) error {
	identity.UpdatedAt = r.now().UTC()
	_, err := tx.NewUpdate().
		Model(identity).
		Column(
			"first_name", "last_name", "username", "photo_url", "language_code",
			"is_premium", "allows_write_to_pm", "chat_instance", "chat_type",
			"auth_date", "updated_at",
		).
		WherePK().
		Exec(ctx)
	return storeError("identity.update_profile", err, nil)
}

// LinkTx sets the account only while the identity is still unlinked.
func (r *externalIdentities) LinkTx(ctx context.Context, tx bun.IDB, identityID, accountID uuid.UUID) error {
	res, err := tx.NewUpdate().
		Model((*ExternalIdentity)(nil)).
		Set("account_id = ?", accountID).
		Set("updated_at = ?", r.now().UTC()).
		Where("id = ?", identityID).
		Where("account_id IS NULL").
		Exec(ctx)
	if err != nil {
		return storeError("identity.link", err, nil)
	}
	if n, err := res.RowsAffected(); err != nil {
		return storeError("identity.link", err, nil)
	} else if n == 0 {
		return withDetails(ErrConflictLostRace, nil, map[string]any{
			"operation":   "identity.link",
			"identity_id": identityID.String(),
		})
	}
	return nil
}

// ListLinked returns identities attached to an account
func (r *externalIdentities) ListLinked(ctx context.Context) ([]*ExternalIdentity, error) {
	var out []*ExternalIdentity
	err := r.db.NewSelect().
		Model(&out).
		Where("?TableAlias.account_id IS NOT NULL").
		OrderExpr("?TableAlias.created_at ASC").
		Scan(ctx)
	if err != nil {
		return nil, storeError("identity.list_linked", err, nil)
	}
	return out, nil
}
