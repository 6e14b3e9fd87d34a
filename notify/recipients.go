package notify

import (
	"context"

	"github.com/google/uuid"
	"github.com/lavet13/tour-sub000"
	"github.com/uptrace/bun"
)

// StoreRecipients resolves recipients from linked Telegram identities
type StoreRecipients struct {
	db *bun.DB
}

func NewStoreRecipients(db *bun.DB) *StoreRecipients {
	return &StoreRecipients{db: db}
}

type recipientRow struct {
	AccountID uuid.UUID    `bun:"account_id"`
	ChatID    int64        `bun:"external_id"`
	Roles     auth.RoleSet `bun:"roles"`
}

// Resolve returns one recipient per linked identity whose account holds any
// of roles. No roles means every linked identity.
func (s *StoreRecipients) Resolve(ctx context.Context, roles []auth.Role) ([]Recipient, error) {
	var rows []recipientRow
	err := s.db.NewSelect().
		TableExpr("external_identities AS ext").
		ColumnExpr("ext.account_id, ext.external_id, acc.roles").
		Join("JOIN accounts AS acc ON acc.id = ext.account_id").
		OrderExpr("ext.created_at ASC").
		Scan(ctx, &rows)
	if err != nil {
		return nil, err
	}

	out := make([]Recipient, 0, len(rows))
	for _, row := range rows {
		if len(roles) > 0 && !row.Roles.HasAny(roles...) {
			continue
		}
		out = append(out, Recipient{AccountID: row.AccountID, ChatID: row.ChatID})
	}
	return out, nil
}
