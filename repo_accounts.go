package auth

import (
	"context"
	"net/mail"
	"strings"
	"time"

	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

type Accounts interface {
	repository.Repository[*Account]

	FindByIDTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (*Account, error)
	FindByLoginTx(ctx context.Context, tx bun.IDB, login string) (*Account, error)
	CreateTx(ctx context.Context, tx bun.IDB, record *Account, criteria ...repository.InsertCriteria) (*Account, error)
	UpdateRolesTx(ctx context.Context, tx bun.IDB, id uuid.UUID, roles RoleSet) (*Account, error)
	ListByRoles(ctx context.Context, roles ...Role) ([]*Account, error)
}

type accounts struct {
	repository.Repository[*Account]
	db *bun.DB
}

var (
	_ Accounts                        = (*accounts)(nil)
	_ repository.Repository[*Account] = (*accounts)(nil)
)

func NewAccountsRepository(db *bun.DB) Accounts {
	repo := repository.NewRepository[*Account](db, repository.ModelHandlers[*Account]{
		NewRecord: func() *Account { return &Account{} },
		GetID: func(a *Account) uuid.UUID {
			if a == nil {
				return uuid.Nil
			}
			return a.ID
		},
		SetID: func(a *Account, id uuid.UUID) {
			if a != nil {
				a.ID = id
			}
		},
		GetIdentifier: func() string {
			return "email"
		},
	})
	return &accounts{Repository: repo, db: db}
}

func (a *accounts) FindByIDTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (*Account, error) {
	record := &Account{}
	err := tx.NewSelect().
		Model(record).
		Where("?TableAlias.id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, storeError("account.find", err, ErrAccountNotFound)
	}
	return record, nil
}

// FindByLoginTx resolves login as an email when it parses as one, otherwise
// as a display name. The oldest match wins.
func (a *accounts) FindByLoginTx(ctx context.Context, tx bun.IDB, login string) (*Account, error) {
	login = strings.TrimSpace(login)
	column := "display_name"
	if _, err := mail.ParseAddress(login); err == nil {
		column = "email"
		login = strings.ToLower(login)
	}

	record := &Account{}
	err := tx.NewSelect().
		Model(record).
		Where("?TableAlias.? = ?", bun.Ident(column), login).
		OrderExpr("?TableAlias.created_at ASC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, storeError("account.find_by_login", err, ErrAccountNotFound)
	}
	return record, nil
}

func (a *accounts) CreateTx(ctx context.Context, tx bun.IDB, record *Account, criteria ...repository.InsertCriteria) (*Account, error) {
	prepareAccountDefaults(record)
	created, err := a.Repository.CreateTx(ctx, tx, record, criteria...)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, withDetails(ErrAccountExists, err, nil)
		}
		return nil, storeError("account.create", err, nil)
	}
	return created, nil
}

func (a *accounts) UpdateRolesTx(ctx context.Context, tx bun.IDB, id uuid.UUID, roles RoleSet) (*Account, error) {
	record, err := a.FindByIDTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	record.Roles = NewRoleSet(roles...)
	record.UpdatedAt = time.Now().UTC()
	updated, err := a.Repository.UpdateTx(ctx, tx, record, repository.UpdateByID(id.String()))
	if err != nil {
		return nil, storeError("account.update_roles", err, ErrAccountNotFound)
	}
	return updated, nil
}

// ListByRoles returns accounts holding any of roles
func (a *accounts) ListByRoles(ctx context.Context, roles ...Role) ([]*Account, error) {
	var all []*Account
	if err := a.db.NewSelect().Model(&all).OrderExpr("?TableAlias.created_at ASC").Scan(ctx); err != nil {
		return nil, storeError("account.list", err, nil)
	}
	out := make([]*Account, 0, len(all))
	for _, acc := range all {
		if acc.Roles.HasAny(roles...) {
			out = append(out, acc)
		}
	}
	return out, nil
}

func prepareAccountDefaults(record *Account) {
	if record == nil {
		return
	}
	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
	if len(record.Roles) == 0 {
		record.Roles = RoleSet{RoleUser}
	}
	if record.Email != nil {
		email := strings.ToLower(strings.TrimSpace(*record.Email))
		record.Email = &email
	}
	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = now
	}
}
