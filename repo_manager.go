package auth

import (
	"context"
	"database/sql"
	"errors"
	"log"

	"github.com/goliatone/go-repository-bun"
	"github.com/uptrace/bun"
)

// RepositoryManager exposes all repositories
type RepositoryManager interface {
	repository.Validator
	repository.TransactionManager
	Accounts() Accounts
	Identities() ExternalIdentities
	Sessions() SessionStore
	DB() *bun.DB
}

type mngr struct {
	db         *bun.DB
	accounts   Accounts
	identities ExternalIdentities
	sessions   SessionStore
}

// RepositoryManagerOption customizes the manager
type RepositoryManagerOption func(*mngr)

// WithSessionStore replaces the default refresh token store
func WithSessionStore(store SessionStore) RepositoryManagerOption {
	return func(m *mngr) {
		if store != nil {
			m.sessions = store
		}
	}
}

func NewRepositoryManager(db *bun.DB, opts ...RepositoryManagerOption) RepositoryManager {
	m := &mngr{
		db:         db,
		accounts:   NewAccountsRepository(db),
		identities: NewExternalIdentitiesRepository(db),
		sessions:   NewSessionStore(db),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

func (m mngr) Validate() error {
	if m.db == nil {
		return errors.New("repository db should be initialized")
	}

	if m.accounts == nil {
		return errors.New("repository accounts should be initialized")
	}

	if m.identities == nil {
		return errors.New("repository identities should be initialized")
	}

	if m.sessions == nil {
		return errors.New("repository sessions should be initialized")
	}

	return nil
}

func (m mngr) MustValidate() {
	if err := m.Validate(); err != nil {
		log.Panic(err)
	}
}

func (m mngr) RunInTx(ctx context.Context, opts *sql.TxOptions, f func(ctx context.Context, tx bun.Tx) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return m.db.RunInTx(ctx, opts, f)
	}
}

func (m mngr) Accounts() Accounts {
	return m.accounts
}

func (m mngr) Identities() ExternalIdentities {
	return m.identities
}

func (m mngr) Sessions() SessionStore {
	return m.sessions
}

func (m mngr) DB() *bun.DB {
	return m.db
}
