package auth

import (
	"context"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Reconciliation is the outcome of resolving an external identity
type Reconciliation struct {
	Account   *Account
	Identity  *ExternalIdentity
	IsNewUser bool
	Linked    bool
}

// IdentityReconciler maps a verified Telegram identity to an account,
// creating or linking records as needed.
type IdentityReconciler struct {
	repo         RepositoryManager
	defaultRoles RoleSet
	logger       Logger
}

// ReconcilerOption customizes an IdentityReconciler
type ReconcilerOption func(*IdentityReconciler)

// WithDefaultRoles sets the roles given to accounts created on first login
func WithDefaultRoles(roles ...Role) ReconcilerOption {
	return func(r *IdentityReconciler) {
		if len(roles) > 0 {
			r.defaultRoles = NewRoleSet(roles...)
		}
	}
}

func WithReconcilerLogger(logger Logger) ReconcilerOption {
	return func(r *IdentityReconciler) {
		r.logger = normalizeLogger(logger)
	}
}

func NewIdentityReconciler(repo RepositoryManager, opts ...ReconcilerOption) *IdentityReconciler {
	r := &IdentityReconciler{
		repo:         repo,
		defaultRoles: RoleSet{RoleUser},
		logger:       normalizeLogger(nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// ReconcileInTx runs Reconcile in its own transaction.
func (r *IdentityReconciler) ReconcileInTx(ctx context.Context, externalID int64, profile ExternalProfile, fallbackAccountID *uuid.UUID) (*Reconciliation, error) {
	var result *Reconciliation
	err := r.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var err error
		result, err = r.Reconcile(ctx, tx, externalID, profile, fallbackAccountID)
		return err
	})
	if err != nil {
		return nil, storeError("identity.reconcile", err, nil)
	}
	return result, nil
}

// Reconcile resolves externalID on tx. The identity profile is refreshed on
// every call. An unlinked identity is linked to fallbackAccountID when that
// account exists, otherwise to a new account.
func (r *IdentityReconciler) Reconcile(ctx context.Context, tx bun.IDB, externalID int64, profile ExternalProfile, fallbackAccountID *uuid.UUID) (*Reconciliation, error) {
	if externalID <= 0 {
		return nil, withDetails(ErrMalformedCredential, nil, map[string]any{
			"field": "id",
		})
	}

	identity, err := r.repo.Identities().FindByExternalIDTx(ctx, tx, externalID)
	switch KindOf(err) {
	case KindNone:
		return r.reconcileExisting(ctx, tx, identity, profile, fallbackAccountID)
	case KindNotFound:
		return r.reconcileNew(ctx, tx, externalID, profile, fallbackAccountID)
	default:
		return nil, err
	}
}

func (r *IdentityReconciler) reconcileExisting(ctx context.Context, tx bun.IDB, identity *ExternalIdentity, profile ExternalProfile, fallbackAccountID *uuid.UUID) (*Reconciliation, error) {
	profile.applyTo(identity)
	if err := r.repo.Identities().UpdateProfileTx(ctx, tx, identity); err != nil {
		return nil, err
	}

	if identity.Linked() {
		account, err := r.repo.Accounts().FindByIDTx(ctx, tx, *identity.AccountID)
		if err != nil {
			r.logger.Error("identity %d points at missing account %s: %v", identity.ExternalID, identity.AccountID, err)
			return nil, err
		}
		return &Reconciliation{Account: account, Identity: identity}, nil
	}

	account, isNew, err := r.resolveAccount(ctx, tx, identity.ExternalID, profile, fallbackAccountID)
	if err != nil {
		return nil, err
	}

	if err := r.repo.Identities().LinkTx(ctx, tx, identity.ID, account.ID); err != nil {
		return nil, err
	}
	identity.AccountID = &account.ID

	return &Reconciliation{Account: account, Identity: identity, IsNewUser: isNew, Linked: true}, nil
}

func (r *IdentityReconciler) reconcileNew(ctx context.Context, tx bun.IDB, externalID int64, profile ExternalProfile, fallbackAccountID *uuid.UUID) (*Reconciliation, error) {
	account, isNew, err := r.resolveAccount(ctx, tx, externalID, profile, fallbackAccountID)
	if err != nil {
		return nil, err
	}

	identity := &ExternalIdentity{ExternalID: externalID, AccountID: &account.ID}
	profile.applyTo(identity)

	identity, err = r.repo.Identities().CreateTx(ctx, tx, identity)
	if err != nil {
		return nil, err
	}

	return &Reconciliation{Account: account, Identity: identity, IsNewUser: isNew, Linked: !isNew}, nil
}

// resolveAccount returns the fallback account if it exists, otherwise a new
// account with the default roles.
func (r *IdentityReconciler) resolveAccount(ctx context.Context, tx bun.IDB, externalID int64, profile ExternalProfile, fallbackAccountID *uuid.UUID) (*Account, bool, error) {
	if fallbackAccountID != nil && *fallbackAccountID != uuid.Nil {
		account, err := r.repo.Accounts().FindByIDTx(ctx, tx, *fallbackAccountID)
		switch KindOf(err) {
		case KindNone:
			return account, false, nil
		case KindNotFound:
			r.logger.Warn("fallback account %s not found, creating a new account for %d", fallbackAccountID, externalID)
		default:
			return nil, false, err
		}
	}

	account, err := r.repo.Accounts().CreateTx(ctx, tx, &Account{
		DisplayName: profile.DisplayName(externalID),
		Roles:       NewRoleSet(r.defaultRoles...),
	})
	if err != nil {
		return nil, false, err
	}
	return account, true, nil
}
