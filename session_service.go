package auth

import (
	"context"
	"math/rand/v2"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/go-ozzo/ozzo-validation/is"
	"github.com/goliatone/go-print"
	"github.com/goliatone/hashid/pkg/hashid"
	"github.com/google/uuid"
	"github.com/lavet13/tour-sub000/telegram"
	"github.com/uptrace/bun"
	"golang.org/x/crypto/bcrypt"
)

const (
	MethodTelegramWidget = "telegram_widget"
	MethodTelegramWebApp = "telegram_webapp"
	MethodPassword       = "password"
	MethodSignup         = "signup"
	MethodRefresh        = "refresh"
	MethodLogout         = "logout"
)

const compensationTimeout = 5 * time.Second

// LoginResult is returned by every flow that establishes a session
type LoginResult struct {
	Account   *Account
	Tokens    TokenPair
	IsNewUser bool
	Linked    bool
}

// LoginRequest is the password login payload
type LoginRequest struct {
	Login    string `json:"login"`
	Password string `json:"password"`
}

func (r LoginRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Login, validation.Required, validation.Length(1, 255)),
		validation.Field(&r.Password, validation.Required, validation.Length(1, 72)),
	)
}

// SignupRequest is the password signup payload. Roles is only honoured
// for trusted callers, the HTTP layer never sets it.
type SignupRequest struct {
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
	Password    string `json:"password"`
	Roles       []Role `json:"-"`
}

func (r SignupRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.DisplayName, validation.Required, validation.Length(1, 64)),
		validation.Field(&r.Email, validation.Required, is.Email),
		validation.Field(&r.Password, validation.Required, validation.Length(8, 72)),
	)
}

// SessionService runs the login, signup, refresh and logout flows. Store
// writes commit before cookies are written. A failed cookie write is
// compensated in the store.
type SessionService struct {
	repo         RepositoryManager
	reconciler   *IdentityReconciler
	tokens       TokenService
	widget       *telegram.WidgetVerifier
	webApp       *telegram.WebAppVerifier
	freshness    FreshnessGuard
	activity     ActivitySink
	metrics      *Metrics
	logger       Logger
	attempts     int
	backoff      func(attempt int) time.Duration
	passwordCost int
	hashIDs      bool
	hashOpts     []hashid.Option
	now          func() time.Time
}

// SessionOption customizes a SessionService
type SessionOption func(*SessionService)

func WithSessionLogger(logger Logger) SessionOption {
	return func(s *SessionService) {
		s.logger = normalizeLogger(logger)
	}
}

func WithActivitySink(sink ActivitySink) SessionOption {
	return func(s *SessionService) {
		s.activity = normalizeActivitySink(sink)
	}
}

func WithMetrics(m *Metrics) SessionOption {
	return func(s *SessionService) {
		s.metrics = m
	}
}

func WithTokenService(tokens TokenService) SessionOption {
	return func(s *SessionService) {
		if tokens != nil {
			s.tokens = tokens
		}
	}
}

func WithReconciler(r *IdentityReconciler) SessionOption {
	return func(s *SessionService) {
		if r != nil {
			s.reconciler = r
		}
	}
}

// WithClock sets the time source used by the freshness check
func WithClock(now func() time.Time) SessionOption {
	return func(s *SessionService) {
		if now != nil {
			s.now = now
			s.freshness.Now = now
		}
	}
}

// WithCompensationBackoff overrides the delay between compensation attempts
func WithCompensationBackoff(backoff func(attempt int) time.Duration) SessionOption {
	return func(s *SessionService) {
		if backoff != nil {
			s.backoff = backoff
		}
	}
}

// WithPasswordCost sets the bcrypt cost for new password hashes
func WithPasswordCost(cost int) SessionOption {
	return func(s *SessionService) {
		s.passwordCost = cost
	}
}

// WithHashedAccountIDs derives signup account IDs from the email address,
// so the same email always maps to the same account ID. opts are handed to
// hashid.NewUUID.
func WithHashedAccountIDs(enabled bool, opts ...hashid.Option) SessionOption {
	return func(s *SessionService) {
		s.hashIDs = enabled
		s.hashOpts = opts
	}
}

func NewSessionService(repo RepositoryManager, cfg Config, opts ...SessionOption) *SessionService {
	s := &SessionService{
		repo:         repo,
		reconciler:   NewIdentityReconciler(repo),
		tokens:       NewTokenIssuer(cfg),
		widget:       telegram.NewWidgetVerifier(cfg.GetBotToken()),
		webApp:       telegram.NewWebAppVerifier(cfg.GetBotToken()),
		freshness:    NewFreshnessGuard(cfg.GetFreshnessWindow()),
		activity:     noopActivitySink{},
		logger:       normalizeLogger(nil),
		attempts:     cfg.GetCompensationAttempts(),
		backoff:      jitteredBackoff(50 * time.Millisecond),
		passwordCost: bcrypt.DefaultCost,
		now:          time.Now,
	}
	if s.attempts <= 0 {
		s.attempts = DefaultCompensationAttempts
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Tokens exposes the token service, the HTTP layer uses it to read the
// access cookie.
func (s *SessionService) Tokens() TokenService {
	return s.tokens
}

// LoginWidget verifies a login widget payload and establishes a session.
func (s *SessionService) LoginWidget(ctx context.Context, cookies CookieCoordinator, data map[string]any, fallbackAccountID *uuid.UUID) (*LoginResult, error) {
	auth, err := s.widget.Verify(data)
	if err != nil {
		return nil, s.fail(ctx, cookies, MethodTelegramWidget, err)
	}
	if err := s.freshness.Check(auth.AuthDateMillis()); err != nil {
		return nil, s.fail(ctx, cookies, MethodTelegramWidget, err)
	}
	return s.loginExternal(ctx, cookies, MethodTelegramWidget, auth.Profile.ID, ProfileFromWidget(auth), fallbackAccountID)
}

// LoginWebApp verifies mini-app init data and establishes a session.
func (s *SessionService) LoginWebApp(ctx context.Context, cookies CookieCoordinator, initData string, fallbackAccountID *uuid.UUID) (*LoginResult, error) {
	auth, err := s.webApp.Verify(initData)
	if err != nil {
		return nil, s.fail(ctx, cookies, MethodTelegramWebApp, err)
	}
	if err := s.freshness.Check(auth.AuthDateMillis()); err != nil {
		return nil, s.fail(ctx, cookies, MethodTelegramWebApp, err)
	}
	return s.loginExternal(ctx, cookies, MethodTelegramWebApp, auth.User.ID, ProfileFromWebApp(auth), fallbackAccountID)
}

func (s *SessionService) loginExternal(ctx context.Context, cookies CookieCoordinator, method string, externalID int64, profile ExternalProfile, fallbackAccountID *uuid.UUID) (*LoginResult, error) {
	return s.establish(ctx, cookies, method, func(ctx context.Context, tx bun.Tx) (*Reconciliation, error) {
		return s.reconciler.Reconcile(ctx, tx, externalID, profile, fallbackAccountID)
	})
}

// LoginPassword authenticates by email or display name.
func (s *SessionService) LoginPassword(ctx context.Context, cookies CookieCoordinator, req LoginRequest) (*LoginResult, error) {
	if err := req.Validate(); err != nil {
		return nil, s.fail(ctx, cookies, MethodPassword, withDetails(ErrMalformedCredential, err, nil))
	}

	return s.establish(ctx, cookies, MethodPassword, func(ctx context.Context, tx bun.Tx) (*Reconciliation, error) {
		account, err := s.repo.Accounts().FindByLoginTx(ctx, tx, req.Login)
		if err != nil {
			if KindOf(err) == KindNotFound {
				return nil, withDetails(ErrInvalidCredentials, nil, nil)
			}
			return nil, err
		}
		if account.PasswordHash == nil || *account.PasswordHash == "" {
			return nil, withDetails(ErrInvalidCredentials, nil, nil)
		}
		if err := ComparePasswordAndHash(req.Password, *account.PasswordHash); err != nil {
			return nil, withDetails(ErrInvalidCredentials, nil, nil)
		}
		return &Reconciliation{Account: account}, nil
	})
}

// Signup creates a password account and establishes a session.
func (s *SessionService) Signup(ctx context.Context, cookies CookieCoordinator, req SignupRequest) (*LoginResult, error) {
	if err := req.Validate(); err != nil {
		return nil, s.fail(ctx, cookies, MethodSignup, withDetails(ErrMalformedCredential, err, nil))
	}

	hash, err := HashPassword(req.Password, s.passwordCost)
	if err != nil {
		return nil, s.fail(ctx, cookies, MethodSignup, err)
	}

	roles := NewRoleSet(req.Roles...)
	if len(roles) == 0 {
		roles = RoleSet{RoleUser}
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))

	record := &Account{
		DisplayName:  strings.TrimSpace(req.DisplayName),
		Email:        &email,
		PasswordHash: &hash,
		Roles:        roles,
	}
	if s.hashIDs {
		id, err := hashid.NewUUID(email, s.hashOpts...)
		if err != nil {
			s.logger.Warn("signup: unable to derive account id, using a random one: %v", err)
		} else {
			record.ID = id
		}
	}

	return s.establish(ctx, cookies, MethodSignup, func(ctx context.Context, tx bun.Tx) (*Reconciliation, error) {
		account, err := s.repo.Accounts().CreateTx(ctx, tx, record)
		if err != nil {
			return nil, err
		}
		return &Reconciliation{Account: account, IsNewUser: true}, nil
	})
}

func (s *SessionService) establish(ctx context.Context, cookies CookieCoordinator, method string, resolve func(ctx context.Context, tx bun.Tx) (*Reconciliation, error)) (*LoginResult, error) {
	var result *LoginResult
	err := s.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		rec, err := resolve(ctx, tx)
		if err != nil {
			return err
		}
		pair, err := s.tokens.Issue(rec.Account)
		if err != nil {
			return err
		}
		if _, err := s.repo.Sessions().CreateTx(ctx, tx, rec.Account.ID, pair.RefreshToken); err != nil {
			return err
		}
		result = &LoginResult{
			Account:   rec.Account,
			Tokens:    pair,
			IsNewUser: rec.IsNewUser,
			Linked:    rec.Linked,
		}
		return nil
	})
	if err != nil {
		return nil, s.fail(ctx, cookies, method, err)
	}

	if err := cookies.SetSession(ctx, result.Tokens); err != nil {
		token := result.Tokens.RefreshToken
		return nil, s.compensate(ctx, cookies, method, result.Account.ID, err, func(ctx context.Context) error {
			err := s.repo.Sessions().Revoke(ctx, token)
			if KindOf(err) == KindNotFound {
				return nil
			}
			return err
		}, map[string]any{"refresh_fingerprint": tokenFingerprint(token)})
	}

	s.metrics.observe(method, nil)
	s.recordLogin(ctx, method, result)
	return result, nil
}

// Refresh rotates the presented refresh token. Expired or malformed tokens
// are deleted and reported as authentication required.
func (s *SessionService) Refresh(ctx context.Context, cookies CookieCoordinator, presented string) (*LoginResult, error) {
	if presented == "" {
		return nil, s.fail(ctx, cookies, MethodRefresh, authRequired("missing_refresh_token", nil))
	}

	var result *LoginResult
	var invalid error
	var previousUpdatedAt time.Time
	err := s.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		sessions := s.repo.Sessions()
		row, err := sessions.FindTx(ctx, tx, presented)
		if err != nil {
			if KindOf(err) == KindNotFound {
				return authRequired("unknown_refresh_token", err)
			}
			return err
		}

		previousUpdatedAt = row.UpdatedAt

		if verr := s.tokens.CheckRefresh(presented, row); verr != nil {
			if err := sessions.RevokeTx(ctx, tx, presented); err != nil && KindOf(err) != KindNotFound {
				return err
			}
			invalid = verr
			return nil
		}

		account, err := s.repo.Accounts().FindByIDTx(ctx, tx, row.AccountID)
		if err != nil {
			if KindOf(err) == KindNotFound {
				return authRequired("account_missing", err)
			}
			return err
		}

		pair, err := s.tokens.Issue(account)
		if err != nil {
			return err
		}

		if _, err := sessions.RotateTx(ctx, tx, presented, pair.RefreshToken); err != nil {
			if KindOf(err) == KindNotFound {
				return withDetails(ErrConflictLostRace, err, nil)
			}
			return err
		}

		result = &LoginResult{Account: account, Tokens: pair}
		return nil
	})
	if err != nil {
		return nil, s.fail(ctx, cookies, MethodRefresh, err)
	}
	if invalid != nil {
		return nil, s.fail(ctx, cookies, MethodRefresh, invalid)
	}

	if err := cookies.SetSession(ctx, result.Tokens); err != nil {
		issued := result.Tokens.RefreshToken
		return nil, s.compensate(ctx, cookies, MethodRefresh, result.Account.ID, err, func(ctx context.Context) error {
			return s.repo.Sessions().Restore(ctx, issued, presented, previousUpdatedAt)
		}, map[string]any{
			"refresh_fingerprint": tokenFingerprint(issued),
			"restore_fingerprint": tokenFingerprint(presented),
		})
	}

	s.metrics.observe(MethodRefresh, nil)
	s.record(ctx, ActivityEvent{
		EventType: ActivityEventRefreshSuccess,
		AccountID: result.Account.ID.String(),
		Method:    MethodRefresh,
		Roles:     result.Account.Roles,
	})
	return result, nil
}

// Logout revokes the presented token and clears cookies. An unknown token
// is not an error.
func (s *SessionService) Logout(ctx context.Context, cookies CookieCoordinator, presented string) error {
	var storeErr error
	if presented != "" {
		err := s.repo.Sessions().Revoke(ctx, presented)
		switch KindOf(err) {
		case KindNone, KindNotFound:
		default:
			s.logger.Error("logout revoke failed for %s: %v", tokenFingerprint(presented), err)
			storeErr = err
		}
	}

	if err := cookies.ClearSession(ctx); err != nil {
		err = withDetails(ErrCookieWriteFailed, err, map[string]any{"method": MethodLogout})
		s.metrics.observe(MethodLogout, err)
		return err
	}

	s.metrics.observe(MethodLogout, storeErr)
	s.record(ctx, ActivityEvent{
		EventType: ActivityEventLogout,
		Method:    MethodLogout,
		Metadata:  map[string]any{"refresh_fingerprint": tokenFingerprint(presented)},
	})
	return storeErr
}

// RevokeAll drops every refresh session of an account.
func (s *SessionService) RevokeAll(ctx context.Context, actor ActorRef, accountID uuid.UUID) (int64, error) {
	var n int64
	err := s.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var err error
		n, err = s.repo.Sessions().RevokeAllForAccountTx(ctx, tx, accountID)
		return err
	})
	if err != nil {
		return 0, err
	}
	s.record(ctx, ActivityEvent{
		EventType: ActivityEventSessionsRevoked,
		Actor:     actor,
		AccountID: accountID.String(),
		Metadata:  map[string]any{"revoked": n},
	})
	return n, nil
}

// AssignRoles replaces the roles of an account. Existing access tokens keep
// their old roles until they expire.
func (s *SessionService) AssignRoles(ctx context.Context, actor ActorRef, accountID uuid.UUID, roles ...Role) (*Account, error) {
	set := NewRoleSet(roles...)
	for _, r := range set {
		if !r.IsValid() {
			return nil, withDetails(ErrMalformedCredential, nil, map[string]any{"role": string(r)})
		}
	}
	if len(set) == 0 {
		set = RoleSet{RoleUser}
	}

	var account *Account
	err := s.repo.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var err error
		account, err = s.repo.Accounts().UpdateRolesTx(ctx, tx, accountID, set)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, ActivityEvent{
		EventType: ActivityEventRolesChanged,
		Actor:     actor,
		AccountID: accountID.String(),
		Roles:     account.Roles,
	})
	return account, nil
}

// fail clears cookies on authentication failures and reports the error in
// its caller facing form.
func (s *SessionService) fail(ctx context.Context, cookies CookieCoordinator, method string, err error) error {
	if KindOf(err) == KindConflictLostRace {
		err = authRequired(TextCodeConflictLostRace, err)
	}

	if KindOf(err).IsAuthFailure() && cookies != nil {
		if cerr := cookies.ClearSession(ctx); cerr != nil {
			s.logger.Warn("%s: unable to clear cookies: %v", method, cerr)
		}
	}

	s.logger.Debug("%s failed: %v", method, err)
	s.metrics.observe(method, err)

	eventType := ActivityEventLoginFailure
	if method == MethodRefresh {
		eventType = ActivityEventRefreshFailure
	}
	s.record(ctx, ActivityEvent{
		EventType: eventType,
		Method:    method,
		Metadata: map[string]any{
			"kind":      KindOf(err).String(),
			"text_code": TextCodeOf(err),
		},
	})
	return err
}

// compensate undoes the committed store write after the cookie write
// failed. undo is retried with jittered backoff on a context detached from
// the request.
func (s *SessionService) compensate(ctx context.Context, cookies CookieCoordinator, method string, accountID uuid.UUID, cookieErr error, undo func(ctx context.Context) error, details map[string]any) error {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), compensationTimeout)
	defer cancel()

	undoErr := s.retry(cctx, undo)
	s.metrics.compensation(method, undoErr)
	s.metrics.observe(method, ErrCookieWriteFailed)

	meta := map[string]any{
		"method":       method,
		"account_id":   accountID.String(),
		"cookie_error": cookieErr.Error(),
	}
	for k, v := range details {
		meta[k] = v
	}

	if cerr := cookies.ClearSession(cctx); cerr != nil {
		s.logger.Warn("%s: unable to clear cookies after failed write: %v", method, cerr)
	}

	base := ErrCookieWriteFailed
	if undoErr != nil {
		base = ErrCookieWriteUnreconciled
		meta["compensation_error"] = undoErr.Error()
		s.logger.Error("session left unreconciled after cookie write failure: %s", print.MaybePrettyJSON(meta))
	} else {
		s.logger.Warn("cookie write failed, store write compensated: %s", print.MaybePrettyJSON(meta))
	}

	s.record(ctx, ActivityEvent{
		EventType: ActivityEventCompensation,
		AccountID: accountID.String(),
		Method:    method,
		Metadata:  meta,
	})
	return withDetails(base, cookieErr, meta)
}

func (s *SessionService) retry(ctx context.Context, op func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt < s.attempts; attempt++ {
		if err = op(ctx); err == nil {
			return nil
		}
		if attempt == s.attempts-1 {
			break
		}
		timer := time.NewTimer(s.backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}

func jitteredBackoff(base time.Duration) func(attempt int) time.Duration {
	return func(attempt int) time.Duration {
		d := base << attempt
		half := int64(d / 2)
		return time.Duration(half + rand.Int64N(half+1))
	}
}

func (s *SessionService) recordLogin(ctx context.Context, method string, result *LoginResult) {
	accountID := result.Account.ID.String()
	if result.IsNewUser {
		s.record(ctx, ActivityEvent{
			EventType: ActivityEventAccountCreated,
			AccountID: accountID,
			Method:    method,
			Roles:     result.Account.Roles,
			Metadata:  map[string]any{"display_name": result.Account.DisplayName},
		})
	}
	if result.Linked {
		s.record(ctx, ActivityEvent{
			EventType: ActivityEventIdentityLinked,
			AccountID: accountID,
			Method:    method,
			Roles:     result.Account.Roles,
		})
	}
	s.record(ctx, ActivityEvent{
		EventType: ActivityEventLoginSuccess,
		AccountID: accountID,
		Method:    method,
		Roles:     result.Account.Roles,
	})
}

func (s *SessionService) record(ctx context.Context, event ActivityEvent) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = s.now().UTC()
	}
	if event.Actor.ID == "" && event.AccountID != "" {
		event.Actor = ActorRef{ID: event.AccountID, Type: "account"}
	}
	if err := s.activity.Record(ctx, event); err != nil {
		s.logger.Warn("activity sink failed for %s: %v", event.EventType, err)
	}
}
