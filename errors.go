package auth

import (
	"database/sql"
	stderrors "errors"
	"strings"

	"github.com/goliatone/go-errors"
	"github.com/goliatone/go-repository-bun"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lavet13/tour-sub000/telegram"
)

const (
	TextCodeStaleCredential         = "stale_credential"
	TextCodeAuthenticationRequired  = "authentication_required"
	TextCodeRefreshTokenExpired     = "refresh_token_expired"
	TextCodeRefreshTokenMalformed   = "refresh_token_malformed"
	TextCodeConflictLostRace        = "conflict_lost_race"
	TextCodeSessionNotFound         = "session_not_found"
	TextCodeAccountNotFound         = "account_not_found"
	TextCodeStoreFailure            = "store_failure"
	TextCodeCookieWriteFailed       = "cookie_write_failed"
	TextCodeCookieWriteUnreconciled = "cookie_write_unreconciled"
	TextCodeInvalidCredentials      = "invalid_credentials"
	TextCodeAccountExists           = "account_exists"
)

var (
	ErrInvalidSignature    = telegram.ErrInvalidSignature
	ErrMalformedCredential = telegram.ErrMalformedCredential
)

var ErrStaleCredential = errors.New("credential is outside the freshness window", errors.CategoryAuth).
	WithTextCode(TextCodeStaleCredential).
	WithCode(errors.CodeUnauthorized)

// ErrAuthenticationRequired is what callers see when no usable session
// exists. Expiry, malformed tokens and lost races all surface as this kind.
var ErrAuthenticationRequired = errors.New("authentication required", errors.CategoryAuth).
	WithTextCode(TextCodeAuthenticationRequired).
	WithCode(errors.CodeUnauthorized)

var ErrRefreshTokenExpired = errors.New("refresh token expired", errors.CategoryAuth).
	WithTextCode(TextCodeRefreshTokenExpired).
	WithCode(errors.CodeUnauthorized)

var ErrRefreshTokenMalformed = errors.New("refresh token malformed", errors.CategoryAuth).
	WithTextCode(TextCodeRefreshTokenMalformed).
	WithCode(errors.CodeUnauthorized)

var ErrConflictLostRace = errors.New("concurrent update won the race", errors.CategoryConflict).
	WithTextCode(TextCodeConflictLostRace).
	WithCode(errors.CodeConflict)

var ErrSessionNotFound = errors.New("session not found", errors.CategoryNotFound).
	WithTextCode(TextCodeSessionNotFound).
	WithCode(errors.CodeNotFound)

var ErrAccountNotFound = errors.New("account not found", errors.CategoryNotFound).
	WithTextCode(TextCodeAccountNotFound).
	WithCode(errors.CodeNotFound)

var ErrStoreFailure = errors.New("session store failure", errors.CategoryInternal).
	WithTextCode(TextCodeStoreFailure).
	WithCode(errors.CodeInternal)

var ErrCookieWriteFailed = errors.New("unable to write session cookies", errors.CategoryOperation).
	WithTextCode(TextCodeCookieWriteFailed).
	WithCode(errors.CodeInternal)

// ErrCookieWriteUnreconciled means the cookie write failed and the
// compensating store write failed too. The store holds a session the client
// never received.
var ErrCookieWriteUnreconciled = errors.New("unable to write session cookies, session left unreconciled", errors.CategoryOperation).
	WithTextCode(TextCodeCookieWriteUnreconciled).
	WithCode(errors.CodeInternal)

var ErrInvalidCredentials = errors.New("invalid login or password", errors.CategoryAuth).
	WithTextCode(TextCodeInvalidCredentials).
	WithCode(errors.CodeUnauthorized)

var ErrAccountExists = errors.New("account already exists", errors.CategoryConflict).
	WithTextCode(TextCodeAccountExists).
	WithCode(errors.CodeConflict)

// ErrorKind is the closed set of failure kinds the flows report.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindInvalidSignature
	KindStaleCredential
	KindMalformedCredential
	KindAuthenticationRequired
	KindConflictLostRace
	KindNotFound
	KindStoreError
	KindCookieWriteFailure
	KindInvalidCredentials
	KindAccountExists
	KindUnknown
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindInvalidSignature:
		return "invalid_signature"
	case KindStaleCredential:
		return "stale_credential"
	case KindMalformedCredential:
		return "malformed_credential"
	case KindAuthenticationRequired:
		return "authentication_required"
	case KindConflictLostRace:
		return "conflict_lost_race"
	case KindNotFound:
		return "not_found"
	case KindStoreError:
		return "store_error"
	case KindCookieWriteFailure:
		return "cookie_write_failure"
	case KindInvalidCredentials:
		return "invalid_credentials"
	case KindAccountExists:
		return "account_exists"
	default:
		return "unknown"
	}
}

// IsAuthFailure reports kinds that mean the caller holds no usable
// session. Cookies are cleared for these.
func (k ErrorKind) IsAuthFailure() bool {
	switch k {
	case KindInvalidSignature, KindStaleCredential, KindMalformedCredential,
		KindAuthenticationRequired, KindConflictLostRace, KindInvalidCredentials:
		return true
	}
	return false
}

// KindOf classifies err. The outermost go-errors value decides.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}

	var richErr *errors.Error
	if !errors.As(err, &richErr) {
		if stderrors.Is(err, sql.ErrNoRows) || repository.IsRecordNotFound(err) {
			return KindNotFound
		}
		return KindUnknown
	}

	switch richErr.TextCode {
	case telegram.TextCodeInvalidSignature:
		return KindInvalidSignature
	case telegram.TextCodeMalformedCredential:
		return KindMalformedCredential
	case TextCodeStaleCredential:
		return KindStaleCredential
	case TextCodeAuthenticationRequired, TextCodeRefreshTokenExpired, TextCodeRefreshTokenMalformed:
		return KindAuthenticationRequired
	case TextCodeConflictLostRace:
		return KindConflictLostRace
	case TextCodeSessionNotFound, TextCodeAccountNotFound:
		return KindNotFound
	case TextCodeStoreFailure:
		return KindStoreError
	case TextCodeCookieWriteFailed, TextCodeCookieWriteUnreconciled:
		return KindCookieWriteFailure
	case TextCodeInvalidCredentials:
		return KindInvalidCredentials
	case TextCodeAccountExists:
		return KindAccountExists
	}

	if richErr.Category == errors.CategoryNotFound || stderrors.Is(err, sql.ErrNoRows) || repository.IsRecordNotFound(err) {
		return KindNotFound
	}
	return KindUnknown
}

// TextCodeOf returns the text code of the outermost go-errors value.
func TextCodeOf(err error) string {
	var richErr *errors.Error
	if errors.As(err, &richErr) {
		return richErr.TextCode
	}
	return ""
}

func withDetails(base *errors.Error, source error, meta map[string]any) error {
	clone := base.Clone()
	if clone == nil {
		clone = base
	}
	if source != nil {
		clone.Source = source
	}
	if len(meta) > 0 {
		clone.WithMetadata(meta)
	}
	return clone
}

func authRequired(reason string, source error) error {
	return withDetails(ErrAuthenticationRequired, source, map[string]any{
		"reason": reason,
	})
}

// storeError tags raw driver errors. Errors that already carry a kind pass
// through unchanged, except generic not found errors which take the more
// specific notFound code when one is given.
func storeError(op string, err error, notFound *errors.Error) error {
	if err == nil {
		return nil
	}
	meta := map[string]any{"operation": op}
	kind := KindOf(err)
	if notFound != nil && kind == KindNotFound && TextCodeOf(err) != notFound.TextCode {
		return withDetails(notFound, err, meta)
	}
	if kind != KindUnknown {
		return err
	}
	if isUniqueViolation(err) {
		return withDetails(ErrConflictLostRace, err, meta)
	}
	return withDetails(ErrStoreFailure, err, meta)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if stderrors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var richErr *errors.Error
	if errors.As(err, &richErr) && richErr.Category == errors.CategoryConflict {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value")
}
