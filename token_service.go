package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/goliatone/go-errors"
	"github.com/google/uuid"
)

const refreshTokenBytes = 32

// TokenPair is the credential pair handed to the client as cookies
type TokenPair struct {
	AccessToken      string
	AccessExpiresAt  time.Time
	RefreshToken     string
	RefreshExpiresAt time.Time
}

// AccessClaims are the claims carried by access tokens
type AccessClaims struct {
	jwt.RegisteredClaims
	UID   string   `json:"uid"`
	Roles []string `json:"roles,omitempty"`
}

// AccountID parses the subject claim.
func (c *AccessClaims) AccountID() (uuid.UUID, error) {
	return uuid.Parse(c.UID)
}

// HasRole checks the role claim
func (c *AccessClaims) HasRole(role Role) bool {
	for _, r := range c.Roles {
		if Role(r) == role {
			return true
		}
	}
	return false
}

// TokenIssuer signs HS256 access tokens and generates random refresh tokens
type TokenIssuer struct {
	signingKey []byte
	issuer     string
	audience   jwt.ClaimStrings
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
	random     io.Reader
	logger     Logger
}

// TokenIssuerOption customizes a TokenIssuer
type TokenIssuerOption func(*TokenIssuer)

// WithTokenClock overrides the time source
func WithTokenClock(now func() time.Time) TokenIssuerOption {
	return func(ti *TokenIssuer) {
		if now != nil {
			ti.now = now
		}
	}
}

// WithTokenRandom overrides the refresh token entropy source
func WithTokenRandom(r io.Reader) TokenIssuerOption {
	return func(ti *TokenIssuer) {
		if r != nil {
			ti.random = r
		}
	}
}

func WithTokenLogger(logger Logger) TokenIssuerOption {
	return func(ti *TokenIssuer) {
		ti.logger = normalizeLogger(logger)
	}
}

// NewTokenIssuer creates a TokenIssuer from cfg
func NewTokenIssuer(cfg Config, opts ...TokenIssuerOption) *TokenIssuer {
	ti := &TokenIssuer{
		signingKey: []byte(cfg.GetSigningKey()),
		issuer:     cfg.GetIssuer(),
		audience:   jwt.ClaimStrings(cfg.GetAudience()),
		accessTTL:  cfg.GetAccessTokenTTL(),
		refreshTTL: cfg.GetRefreshTokenTTL(),
		now:        time.Now,
		random:     rand.Reader,
		logger:     normalizeLogger(nil),
	}
	if ti.accessTTL <= 0 {
		ti.accessTTL = DefaultAccessTokenTTL
	}
	if ti.refreshTTL <= 0 {
		ti.refreshTTL = DefaultRefreshTokenTTL
	}
	for _, opt := range opts {
		if opt != nil {
			opt(ti)
		}
	}
	return ti
}

func (ti *TokenIssuer) AccessTTL() time.Duration  { return ti.accessTTL }
func (ti *TokenIssuer) RefreshTTL() time.Duration { return ti.refreshTTL }

// Issue mints a fresh access and refresh token for account
func (ti *TokenIssuer) Issue(account *Account) (TokenPair, error) {
	if account == nil || account.ID == uuid.Nil {
		return TokenPair{}, errors.New("account is required to issue tokens", errors.CategoryInternal)
	}

	now := ti.now()
	claims := &AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    ti.issuer,
			Subject:   account.ID.String(),
			Audience:  ti.audience,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ti.accessTTL)),
		},
		UID:   account.ID.String(),
		Roles: account.Roles.Strings(),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(ti.signingKey)
	if err != nil {
		return TokenPair{}, errors.Wrap(err, errors.CategoryInternal, "failed to sign access token")
	}

	refresh, err := ti.newRefreshToken()
	if err != nil {
		return TokenPair{}, err
	}

	return TokenPair{
		AccessToken:      signed,
		AccessExpiresAt:  now.Add(ti.accessTTL),
		RefreshToken:     refresh,
		RefreshExpiresAt: now.Add(ti.refreshTTL),
	}, nil
}

func (ti *TokenIssuer) newRefreshToken() (string, error) {
	buf := make([]byte, refreshTokenBytes)
	if _, err := io.ReadFull(ti.random, buf); err != nil {
		return "", errors.Wrap(err, errors.CategoryInternal, "failed to generate refresh token")
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Validate parses an access token and checks signature, issuer, audience
// and expiry.
func (ti *TokenIssuer) Validate(accessToken string) (*AccessClaims, error) {
	if accessToken == "" {
		return nil, authRequired("missing_access_token", nil)
	}

	parserOptions := []jwt.ParserOption{
		jwt.WithTimeFunc(ti.now),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	}
	if ti.issuer != "" {
		parserOptions = append(parserOptions, jwt.WithIssuer(ti.issuer))
	}
	if len(ti.audience) > 0 {
		parserOptions = append(parserOptions, jwt.WithAudience(ti.audience...))
	}

	token, err := jwt.ParseWithClaims(accessToken, &AccessClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			ti.logger.Error("unexpected signing method %v", t.Header["alg"])
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return ti.signingKey, nil
	}, parserOptions...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, authRequired("access_token_expired", err)
		}
		return nil, authRequired("access_token_invalid", err)
	}

	claims, ok := token.Claims.(*AccessClaims)
	if !ok || !token.Valid {
		return nil, authRequired("access_token_invalid", nil)
	}
	return claims, nil
}

// CheckRefresh verifies the presented token shape and the session age. Age
// counts from the last rotation.
func (ti *TokenIssuer) CheckRefresh(token string, session *RefreshToken) error {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(raw) != refreshTokenBytes {
		return withDetails(ErrRefreshTokenMalformed, err, nil)
	}
	if session == nil {
		return authRequired("unknown_refresh_token", nil)
	}
	issued := session.UpdatedAt
	if issued.IsZero() {
		issued = session.CreatedAt
	}
	if ti.now().After(issued.Add(ti.refreshTTL)) {
		return withDetails(ErrRefreshTokenExpired, nil, map[string]any{
			"issued_at": issued,
		})
	}
	return nil
}

// HashRefreshToken is the value stored for a refresh token
func HashRefreshToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// tokenFingerprint is a short, log safe prefix of the stored hash.
func tokenFingerprint(token string) string {
	if token == "" {
		return ""
	}
	return HashRefreshToken(token)[:12]
}
