package auth

import (
	"errors"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
)

const (
	DefaultAccessTokenTTL       = 15 * time.Minute
	DefaultRefreshTokenTTL      = 30 * 24 * time.Hour
	DefaultFreshnessWindow      = time.Hour
	DefaultCompensationAttempts = 3
	DefaultAccessCookieName     = "accessToken"
	DefaultRefreshCookieName    = "refreshToken"
)

// Config holds auth options
type Config interface {
	GetSigningKey() string
	GetIssuer() string
	GetAudience() []string
	GetAccessTokenTTL() time.Duration
	GetRefreshTokenTTL() time.Duration
	GetBotToken() string
	GetFreshnessWindow() time.Duration
	GetCookie() CookieOptions
	GetCompensationAttempts() int
}

// CookieOptions are the attributes shared by both session cookies
type CookieOptions struct {
	AccessName  string `mapstructure:"access_name" json:"access_name"`
	RefreshName string `mapstructure:"refresh_name" json:"refresh_name"`
	Path        string `mapstructure:"path" json:"path"`
	SameSite    string `mapstructure:"same_site" json:"same_site"`
	Secure      bool   `mapstructure:"secure" json:"secure"`
	HTTPOnly    bool   `mapstructure:"http_only" json:"http_only"`
}

// Options is the concrete Config, loaded from file and environment
type Options struct {
	SigningKey           string        `mapstructure:"signing_key" json:"-"`
	Issuer               string        `mapstructure:"issuer" json:"issuer"`
	Audience             []string      `mapstructure:"audience" json:"audience"`
	AccessTokenTTL       time.Duration `mapstructure:"access_token_ttl" json:"access_token_ttl"`
	RefreshTokenTTL      time.Duration `mapstructure:"refresh_token_ttl" json:"refresh_token_ttl"`
	BotToken             string        `mapstructure:"bot_token" json:"-"`
	FreshnessWindow      time.Duration `mapstructure:"freshness_window" json:"freshness_window"`
	CompensationAttempts int           `mapstructure:"compensation_attempts" json:"compensation_attempts"`
	Cookie               CookieOptions `mapstructure:"cookie" json:"cookie"`
}

// DefaultOptions returns options with every default applied. Secrets are
// left empty.
func DefaultOptions() *Options {
	return &Options{
		Issuer:               "tour-auth",
		Audience:             []string{"tour"},
		AccessTokenTTL:       DefaultAccessTokenTTL,
		RefreshTokenTTL:      DefaultRefreshTokenTTL,
		FreshnessWindow:      DefaultFreshnessWindow,
		CompensationAttempts: DefaultCompensationAttempts,
		Cookie: CookieOptions{
			AccessName:  DefaultAccessCookieName,
			RefreshName: DefaultRefreshCookieName,
			Path:        "/",
			SameSite:    "Strict",
			Secure:      true,
			HTTPOnly:    true,
		},
	}
}

// Validate checks required secrets and ranges
func (o Options) Validate() error {
	return validation.ValidateStruct(&o,
		validation.Field(&o.SigningKey, validation.Required, validation.Length(16, 0)),
		validation.Field(&o.BotToken, validation.Required),
		validation.Field(&o.Issuer, validation.Required),
		validation.Field(&o.AccessTokenTTL, validation.Required, validation.Min(time.Second)),
		validation.Field(&o.RefreshTokenTTL, validation.Required, validation.Min(time.Minute)),
		validation.Field(&o.FreshnessWindow, validation.Required, validation.Min(time.Second)),
		validation.Field(&o.CompensationAttempts, validation.Min(1)),
		validation.Field(&o.Cookie, validation.By(validateCookieOptions)),
	)
}

func validateCookieOptions(value any) error {
	c, ok := value.(CookieOptions)
	if !ok {
		return errors.New("cookie options expected")
	}
	return validation.ValidateStruct(&c,
		validation.Field(&c.AccessName, validation.Required),
		validation.Field(&c.RefreshName, validation.Required),
		validation.Field(&c.SameSite, validation.In("Strict", "Lax", "None", "")),
	)
}

func (o Options) GetSigningKey() string             { return o.SigningKey }
func (o Options) GetIssuer() string                 { return o.Issuer }
func (o Options) GetAudience() []string             { return o.Audience }
func (o Options) GetAccessTokenTTL() time.Duration  { return o.AccessTokenTTL }
func (o Options) GetRefreshTokenTTL() time.Duration { return o.RefreshTokenTTL }
func (o Options) GetBotToken() string               { return o.BotToken }
func (o Options) GetFreshnessWindow() time.Duration { return o.FreshnessWindow }
func (o Options) GetCookie() CookieOptions          { return o.Cookie }
func (o Options) GetCompensationAttempts() int      { return o.CompensationAttempts }
