package auth

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lavet13/tour-sub000/telegram"
	"github.com/uptrace/bun"
)

// Account is the internal user record
type Account struct {
	bun.BaseModel `bun:"table:accounts,alias:acc"`
	ID            uuid.UUID `bun:"id,pk,type:uuid" json:"id"`
	DisplayName   string    `bun:"display_name,notnull" json:"display_name"`
	Email         *string   `bun:"email" json:"email,omitempty"`
	PasswordHash  *string   `bun:"password_hash" json:"-"`
	Roles         RoleSet   `bun:"roles,notnull,type:varchar" json:"roles"`
	CreatedAt     time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"created_at"`
	UpdatedAt     time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp" json:"updated_at"`
}

// ExternalIdentity is a Telegram identity. AccountID is nil until the
// identity is linked to an account.
type ExternalIdentity struct {
	bun.BaseModel   `bun:"table:external_identities,alias:ext"`
	ID              uuid.UUID  `bun:"id,pk,type:uuid" json:"id"`
	ExternalID      int64      `bun:"external_id,notnull,unique" json:"external_id"`
	FirstName       string     `bun:"first_name" json:"first_name"`
	LastName        string     `bun:"last_name" json:"last_name,omitempty"`
	Username        string     `bun:"username" json:"username,omitempty"`
	PhotoURL        string     `bun:"photo_url" json:"photo_url,omitempty"`
	LanguageCode    string     `bun:"language_code" json:"language_code,omitempty"`
	IsPremium       bool       `bun:"is_premium,notnull" json:"is_premium"`
	AllowsWriteToPM bool       `bun:"allows_write_to_pm,notnull" json:"allows_write_to_pm"`
	ChatInstance    string     `bun:"chat_instance" json:"chat_instance,omitempty"`
	ChatType        string     `bun:"chat_type" json:"chat_type,omitempty"`
	AuthDate        time.Time  `bun:"auth_date,nullzero" json:"auth_date"`
	AccountID       *uuid.UUID `bun:"account_id,type:uuid" json:"account_id,omitempty"`
	CreatedAt       time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"created_at"`
	UpdatedAt       time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp" json:"updated_at"`
}

// Linked reports whether the identity points at an account.
func (e *ExternalIdentity) Linked() bool {
	return e != nil && e.AccountID != nil && *e.AccountID != uuid.Nil
}

// RefreshToken is a persisted refresh session. Only the token hash is
// stored.
type RefreshToken struct {
	bun.BaseModel `bun:"table:refresh_tokens,alias:rt"`
	ID            uuid.UUID `bun:"id,pk,type:uuid" json:"id"`
	TokenHash     string    `bun:"token_hash,notnull,unique" json:"-"`
	AccountID     uuid.UUID `bun:"account_id,notnull,type:uuid" json:"account_id"`
	CreatedAt     time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp" json:"created_at"`
	UpdatedAt     time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp" json:"updated_at"`
}

// ExternalProfile is the verified profile data written to an identity on
// every login.
type ExternalProfile struct {
	FirstName       string
	LastName        string
	Username        string
	PhotoURL        string
	LanguageCode    string
	IsPremium       bool
	AllowsWriteToPM bool
	ChatInstance    string
	ChatType        string
	AuthDate        time.Time
}

// ProfileFromWidget maps a verified widget payload.
func ProfileFromWidget(w *telegram.WidgetAuth) ExternalProfile {
	return ExternalProfile{
		FirstName: w.Profile.FirstName,
		LastName:  w.Profile.LastName,
		Username:  w.Profile.Username,
		PhotoURL:  w.Profile.PhotoURL,
		AuthDate:  w.AuthDate,
	}
}

// ProfileFromWebApp maps verified mini-app init data.
func ProfileFromWebApp(w *telegram.WebAppAuth) ExternalProfile {
	return ExternalProfile{
		FirstName:       w.User.FirstName,
		LastName:        w.User.LastName,
		Username:        w.User.Username,
		PhotoURL:        w.User.PhotoURL,
		LanguageCode:    w.User.LanguageCode,
		IsPremium:       w.User.IsPremium,
		AllowsWriteToPM: w.User.AllowsWriteToPM,
		ChatInstance:    w.ChatInstance,
		ChatType:        w.ChatType,
		AuthDate:        w.AuthDate,
	}
}

func (p ExternalProfile) applyTo(identity *ExternalIdentity) {
	identity.FirstName = p.FirstName
	identity.LastName = p.LastName
	identity.Username = p.Username
	identity.PhotoURL = p.PhotoURL
	identity.LanguageCode = p.LanguageCode
	identity.IsPremium = p.IsPremium
	identity.AllowsWriteToPM = p.AllowsWriteToPM
	identity.ChatInstance = p.ChatInstance
	identity.ChatType = p.ChatType
	identity.AuthDate = p.AuthDate
}

// DisplayName builds the account name for a first login.
func (p ExternalProfile) DisplayName(externalID int64) string {
	name := strings.TrimSpace(strings.Join([]string{p.FirstName, p.LastName}, " "))
	if name != "" {
		return name
	}
	if p.Username != "" {
		return p.Username
	}
	return fmt.Sprintf("tg_%d", externalID)
}
