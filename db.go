package auth

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	persistence "github.com/goliatone/go-persistence-bun"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
	"github.com/uptrace/bun/schema"
)

const DefaultPingTimeout = 5 * time.Second

// DatabaseOptions selects the store backend. It implements the
// persistence client configuration.
type DatabaseOptions struct {
	Driver      string        `mapstructure:"driver" json:"driver"`
	DSN         string        `mapstructure:"dsn" json:"-"`
	Debug       bool          `mapstructure:"debug" json:"debug"`
	PingTimeout time.Duration `mapstructure:"ping_timeout" json:"ping_timeout"`
}

func (o DatabaseOptions) GetDebug() bool {
	return o.Debug
}

func (o DatabaseOptions) GetDriver() string {
	if o.isSQLite() {
		return sqliteshim.ShimName
	}
	return "pgx"
}

func (o DatabaseOptions) GetServer() string {
	if o.DSN == "" && o.isSQLite() {
		return ":memory:"
	}
	return o.DSN
}

func (o DatabaseOptions) GetPingTimeout() time.Duration {
	if o.PingTimeout <= 0 {
		return DefaultPingTimeout
	}
	return o.PingTimeout
}

func (o DatabaseOptions) GetOtelIdentifier() string {
	return "tour-auth"
}

func (o DatabaseOptions) isSQLite() bool {
	switch strings.ToLower(o.Driver) {
	case "", "sqlite", "sqlite3":
		return true
	}
	return false
}

func (o DatabaseOptions) dialect() (schema.Dialect, error) {
	switch strings.ToLower(o.Driver) {
	case "", "sqlite", "sqlite3":
		return sqlitedialect.New(), nil
	case "postgres", "pg", "pgx":
		return pgdialect.New(), nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", o.Driver)
	}
}

var registerModels sync.Once

// OpenPersistence opens the configured database and returns a persistence
// client with the auth models and the embedded dialect migrations
// registered. Foreign keys are turned on for sqlite. Call Migrate before
// using the store.
func OpenPersistence(ctx context.Context, opts DatabaseOptions, logger Logger) (*persistence.Client, error) {
	dialect, err := opts.dialect()
	if err != nil {
		return nil, err
	}

	registerModels.Do(func() {
		persistence.RegisterModel((*Account)(nil))
		persistence.RegisterModel((*ExternalIdentity)(nil))
		persistence.RegisterModel((*RefreshToken)(nil))
	})

	sqldb, err := sql.Open(opts.GetDriver(), opts.GetServer())
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", opts.GetDriver(), err)
	}
	if opts.isSQLite() {
		sqldb.SetMaxOpenConns(1)
	}

	client, err := persistence.New(opts, sqldb, dialect)
	if err != nil {
		_ = sqldb.Close()
		return nil, fmt.Errorf("persistence client: %w", err)
	}
	if logger != nil {
		client.SetLogger(logger)
	}

	if opts.isSQLite() {
		if _, err := client.DB().ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
			_ = sqldb.Close()
			return nil, fmt.Errorf("enable foreign keys: %w", err)
		}
	}

	migrations, err := DialectMigrations()
	if err != nil {
		_ = sqldb.Close()
		return nil, err
	}
	client.RegisterDialectMigrations(
		migrations,
		persistence.WithDialectSourceLabel(MigrationsDir),
		persistence.WithValidationTargets("postgres", "sqlite"),
	)

	return client, nil
}

// Migrate checks that every dialect ships the same migrations and applies
// the ones not yet recorded as applied.
func Migrate(ctx context.Context, client *persistence.Client) error {
	if err := client.ValidateDialects(ctx); err != nil {
		return fmt.Errorf("validate migrations: %w", err)
	}
	if err := client.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
