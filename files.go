package auth

import (
	"embed"
	"io/fs"
)

// MigrationsDir holds one folder of migrations per dialect
const MigrationsDir = "data/sql/migrations"

//go:embed data/sql/migrations
var migrationsFS embed.FS

// GetMigrationsFS returns the migration files for this package
func GetMigrationsFS() embed.FS {
	return migrationsFS
}

// DialectMigrations returns the migrations rooted at the dialect folders,
// the layout persistence.RegisterDialectMigrations expects.
func DialectMigrations() (fs.FS, error) {
	return fs.Sub(migrationsFS, MigrationsDir)
}
