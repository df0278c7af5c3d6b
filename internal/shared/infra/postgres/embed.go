package postgres

import "embed"

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate applies the shard schema to the given database.
func Migrate(databaseURL string) error {
	return RunMigrations(databaseURL, migrationsFS, "migrations", "goose_payments")
}
