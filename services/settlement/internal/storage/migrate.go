package storage

import (
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/adlio/schema"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrations returns the embedded schema migrations ordered by file name.
func Migrations() ([]*schema.Migration, error) {
	entries, err := fs.ReadDir(migrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("read migrations: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".sql") {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	out := make([]*schema.Migration, 0, len(names))
	for _, name := range names {
		script, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}
		out = append(out, &schema.Migration{
			ID:     strings.TrimSuffix(name, ".sql"),
			Script: string(script),
		})
	}
	return out, nil
}

// Migrate applies any pending migrations. adlio/schema serializes concurrent
// callers with an advisory lock, so every replica may call it on start.
func Migrate(pool *pgxpool.Pool) error {
	migrations, err := Migrations()
	if err != nil {
		return err
	}
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	if err := schema.NewMigrator().Apply(db, migrations); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}
