package db

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
)

const migrationsLogPrefix = "db:migrations"

// Migration is one forward-only SQL file.
type Migration struct {
	Name string
	SQL  string
}

// LoadMigrationFiles reads all .sql files from dir, sorted by name.
func LoadMigrationFiles(dir string) ([]Migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to read migration dir %s: %w", migrationsLogPrefix, dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".sql" {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var out []Migration
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%s - failed to read %s: %w", migrationsLogPrefix, path, err)
		}
		out = append(out, Migration{Name: name, SQL: string(data)})
	}
	slog.Info(fmt.Sprintf("%s - Loaded %d migration files from %s", migrationsLogPrefix, len(out), dir))
	return out, nil
}

// ResolveMigrationPath returns path if it exists, otherwise the repository
// root migrations directory relative to a package directory.
func ResolveMigrationPath(path string) string {
	if _, err := os.Stat(path); err == nil {
		return path
	}
	alt := filepath.Join("..", "..", path)
	if _, err := os.Stat(alt); err == nil {
		return alt
	}
	return path
}
