package store

import (
	"database/sql"
	"embed"
	"fmt"
	"strconv"
	"strings"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// MigrateDB applies pending migrations under the cross-process lock.
// In-memory databases skip the lock; nothing else can see them.
func MigrateDB(db *sql.DB, dbPath string) error {
	if dbPath != ":memory:" && !strings.Contains(dbPath, ":memory:") {
		release, err := acquireMigrationLock(dbPath)
		if err != nil {
			return fmt.Errorf("migration lock: %w", err)
		}
		defer release()
	}
	return RunMigrations(db)
}

// SchemaVersion reports the applied version (from goose_db_version) and
// the highest embedded version. A fresh database reports current 0.
func SchemaVersion(db *sql.DB) (current int64, latest int64, err error) {
	goose.SetBaseFS(embedMigrations)
	goose.SetVerbose(false)
	goose.SetLogger(goose.NopLogger())
	if err := goose.SetDialect("sqlite3"); err != nil {
		return 0, 0, fmt.Errorf("set dialect: %w", err)
	}

	current, err = goose.GetDBVersion(db)
	if err != nil {
		// No goose_db_version table yet.
		current = 0
	}

	latest, err = latestMigrationVersion()
	if err != nil {
		return current, 0, fmt.Errorf("determine latest version: %w", err)
	}
	return current, latest, nil
}

// LatestSchemaVersion returns the compiled-in schema version. The sync
// orchestrator compares this against the running daemon's reported version.
func LatestSchemaVersion() int64 {
	v, err := latestMigrationVersion()
	if err != nil {
		return 0
	}
	return v
}

// latestMigrationVersion scans the embedded migration filenames for the
// highest version prefix.
func latestMigrationVersion() (int64, error) {
	entries, err := embedMigrations.ReadDir("migrations")
	if err != nil {
		return 0, fmt.Errorf("read migrations dir: %w", err)
	}
	var max int64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		// "00004_name.sql" -> 4
		idx := strings.IndexByte(name, '_')
		if idx <= 0 {
			continue
		}
		v, err := strconv.ParseInt(name[:idx], 10, 64)
		if err != nil {
			continue
		}
		if v > max {
			max = v
		}
	}
	return max, nil
}

// RunMigrations applies all pending embedded migrations without taking the
// cross-process lock. Callers that may race another process want MigrateDB.
func RunMigrations(db *sql.DB) error {
	goose.SetBaseFS(embedMigrations)
	// goose logging would corrupt the JSON-only stdout contract.
	goose.SetVerbose(false)
	goose.SetLogger(goose.NopLogger())

	// goose's dialect name is "sqlite3" even though the modernc driver
	// registers as "sqlite"; the dialect only shapes generated SQL.
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	return goose.Up(db, "migrations")
}
