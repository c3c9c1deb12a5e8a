// Package persistence provides the SQLite result store and run ledger.
package persistence

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite" // SQLite driver

	"hdlforge/pkg/logx"
)

// DSN returns the connection string used for every hdlforge database: foreign keys on,
// WAL journal, 5s busy timeout so parallel experiments wait instead of failing.
func DSN(path string) string {
	return fmt.Sprintf("file:%s?_foreign_keys=ON&_journal_mode=WAL&_busy_timeout=5000", path)
}

// Open opens (creating if needed) the result database at path and migrates its schema.
// The returned *sql.DB is safe to share between workflow instances.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", DSN(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// SQLite only supports one writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := initializeSchemaWithMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logx.NewLogger("persistence").Info("📦 Database initialized: %s", path)
	return db, nil
}
