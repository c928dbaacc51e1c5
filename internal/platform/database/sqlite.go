package database

import (
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"chatrelay/internal/platform/config"
)

// New opens the relay database. The ledger is the single source of
// truth and sole coordination point for workers and sweepers, so the
// connection is opened with WAL and a busy timeout to keep concurrent
// row claims from erroring out under contention.
func New(cfg config.DatabaseConfig) (*sql.DB, error) {
	dsn := cfg.Path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		return nil, err
	}

	return db, nil
}
