package store

import (
	"database/sql"
	_ "embed"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// journalVersion is stamped into PRAGMA user_version when a journal is
// created. Bump it together with schema.sql when a change cannot be expressed
// with IF NOT EXISTS statements.
const journalVersion = 1

// journalPragmas are applied on every open. A station runs one writer at a
// time while history and harness queries read alongside it.
var journalPragmas = []string{
	"PRAGMA journal_mode = WAL",
	"PRAGMA synchronous = NORMAL",
	"PRAGMA busy_timeout = 5000",
	"PRAGMA foreign_keys = ON",
}

// Store is the run journal.
type Store struct {
	db *sql.DB
}

// Open opens the journal at path, creating it on first use. Reopening an
// existing journal is safe. A journal stamped by a newer release is refused
// rather than written with columns it does not know about.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}

	// One connection serializes run writes.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := prepareJournal(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Close closes the journal. Calling it on a closed or zero Store is a no-op.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the connection for read-only queries such as harness
// assertions. Writes go through Store methods.
func (s *Store) DB() *sql.DB {
	return s.db
}

func prepareJournal(db *sql.DB) error {
	for _, pragma := range journalPragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}

	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read journal version: %w", err)
	}
	if version > journalVersion {
		return fmt.Errorf("journal version %d is newer than supported version %d", version, journalVersion)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("create journal tables: %w", err)
	}
	if version < journalVersion {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", journalVersion)); err != nil {
			return fmt.Errorf("stamp journal version: %w", err)
		}
	}
	return nil
}
