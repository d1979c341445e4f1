// Package creds reads and writes the upstream credential sets that seed a
// session's browsing context. The external login flow owns credential
// acquisition; this package only persists and serves the results.
package creds

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when no credential set exists for an identity.
var ErrNotFound = errors.New("no credentials for identity")

// Set is one identity's persisted upstream credentials.
type Set struct {
	Identity     string
	CookiesJSON  string
	LocalStorage string
	UpdatedAt    time.Time
}

// Store is a SQLite-backed credential store keyed by identity.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// Open initializes the store at the given path, creating the schema if
// needed.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS upstream_credentials (
		identity TEXT PRIMARY KEY,
		cookies TEXT NOT NULL DEFAULT '[]',
		local_storage TEXT NOT NULL DEFAULT '{}',
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create upstream_credentials table: %w", err)
	}
	return nil
}

// Lookup returns the credential set for an identity.
func (s *Store) Lookup(identity string) (*Set, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		`SELECT identity, cookies, local_storage, updated_at FROM upstream_credentials WHERE identity = ?`,
		identity,
	)
	set := &Set{}
	err := row.Scan(&set.Identity, &set.CookiesJSON, &set.LocalStorage, &set.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup credentials: %w", err)
	}
	return set, nil
}

// Put inserts or replaces an identity's credential set.
func (s *Store) Put(identity, cookiesJSON, localStorageJSON string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cookiesJSON == "" {
		cookiesJSON = "[]"
	}
	if localStorageJSON == "" {
		localStorageJSON = "{}"
	}
	_, err := s.db.Exec(
		`INSERT INTO upstream_credentials (identity, cookies, local_storage, updated_at)
		 VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(identity) DO UPDATE SET
			cookies = excluded.cookies,
			local_storage = excluded.local_storage,
			updated_at = CURRENT_TIMESTAMP`,
		identity, cookiesJSON, localStorageJSON,
	)
	if err != nil {
		return fmt.Errorf("store credentials: %w", err)
	}
	return nil
}

// Delete removes an identity's credential set.
func (s *Store) Delete(identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM upstream_credentials WHERE identity = ?`, identity); err != nil {
		return fmt.Errorf("delete credentials: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}
