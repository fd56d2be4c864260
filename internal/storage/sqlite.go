package storage

import (
	"database/sql"
	"fmt"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // CGO-free SQLite
)

// SQLiteStore is the durable "local" persistence backend. A store that fails
// to open still satisfies Store: every method no-ops, so identifiers fall
// back to memory for the client lifetime.
type SQLiteStore struct {
	db  *sql.DB
	log *zap.Logger
}

// NewSQLiteStore opens (or creates) the key-value database at path. Open or
// schema failures are logged and produce a degraded, in-memory-equivalent
// store rather than an error.
func NewSQLiteStore(path string, log *zap.Logger) *SQLiteStore {
	if log == nil {
		log = zap.NewNop()
	}

	// WAL + busy timeout to avoid "database is locked"
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err == nil {
		err = createSchema(db)
		if err != nil {
			db.Close()
		}
	}
	if err != nil {
		log.Warn("local store unavailable, identifiers will not persist",
			zap.String("path", path),
			zap.Error(err))
		return &SQLiteStore{log: log}
	}

	return &SQLiteStore{db: db, log: log}
}

func createSchema(db *sql.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS sdk_state(
	  key   TEXT PRIMARY KEY,
	  value TEXT NOT NULL
	);
	`)
	if err != nil {
		return fmt.Errorf("failed to create sdk_state table: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(key string) (string, bool) {
	if s.db == nil {
		return "", false
	}

	var value string
	err := s.db.QueryRow(`SELECT value FROM sdk_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false
	}
	if err != nil {
		s.log.Debug("local store read failed", zap.String("key", key), zap.Error(err))
		return "", false
	}
	return value, true
}

func (s *SQLiteStore) Set(key, value string) {
	if s.db == nil {
		return
	}

	_, err := s.db.Exec(
		`INSERT INTO sdk_state(key, value) VALUES(?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value)
	if err != nil {
		s.log.Debug("local store write failed", zap.String("key", key), zap.Error(err))
	}
}

func (s *SQLiteStore) Delete(key string) {
	if s.db == nil {
		return
	}

	if _, err := s.db.Exec(`DELETE FROM sdk_state WHERE key = ?`, key); err != nil {
		s.log.Debug("local store delete failed", zap.String("key", key), zap.Error(err))
	}
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
