// Package store owns the persistent index: one SQLite file holding both
// the relational media records and their embedding vectors. Rows and
// vectors are written together inside transactions, so readers never
// observe a record with only half its state.
package store

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/sorenkell/memedb/internal/util"
)

const currentSchemaVersion = 2

// MetricCosine is the only similarity metric currently implemented.
// The metric is pinned into store_meta at creation and verified on every
// open; silently reranking an existing store is not allowed.
const MetricCosine = "cosine"

// Store is the persistent media index
type Store struct {
	db     *sql.DB
	path   string
	metric string
}

// OpenOptions holds options for opening a store
type OpenOptions struct {
	Metric string // similarity metric for a newly created store; default cosine
}

// Open opens or creates a store at the given path with default options
func Open(path string) (*Store, error) {
	return OpenWithOptions(path, nil)
}

// OpenWithOptions opens or creates a store with custom options.
// The store is single-process-exclusive: if another process holds the
// write lock this fails fast with util.ErrStoreLocked instead of
// risking corruption.
func OpenWithOptions(path string, opts *OpenOptions) (*Store, error) {
	if opts == nil {
		opts = &OpenOptions{}
	}
	if opts.Metric == "" {
		opts.Metric = MetricCosine
	}
	if opts.Metric != MetricCosine {
		return nil, fmt.Errorf("unsupported similarity metric %q", opts.Metric)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(2000)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}

	// SQLite works best with a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	store := &Store{db: db, path: path, metric: opts.Metric}

	if err := store.probeLock(); err != nil {
		db.Close()
		return nil, err
	}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	if err := store.pinMeta(opts.Metric); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// probeLock verifies this process can take the write lock
func (s *Store) probeLock() error {
	tx, err := s.db.Begin()
	if err != nil {
		if isBusyError(err) {
			return fmt.Errorf("%w: %s", util.ErrStoreLocked, s.path)
		}
		return fmt.Errorf("failed to probe store lock: %w", err)
	}
	if _, err := tx.Exec("SELECT 1"); err != nil {
		tx.Rollback()
		if isBusyError(err) {
			return fmt.Errorf("%w: %s", util.ErrStoreLocked, s.path)
		}
		return fmt.Errorf("failed to probe store lock: %w", err)
	}
	return tx.Commit()
}

func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "busy")
}

// Close closes the store
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the store file location
func (s *Store) Path() string {
	return s.path
}

// Metric returns the similarity metric pinned at store creation
func (s *Store) Metric() string {
	return s.metric
}

// CheckIntegrity runs PRAGMA integrity_check
func (s *Store) CheckIntegrity() error {
	var result string
	if err := s.db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check query failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}
	return nil
}

// migrate applies database migrations
func (s *Store) migrate() error {
	version, err := s.getSchemaVersion()
	if err != nil {
		return err
	}
	if version >= currentSchemaVersion {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if version < 1 {
		if _, err := tx.Exec(schemaV1); err != nil {
			return fmt.Errorf("failed to apply schema v1: %w", err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (1)"); err != nil {
			return fmt.Errorf("failed to set schema version: %w", err)
		}
	}

	if version < 2 {
		if _, err := tx.Exec(schemaV2); err != nil {
			return fmt.Errorf("failed to apply schema v2: %w", err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (2)"); err != nil {
			return fmt.Errorf("failed to set schema version: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}
	return nil
}

func (s *Store) getSchemaVersion() (int, error) {
	var exists int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM sqlite_master
		WHERE type='table' AND name='schema_version'
	`).Scan(&exists)
	if err != nil {
		return 0, err
	}
	if exists == 0 {
		return 0, nil
	}

	var version int
	err = s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		return 0, err
	}
	return version, nil
}

// pinMeta records the metric on first open and verifies it afterwards
func (s *Store) pinMeta(metric string) error {
	existing, err := s.getMeta("metric")
	if err != nil {
		return err
	}
	if existing == "" {
		return s.setMeta("metric", metric)
	}
	if existing != metric {
		return fmt.Errorf("store was created with metric %q, refusing to open as %q", existing, metric)
	}
	return nil
}

func (s *Store) getMeta(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM store_meta WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read store meta %q: %w", key, err)
	}
	return value, nil
}

func (s *Store) setMeta(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO store_meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write store meta %q: %w", key, err)
	}
	return nil
}

// EmbedDim returns the embedding dimensionality, or 0 if no vector has
// been stored yet
func (s *Store) EmbedDim() (int, error) {
	value, err := s.getMeta("embed_dim")
	if err != nil || value == "" {
		return 0, err
	}
	dim, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("corrupt embed_dim meta %q: %w", value, err)
	}
	return dim, nil
}

// Transaction executes a function within a transaction
func (s *Store) Transaction(fn func(*sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
