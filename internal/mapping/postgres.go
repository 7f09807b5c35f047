package mapping

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver
	"go.uber.org/zap"

	"github.com/clinisafe/scrub/internal/logger"
)

// flushBatchSize bounds the number of pending mappings held in memory
// before they are pushed to the database
const flushBatchSize = 500

// PostgresConfig contains database-backed store configuration
type PostgresConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// PostgresStore keeps the mapping table in Postgres. Keys are stored as
// SHA-256 hashes and originals are never written, so a compromised
// mapping database cannot leak source values.
type PostgresStore struct {
	db     *sqlx.DB
	config PostgresConfig
	logger *logger.Logger

	mu      sync.Mutex
	pending map[string]Entry
}

const createMappingsTable = `
CREATE TABLE IF NOT EXISTS mappings (
	key_hash   TEXT PRIMARY KEY,
	category   TEXT NOT NULL,
	pseudonym  TEXT NOT NULL,
	rule       TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL
)`

// NewPostgresStore connects to the database and prepares the schema
func NewPostgresStore(config PostgresConfig, log *logger.Logger) (*PostgresStore, error) {
	db, err := sqlx.Connect("postgres", config.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	store := &PostgresStore{
		db:      db,
		config:  config,
		logger:  log.WithComponent("mapping"),
		pending: make(map[string]Entry),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, createMappingsTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize mappings table: %w", err)
	}

	store.logger.Info("Mapping store connected",
		zap.String("url", maskURL(config.URL)),
		zap.Int("max_open_conns", config.MaxOpenConns),
	)

	return store, nil
}

// keyHash makes the stored key: originals never appear in the database
func keyHash(category, normalized string) string {
	sum := sha256.Sum256([]byte(Key(category, normalized)))
	return hex.EncodeToString(sum[:])
}

// Load verifies the table is reachable and reports its size
func (s *PostgresStore) Load(ctx context.Context) error {
	count, err := s.Count(ctx)
	if err != nil {
		return fmt.Errorf("failed to load mappings: %w", err)
	}

	s.logger.Info("Mappings available", zap.Int("entries", count))
	return nil
}

// Lookup returns the entry for a (category, normalized) pair, checking
// unflushed inserts first
func (s *PostgresStore) Lookup(ctx context.Context, category, normalized string) (Entry, bool, error) {
	kh := keyHash(category, normalized)

	s.mu.Lock()
	if entry, ok := s.pending[kh]; ok {
		s.mu.Unlock()
		return entry, true, nil
	}
	s.mu.Unlock()

	var row struct {
		Category  string    `db:"category"`
		Pseudonym string    `db:"pseudonym"`
		Rule      string    `db:"rule"`
		CreatedAt time.Time `db:"created_at"`
	}
	err := s.db.GetContext(ctx, &row,
		`SELECT category, pseudonym, rule, created_at FROM mappings WHERE key_hash = $1`, kh)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("mapping lookup failed: %w", err)
	}

	return Entry{
		Category:   row.Category,
		Normalized: normalized,
		Pseudonym:  row.Pseudonym,
		CreatedAt:  row.CreatedAt,
		Rule:       row.Rule,
	}, true, nil
}

// Insert buffers a new mapping, pushing a batch once enough accumulate
func (s *PostgresStore) Insert(ctx context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kh := keyHash(entry.Category, entry.Normalized)
	if _, ok := s.pending[kh]; ok {
		return nil
	}
	s.pending[kh] = entry

	if len(s.pending) >= flushBatchSize {
		return s.flushPendingLocked(ctx)
	}
	return nil
}

// Flush pushes all buffered mappings to the database
func (s *PostgresStore) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.flushPendingLocked(ctx)
}

func (s *PostgresStore) flushPendingLocked(ctx context.Context) error {
	if len(s.pending) == 0 {
		return nil
	}

	valueStrings := make([]string, 0, len(s.pending))
	valueArgs := make([]interface{}, 0, len(s.pending)*5)
	i := 0
	for kh, entry := range s.pending {
		valueStrings = append(valueStrings, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d)",
			i*5+1, i*5+2, i*5+3, i*5+4, i*5+5))
		valueArgs = append(valueArgs, kh, entry.Category, entry.Pseudonym, entry.Rule, entry.CreatedAt)
		i++
	}

	query := fmt.Sprintf(`
		INSERT INTO mappings (key_hash, category, pseudonym, rule, created_at)
		VALUES %s
		ON CONFLICT (key_hash) DO NOTHING`,
		strings.Join(valueStrings, ", "))

	result, err := s.db.ExecContext(ctx, query, valueArgs...)
	if err != nil {
		return fmt.Errorf("mapping batch insert failed: %w", err)
	}

	inserted, _ := result.RowsAffected()
	s.logger.Debug("Mappings flushed to database",
		zap.Int64("inserted", inserted),
		zap.Int("skipped", len(s.pending)-int(inserted)),
	)

	s.pending = make(map[string]Entry)
	return nil
}

// Count returns the number of persisted mappings
func (s *PostgresStore) Count(ctx context.Context) (int, error) {
	var count int
	if err := s.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM mappings`); err != nil {
		return 0, fmt.Errorf("mapping count failed: %w", err)
	}

	s.mu.Lock()
	count += len(s.pending)
	s.mu.Unlock()

	return count, nil
}

// Close flushes buffered mappings and closes the connection pool
func (s *PostgresStore) Close() error {
	if err := s.Flush(context.Background()); err != nil {
		s.db.Close()
		return err
	}
	return s.db.Close()
}

// maskURL hides credentials in a connection URL for logging
func maskURL(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "***"
	}
	if parsed.User != nil {
		if _, hasPassword := parsed.User.Password(); hasPassword {
			parsed.User = url.UserPassword(parsed.User.Username(), "****")
		}
	}
	return parsed.String()
}
