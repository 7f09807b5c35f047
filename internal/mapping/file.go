package mapping

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/clinisafe/scrub/internal/faults"
	"github.com/clinisafe/scrub/internal/logger"
)

const storeVersion = 1

// envelope is the serialized form of the mapping table
type envelope struct {
	Version   int              `json:"version"`
	UpdatedAt time.Time        `json:"updated_at"`
	Entries   map[string]Entry `json:"entries"`
}

// FileStoreConfig contains file store configuration
type FileStoreConfig struct {
	Path       string
	Encryption bool
	Key        []byte // 32 bytes when encryption is enabled
}

// FileStore keeps the mapping table in memory and persists it as a
// single whole-buffer-encrypted file
type FileStore struct {
	config FileStoreConfig
	logger *logger.Logger

	mu      sync.Mutex
	entries map[string]Entry
	dirty   bool
}

// NewFileStore creates a file-backed mapping store
func NewFileStore(config FileStoreConfig, log *logger.Logger) (*FileStore, error) {
	if config.Path == "" {
		return nil, faults.Configuration("mapping store path must not be empty")
	}
	if config.Encryption && len(config.Key) != 32 {
		return nil, faults.Configuration("mapping store key must be 32 bytes, got %d", len(config.Key))
	}

	store := &FileStore{
		config:  config,
		logger:  log.WithComponent("mapping"),
		entries: make(map[string]Entry),
	}

	if !config.Encryption {
		store.logger.Warn("MAPPING STORE ENCRYPTION IS DISABLED - originals will be written in CLEAR TEXT, debugging use only",
			zap.String("path", config.Path),
		)
	}

	return store, nil
}

// Load hydrates the table from disk. A missing file starts an empty
// table; anything unreadable or unauthentic is fatal, because silently
// starting empty would fork pseudonyms across runs.
func (s *FileStore) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.config.Path)
	if errors.Is(err, fs.ErrNotExist) {
		s.entries = make(map[string]Entry)
		s.logger.Info("No mapping store on disk, starting empty", zap.String("path", s.config.Path))
		return nil
	}
	if err != nil {
		return faults.Integrity("cannot read mapping store", err)
	}

	var plaintext []byte
	if s.config.Encryption {
		if !isEncrypted(data) {
			return faults.Integrity("mapping store file is not encrypted while encryption is enabled", nil)
		}
		plaintext, err = openBuffer(s.config.Key, data)
		if err != nil {
			return faults.Integrity("mapping store decryption failed (wrong key or tampered file)", err)
		}
	} else {
		if isEncrypted(data) {
			return faults.Integrity("mapping store file is encrypted while encryption is disabled", nil)
		}
		plaintext = data
	}

	env := envelope{}
	if err := json.Unmarshal(plaintext, &env); err != nil {
		return faults.Integrity("mapping store is corrupt", err)
	}
	if env.Version != storeVersion {
		return faults.Integrity("unsupported mapping store version", nil)
	}
	if env.Entries == nil {
		env.Entries = make(map[string]Entry)
	}

	s.entries = env.Entries
	s.dirty = false
	s.logger.Info("Mappings loaded", zap.Int("entries", len(s.entries)), zap.String("path", s.config.Path))

	return nil
}

// Lookup returns the entry for a (category, normalized) pair
func (s *FileStore) Lookup(ctx context.Context, category, normalized string) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[Key(category, normalized)]
	return entry, ok, nil
}

// Insert records a new mapping. The first insert for a key wins, which
// keeps one pseudonym per original for the store's lifetime.
func (s *FileStore) Insert(ctx context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := Key(entry.Category, entry.Normalized)
	if _, exists := s.entries[key]; exists {
		return nil
	}

	s.entries[key] = entry
	s.dirty = true
	return nil
}

// Flush persists the full table atomically: the buffer is written to a
// temporary file and renamed over the previous store.
func (s *FileStore) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.dirty {
		return nil
	}

	env := envelope{
		Version:   storeVersion,
		UpdatedAt: time.Now().UTC(),
		Entries:   s.entries,
	}
	buf, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return err
	}

	if s.config.Encryption {
		buf, err = sealBuffer(s.config.Key, buf)
		if err != nil {
			return faults.Integrity("mapping store encryption failed", err)
		}
	} else {
		s.logger.Warn("Writing mapping store in CLEAR TEXT", zap.String("path", s.config.Path))
	}

	if dir := filepath.Dir(s.config.Path); dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return err
		}
	}

	tmp := s.config.Path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0600); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.config.Path); err != nil {
		return err
	}

	s.dirty = false
	s.logger.Info("Mappings flushed", zap.Int("entries", len(s.entries)), zap.String("path", s.config.Path))

	return nil
}

// Count returns the number of mappings in the table
func (s *FileStore) Count(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.entries), nil
}

// Close flushes any unsaved mappings
func (s *FileStore) Close() error {
	return s.Flush(context.Background())
}
