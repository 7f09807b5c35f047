package mapping

import (
	"context"
	"time"
)

// Entry is one original-to-pseudonym mapping. A distinct
// (category, normalized) pair maps to exactly one pseudonym for the
// lifetime of the store.
type Entry struct {
	Category   string    `json:"category"`
	Normalized string    `json:"normalized"`
	Original   string    `json:"original"`
	Pseudonym  string    `json:"pseudonym"`
	CreatedAt  time.Time `json:"created_at"`
	Rule       string    `json:"rule,omitempty"`
}

// Key builds the table key for a category and normalized value
func Key(category, normalized string) string {
	return category + ":" + normalized
}

// Store is the persistent mapping table. Inserting an existing key is a
// no-op that keeps the first pseudonym, so reprocessing the same data
// never grows the table.
type Store interface {
	// Load hydrates the table, starting empty when nothing was
	// persisted yet. Decryption or integrity failures are fatal and
	// never yield a silently empty table.
	Load(ctx context.Context) error

	// Lookup returns the entry for a (category, normalized) pair
	Lookup(ctx context.Context, category, normalized string) (Entry, bool, error)

	// Insert records a new mapping. The first insert for a key wins.
	Insert(ctx context.Context, entry Entry) error

	// Flush persists the full table
	Flush(ctx context.Context) error

	// Count returns the number of persisted mappings
	Count(ctx context.Context) (int, error)

	// Close flushes pending state and releases resources
	Close() error
}
