package pseudonym

import (
	"context"
	"crypto/sha256"
	"encoding/base32"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/clinisafe/scrub/internal/faults"
	"github.com/clinisafe/scrub/internal/logger"
	"github.com/clinisafe/scrub/internal/mapping"
)

// idLength is the pseudonym id length in base32 characters. Six
// characters give about 1.07e9 distinct ids. Collisions across tens of
// thousands of values per category are statistically rare and accepted
// rather than retried, so identical input always yields the identical
// id across runs and machines. This is a documented limitation.
const idLength = 6

var idEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Store is the slice of the mapping store the generator needs
type Store interface {
	Lookup(ctx context.Context, category, normalized string) (mapping.Entry, bool, error)
	Insert(ctx context.Context, entry mapping.Entry) error
}

// Config contains pseudonym generation configuration
type Config struct {
	Salt      string
	Templates map[string]string // category -> template containing {id}
}

// Generator derives deterministic pseudonyms and persists first
// sightings through the mapping store
type Generator struct {
	salt      string
	templates map[string]string
	store     Store
	logger    *logger.Logger

	mu    sync.Mutex
	cache map[string]string
}

// New creates a pseudonym generator
func New(config Config, store Store, log *logger.Logger) (*Generator, error) {
	if config.Salt == "" {
		return nil, faults.Configuration("pseudonym salt must not be empty")
	}
	for category, tpl := range config.Templates {
		if !strings.Contains(tpl, "{id}") {
			return nil, faults.Configuration("pseudonym template for %q must contain {id}, got %q", category, tpl)
		}
	}

	gen := &Generator{
		salt:      config.Salt,
		templates: config.Templates,
		store:     store,
		logger:    log.WithComponent("pseudonym"),
		cache:     make(map[string]string),
	}

	gen.logger.Info("Pseudonym generator ready", zap.Int("template_overrides", len(config.Templates)))

	return gen, nil
}

// Normalize folds a value to its canonical lookup form: surrounding
// whitespace stripped and case folded, so JOHN DOE and John Doe map to
// one pseudonym.
func Normalize(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

// Pseudonym returns the stable token for a value of a category. The
// first sighting derives the token and persists it; every later
// sighting of the same normalized value reuses it. rule names the
// detection rule for the audit trail and may be empty.
func (g *Generator) Pseudonym(ctx context.Context, category, value, rule string) (string, error) {
	normalized := Normalize(value)
	key := mapping.Key(category, normalized)

	g.mu.Lock()
	if cached, ok := g.cache[key]; ok {
		g.mu.Unlock()
		return cached, nil
	}
	g.mu.Unlock()

	entry, found, err := g.store.Lookup(ctx, category, normalized)
	if err != nil {
		return "", err
	}
	if found {
		g.remember(key, entry.Pseudonym)
		return entry.Pseudonym, nil
	}

	pseudonym := g.derive(category, normalized)
	if err := g.store.Insert(ctx, mapping.Entry{
		Category:   category,
		Normalized: normalized,
		Original:   value,
		Pseudonym:  pseudonym,
		CreatedAt:  time.Now().UTC(),
		Rule:       rule,
	}); err != nil {
		return "", err
	}

	g.remember(key, pseudonym)
	return pseudonym, nil
}

// derive computes the deterministic token for a normalized value:
// SHA-256 over salt:category:normalized, the leading bits of the digest
// encoded as unpadded base32, substituted into the category template.
func (g *Generator) derive(category, normalized string) string {
	digest := sha256.Sum256([]byte(g.salt + ":" + category + ":" + normalized))
	id := idEncoding.EncodeToString(digest[:])[:idLength]
	return strings.ReplaceAll(g.template(category), "{id}", id)
}

// template returns the configured override for a category or the
// default UPPERCASE-{id} form
func (g *Generator) template(category string) string {
	if tpl, ok := g.templates[category]; ok {
		return tpl
	}
	return strings.ToUpper(category) + "-{id}"
}

func (g *Generator) remember(key, pseudonym string) {
	g.mu.Lock()
	g.cache[key] = pseudonym
	g.mu.Unlock()
}
