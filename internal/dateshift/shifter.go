package dateshift

import (
	"crypto/sha256"
	"encoding/binary"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/clinisafe/scrub/internal/faults"
	"github.com/clinisafe/scrub/internal/logger"
)

// Policy decides what replaces a value no layout can parse
type Policy string

const (
	PolicyLeave       Policy = "leave"       // keep the original text
	PolicyReject      Policy = "reject"      // remove the value
	PolicyPlaceholder Policy = "placeholder" // substitute a fixed marker
)

// Placeholder replaces unparseable dates under PolicyPlaceholder
const Placeholder = "[DATE]"

// Config contains date shifter configuration
type Config struct {
	Seed           string
	MaxDays        int
	Layouts        []string // candidate layouts, tried in order
	OnParseFailure Policy
}

// Outcome is the result of shifting one value
type Outcome struct {
	Text    string // replacement text, already respecting the failure policy
	Shifted bool   // a layout matched and the date moved
	Failed  bool   // no layout parsed the value
}

// Shifter moves every parsed date by one deterministic offset, so the
// intervals between dates of a dataset survive de-identification. A
// value is never guessed: a layout must parse it and print it back
// byte-identically before it counts as a date.
type Shifter struct {
	offsetDays int
	layouts    []string
	policy     Policy
	logger     *logger.Logger

	mu      sync.Mutex
	results map[string]Outcome
	shifted map[string]bool
	failed  map[string]bool
}

// New creates a date shifter. The offset is derived from the seed once
// and applies to every date the instance sees. The offset itself is
// deliberately never logged: together with a shifted date it would
// reverse the shift.
func New(config Config, log *logger.Logger) (*Shifter, error) {
	if config.Seed == "" {
		return nil, faults.Configuration("date shift seed must not be empty")
	}
	if config.MaxDays <= 0 {
		return nil, faults.Configuration("date shift window must be positive, got %d", config.MaxDays)
	}
	if len(config.Layouts) == 0 {
		return nil, faults.Configuration("date shifter needs at least one layout candidate")
	}
	switch config.OnParseFailure {
	case PolicyLeave, PolicyReject, PolicyPlaceholder:
	default:
		return nil, faults.Configuration("invalid date parse failure policy %q", config.OnParseFailure)
	}

	shifter := &Shifter{
		offsetDays: offsetFromSeed(config.Seed, config.MaxDays),
		layouts:    config.Layouts,
		policy:     config.OnParseFailure,
		logger:     log.WithComponent("dateshift"),
		results:    make(map[string]Outcome),
		shifted:    make(map[string]bool),
		failed:     make(map[string]bool),
	}

	shifter.logger.Info("Date shifter ready",
		zap.Int("window_days", config.MaxDays),
		zap.Int("layouts", len(config.Layouts)),
		zap.String("on_parse_failure", string(config.OnParseFailure)),
	)

	return shifter, nil
}

// offsetFromSeed derives the deterministic day offset in [-max, max]
// from the leading four digest bytes of the seed
func offsetFromSeed(seed string, maxDays int) int {
	digest := sha256.Sum256([]byte(seed))
	v := binary.BigEndian.Uint32(digest[:4])
	window := uint32(2*maxDays + 1)
	return int(v%window) - maxDays
}

// Shift maps a date string to the same calendar layout moved by the
// instance offset. Results are memoized, so one original always yields
// one output within a run.
func (s *Shifter) Shift(value string) Outcome {
	s.mu.Lock()
	if out, ok := s.results[value]; ok {
		s.mu.Unlock()
		return out
	}
	s.mu.Unlock()

	var out Outcome
	if layout, parsed, ok := s.parse(value); ok {
		out = Outcome{
			Text:    parsed.AddDate(0, 0, s.offsetDays).Format(layout),
			Shifted: true,
		}
	} else {
		out = Outcome{Failed: true}
		switch s.policy {
		case PolicyLeave:
			out.Text = value
		case PolicyReject:
			out.Text = ""
		case PolicyPlaceholder:
			out.Text = Placeholder
		}
	}

	s.mu.Lock()
	s.results[value] = out
	if out.Shifted {
		s.shifted[value] = true
	} else {
		s.failed[value] = true
	}
	s.mu.Unlock()

	return out
}

// parse commits to the first layout that both parses the value and
// prints it back byte-identically. The round trip is what disambiguates
// day-first from month-first readings of the same digits.
func (s *Shifter) parse(value string) (string, time.Time, bool) {
	for _, layout := range s.layouts {
		t, err := time.Parse(layout, value)
		if err != nil {
			continue
		}
		if t.Format(layout) != value {
			continue
		}
		return layout, t, true
	}
	return "", time.Time{}, false
}

// WasShifted reports whether text was seen as a date original this run
// and replaced by a shifted value. Such text appearing in output is a
// leak.
func (s *Shifter) WasShifted(text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shifted[text]
}

// FailedToParse reports whether text was seen this run and no layout
// parsed it
func (s *Shifter) FailedToParse(text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed[text]
}
