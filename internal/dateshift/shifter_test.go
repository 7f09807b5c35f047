package dateshift

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/clinisafe/scrub/internal/faults"
	"github.com/clinisafe/scrub/internal/logger"
)

var monthFirstLayouts = []string{"01/02/2006", "2006-01-02", "01-02-2006", "1/2/2006"}
var dayFirstLayouts = []string{"02/01/2006", "2006-01-02", "02-01-2006", "02.01.2006", "2/1/2006"}

func newTestLogger() *logger.Logger {
	return &logger.Logger{Logger: zap.NewNop()}
}

func newShifter(t *testing.T, config Config) *Shifter {
	t.Helper()
	shifter, err := New(config, newTestLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return shifter
}

func TestOffsetFromSeed(t *testing.T) {
	tests := []struct {
		seed    string
		maxDays int
		want    int
	}{
		{"test-seed", 30, -28},
		{"test-seed", 7, 1},
		{"test-seed", 365, -48},
		{"another-seed", 30, -19},
		{"clinisafe-demo", 30, -21},
	}
	for _, tt := range tests {
		if got := offsetFromSeed(tt.seed, tt.maxDays); got != tt.want {
			t.Errorf("offsetFromSeed(%q, %d) = %d, want %d", tt.seed, tt.maxDays, got, tt.want)
		}
	}
}

func TestOffsetStaysWithinWindow(t *testing.T) {
	for _, maxDays := range []int{1, 7, 30, 365} {
		for i := 0; i < 50; i++ {
			seed := fmt.Sprintf("seed-%d", i)
			off := offsetFromSeed(seed, maxDays)
			if off < -maxDays || off > maxDays {
				t.Fatalf("offsetFromSeed(%q, %d) = %d escapes the window", seed, maxDays, off)
			}
		}
	}
}

func TestShiftKnownDates(t *testing.T) {
	// seed test-seed with a 30 day window derives an offset of -28
	shifter := newShifter(t, Config{
		Seed:           "test-seed",
		MaxDays:        30,
		Layouts:        monthFirstLayouts,
		OnParseFailure: PolicyLeave,
	})

	tests := []struct {
		value string
		want  string
	}{
		{"04/09/2014", "03/12/2014"},
		{"04/23/2014", "03/26/2014"},
		{"2014-04-09", "2014-03-12"},
		{"01/01/2000", "12/04/1999"},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			out := shifter.Shift(tt.value)
			if !out.Shifted || out.Failed {
				t.Fatalf("Shift(%q) did not shift: %+v", tt.value, out)
			}
			if out.Text != tt.want {
				t.Errorf("Shift(%q) = %q, want %q", tt.value, out.Text, tt.want)
			}
		})
	}
}

func TestShiftPreservesIntervals(t *testing.T) {
	shifter := newShifter(t, Config{
		Seed:           "test-seed",
		MaxDays:        30,
		Layouts:        monthFirstLayouts,
		OnParseFailure: PolicyLeave,
	})

	admit := shifter.Shift("04/09/2014")
	discharge := shifter.Shift("04/23/2014")

	a, err := time.Parse("01/02/2006", admit.Text)
	if err != nil {
		t.Fatalf("shifted admission does not parse: %v", err)
	}
	b, err := time.Parse("01/02/2006", discharge.Text)
	if err != nil {
		t.Fatalf("shifted discharge does not parse: %v", err)
	}
	if days := int(b.Sub(a).Hours() / 24); days != 14 {
		t.Errorf("stay length changed from 14 to %d days", days)
	}
}

func TestShiftFollowsLayoutOrder(t *testing.T) {
	// the same digits read day first land four months away from the
	// month first reading
	shifter := newShifter(t, Config{
		Seed:           "test-seed",
		MaxDays:        30,
		Layouts:        dayFirstLayouts,
		OnParseFailure: PolicyLeave,
	})

	out := shifter.Shift("04/09/2014")
	if out.Text != "07/08/2014" {
		t.Errorf("day-first Shift(04/09/2014) = %q, want 07/08/2014", out.Text)
	}

	dotted := shifter.Shift("09.04.2014")
	if dotted.Text != "12.03.2014" {
		t.Errorf("day-first Shift(09.04.2014) = %q, want 12.03.2014", dotted.Text)
	}
}

func TestShiftCommitsByRoundTrip(t *testing.T) {
	shifter := newShifter(t, Config{
		Seed:           "test-seed",
		MaxDays:        30,
		Layouts:        monthFirstLayouts,
		OnParseFailure: PolicyLeave,
	})

	// unpadded input must skip the padded layout and keep its own style
	unpadded := shifter.Shift("4/9/2014")
	if unpadded.Text != "3/12/2014" {
		t.Errorf("Shift(4/9/2014) = %q, want 3/12/2014", unpadded.Text)
	}

	padded := shifter.Shift("04/09/2014")
	if padded.Text != "03/12/2014" {
		t.Errorf("Shift(04/09/2014) = %q, want 03/12/2014", padded.Text)
	}
}

func TestShiftParseFailurePolicies(t *testing.T) {
	base := Config{
		Seed:    "test-seed",
		MaxDays: 30,
		Layouts: monthFirstLayouts,
	}
	// month thirteen parses under no month-first layout
	const value = "13/04/2014"

	t.Run("leave", func(t *testing.T) {
		base.OnParseFailure = PolicyLeave
		shifter := newShifter(t, base)
		out := shifter.Shift(value)
		if !out.Failed || out.Shifted {
			t.Fatalf("expected a parse failure, got %+v", out)
		}
		if out.Text != value {
			t.Errorf("leave policy rewrote the value to %q", out.Text)
		}
		if !shifter.FailedToParse(value) {
			t.Error("failure was not recorded")
		}
	})

	t.Run("reject", func(t *testing.T) {
		base.OnParseFailure = PolicyReject
		shifter := newShifter(t, base)
		if out := shifter.Shift(value); out.Text != "" {
			t.Errorf("reject policy kept %q", out.Text)
		}
	})

	t.Run("placeholder", func(t *testing.T) {
		base.OnParseFailure = PolicyPlaceholder
		shifter := newShifter(t, base)
		if out := shifter.Shift(value); out.Text != Placeholder {
			t.Errorf("placeholder policy produced %q, want %q", out.Text, Placeholder)
		}
	})
}

func TestShiftMemoizesResults(t *testing.T) {
	shifter := newShifter(t, Config{
		Seed:           "test-seed",
		MaxDays:        30,
		Layouts:        monthFirstLayouts,
		OnParseFailure: PolicyLeave,
	})

	first := shifter.Shift("04/09/2014")
	second := shifter.Shift("04/09/2014")
	if first != second {
		t.Errorf("repeated Shift disagrees: %+v vs %+v", first, second)
	}

	if !shifter.WasShifted("04/09/2014") {
		t.Error("original not tracked as shifted")
	}
	if shifter.WasShifted(first.Text) {
		t.Error("shifted output wrongly tracked as an original")
	}
}

func TestNewShifterValidation(t *testing.T) {
	tests := []struct {
		name   string
		config Config
	}{
		{"empty seed", Config{MaxDays: 30, Layouts: monthFirstLayouts, OnParseFailure: PolicyLeave}},
		{"zero window", Config{Seed: "s", Layouts: monthFirstLayouts, OnParseFailure: PolicyLeave}},
		{"no layouts", Config{Seed: "s", MaxDays: 30, OnParseFailure: PolicyLeave}},
		{"bad policy", Config{Seed: "s", MaxDays: 30, Layouts: monthFirstLayouts, OnParseFailure: "drop"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(tt.config, newTestLogger()); !errors.Is(err, faults.ErrConfiguration) {
				t.Errorf("New(%+v) returned %v, want configuration fault", tt.config, err)
			}
		})
	}
}
