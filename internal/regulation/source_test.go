package regulation

import (
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/clinisafe/scrub/internal/faults"
	"github.com/clinisafe/scrub/internal/logger"
)

func newTestLogger() *logger.Logger {
	return &logger.Logger{Logger: zap.NewNop()}
}

func TestNewPackSource(t *testing.T) {
	source, err := NewPackSource(newTestLogger())
	if err != nil {
		t.Fatalf("failed to load embedded packs: %v", err)
	}

	available := source.available()
	want := map[string]bool{"us": true, "in": true, "gb": true, "rs": true}
	for _, code := range available {
		delete(want, code)
	}
	if len(want) != 0 {
		t.Errorf("missing country packs: %v (available %v)", want, available)
	}
}

func TestUnknownCountryCode(t *testing.T) {
	source, err := NewPackSource(newTestLogger())
	if err != nil {
		t.Fatalf("failed to load embedded packs: %v", err)
	}

	_, err = source.DetectionPatterns([]string{"us", "zz"})
	if err == nil {
		t.Fatal("expected error for unknown country code")
	}
	if !errors.Is(err, faults.ErrConfiguration) {
		t.Errorf("expected configuration fault, got %v", err)
	}

	_, err = source.FieldDefinitions([]string{"common"})
	if err == nil {
		t.Error("the common pack must not be selectable as a country")
	}
}

func TestDetectionPatternsMerge(t *testing.T) {
	source, err := NewPackSource(newTestLogger())
	if err != nil {
		t.Fatalf("failed to load embedded packs: %v", err)
	}

	patterns, err := source.DetectionPatterns([]string{"in", "us"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	index := make(map[string]int)
	for i, p := range patterns {
		if _, dup := index[p.Name]; dup {
			t.Errorf("duplicate rule name %q in merged patterns", p.Name)
		}
		index[p.Name] = i
	}

	for _, name := range []string{"email", "numeric_date", "aadhaar", "ssn"} {
		if _, ok := index[name]; !ok {
			t.Errorf("merged patterns missing rule %q", name)
		}
	}

	// Common rules precede country rules, and countries keep their
	// configured order for tie-breaking.
	if index["email"] > index["aadhaar"] {
		t.Error("common rules must come before country rules")
	}
	if index["aadhaar"] > index["ssn"] {
		t.Error("first configured country must register before the second")
	}

	// Asking for the same country twice must not duplicate rules.
	again, err := source.DetectionPatterns([]string{"us", "us"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	onlyUS, err := source.DetectionPatterns([]string{"us"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(again) != len(onlyUS) {
		t.Errorf("repeated country code changed rule count: %d vs %d", len(again), len(onlyUS))
	}
}

func TestDateLayouts(t *testing.T) {
	source, err := NewPackSource(newTestLogger())
	if err != nil {
		t.Fatalf("failed to load embedded packs: %v", err)
	}

	t.Run("day first country leads", func(t *testing.T) {
		layouts, err := source.DateLayouts([]string{"in", "us"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(layouts) == 0 || layouts[0] != "02/01/2006" {
			t.Errorf("expected day-first layout to lead for India, got %v", layouts)
		}

		iso := 0
		for _, l := range layouts {
			if l == "2006-01-02" {
				iso++
			}
		}
		if iso != 1 {
			t.Errorf("ISO layout should appear exactly once in the merge, got %d", iso)
		}
	})

	t.Run("month first country leads", func(t *testing.T) {
		layouts, err := source.DateLayouts([]string{"us"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(layouts) == 0 || layouts[0] != "01/02/2006" {
			t.Errorf("expected month-first layout to lead for the US, got %v", layouts)
		}
	})
}

func TestFieldDefinitions(t *testing.T) {
	source, err := NewPackSource(newTestLogger())
	if err != nil {
		t.Fatalf("failed to load embedded packs: %v", err)
	}

	fields, err := source.FieldDefinitions([]string{"us"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	byName := make(map[string]FieldDefinition)
	for _, fd := range fields {
		byName[fd.Name] = fd
	}

	ssn, ok := byName["ssn"]
	if !ok {
		t.Fatal("US fields missing ssn")
	}
	if ssn.PrivacyLevel != PrivacyDirect {
		t.Errorf("ssn field must be a direct identifier, got %s", ssn.PrivacyLevel)
	}
	if ssn.Rule == "" {
		t.Error("ssn field should carry a shape rule")
	}
	if ssn.Category != CategorySSN {
		t.Errorf("expected ssn category, got %s", ssn.Category)
	}

	dob, ok := byName["date_of_birth"]
	if !ok {
		t.Fatal("US fields missing date_of_birth")
	}
	if !dob.Category.IsTemporal() {
		t.Error("date_of_birth must dispatch to the date shifter")
	}
}
