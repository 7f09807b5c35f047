package pattern

import (
	"errors"
	"fmt"
	"testing"

	"go.uber.org/zap"

	"github.com/clinisafe/scrub/internal/faults"
	"github.com/clinisafe/scrub/internal/logger"
	"github.com/clinisafe/scrub/internal/regulation"
)

func newTestLogger() *logger.Logger {
	return &logger.Logger{Logger: zap.NewNop()}
}

func mustLibrary(t *testing.T, patterns []regulation.Pattern) *Library {
	t.Helper()
	lib, err := NewLibrary(patterns, newTestLogger())
	if err != nil {
		t.Fatalf("failed to build library: %v", err)
	}
	return lib
}

func TestNewLibraryRejectsBadExpression(t *testing.T) {
	_, err := NewLibrary([]regulation.Pattern{
		{Name: "broken", Category: regulation.CategoryCustom, Expr: "(", Priority: 10},
	}, newTestLogger())
	if err == nil {
		t.Fatal("expected compile error")
	}
	if !errors.Is(err, faults.ErrConfiguration) {
		t.Errorf("expected configuration fault, got %v", err)
	}
}

func TestScanHigherPriorityClaimsSpan(t *testing.T) {
	lib := mustLibrary(t, []regulation.Pattern{
		{Name: "us_phone", Category: regulation.CategoryPhone, Expr: `\d{3}-\d{2}-\d{4}`, Priority: 72},
		{Name: "ssn", Category: regulation.CategorySSN, Expr: `\d{3}-\d{2}-\d{4}`, Priority: 95},
	})

	matches := lib.Scan("SSN on file: 123-45-6789.")
	if len(matches) != 1 {
		t.Fatalf("expected exactly one match, got %d", len(matches))
	}
	if matches[0].Category != regulation.CategorySSN {
		t.Errorf("higher priority rule must win, got category %s", matches[0].Category)
	}
	if matches[0].Value != "123-45-6789" {
		t.Errorf("unexpected match value %q", matches[0].Value)
	}
}

func TestScanLeftmostWinsWithinPriority(t *testing.T) {
	lib := mustLibrary(t, []regulation.Pattern{
		{Name: "right", Category: regulation.CategoryCustom, Expr: `bcd`, Priority: 50},
		{Name: "left", Category: regulation.CategoryCustom, Expr: `abc`, Priority: 50},
	})

	matches := lib.Scan("abcd")
	if len(matches) != 1 {
		t.Fatalf("expected one match, got %d", len(matches))
	}
	if matches[0].Rule != "left" {
		t.Errorf("leftmost candidate must win inside one priority, got %q", matches[0].Rule)
	}
}

func TestScanRegistrationOrderBreaksTies(t *testing.T) {
	lib := mustLibrary(t, []regulation.Pattern{
		{Name: "first", Category: regulation.CategoryCustom, Expr: `abc`, Priority: 50},
		{Name: "second", Category: regulation.CategoryCustom, Expr: `abc`, Priority: 50},
	})

	matches := lib.Scan("abc")
	if len(matches) != 1 {
		t.Fatalf("expected one match, got %d", len(matches))
	}
	if matches[0].Rule != "first" {
		t.Errorf("registration order must break exact ties, got %q", matches[0].Rule)
	}
}

func TestScanCaptureGroupClaimsGroupSpanOnly(t *testing.T) {
	lib := mustLibrary(t, []regulation.Pattern{
		{Name: "mrn", Category: regulation.CategoryMRN, Expr: `(?i)\bMRN[\s:#]*([A-Z0-9]{5,10})\b`, Priority: 88},
	})

	text := "MRN: A12345 admitted today"
	matches := lib.Scan(text)
	if len(matches) != 1 {
		t.Fatalf("expected one match, got %d", len(matches))
	}
	m := matches[0]
	if m.Value != "A12345" {
		t.Errorf("expected the group value, got %q", m.Value)
	}
	if text[m.Start:m.End] != "A12345" {
		t.Errorf("claimed span must cover the group only, got %q", text[m.Start:m.End])
	}
}

func TestScanSkipsUnmatchedGroup(t *testing.T) {
	lib := mustLibrary(t, []regulation.Pattern{
		{Name: "optional", Category: regulation.CategoryCustom, Expr: `ID(\d+)?`, Priority: 10},
	})

	if matches := lib.Scan("ID pending"); len(matches) != 0 {
		t.Errorf("an unmatched group claims nothing, got %v", matches)
	}
}

func TestScanResultsSortedAndDisjoint(t *testing.T) {
	lib := mustLibrary(t, []regulation.Pattern{
		{Name: "email", Category: regulation.CategoryEmail, Expr: `[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`, Priority: 80},
		{Name: "ssn", Category: regulation.CategorySSN, Expr: `\b\d{3}-\d{2}-\d{4}\b`, Priority: 95},
	})

	matches := lib.Scan("reach jane@example.org about 123-45-6789 or joe@example.org")
	if len(matches) != 3 {
		t.Fatalf("expected three matches, got %d", len(matches))
	}
	for i := 1; i < len(matches); i++ {
		if matches[i].Start < matches[i-1].End {
			t.Errorf("matches must be sorted and disjoint: %v", matches)
		}
	}
}

func TestApplyPreservesUnmatchedSpans(t *testing.T) {
	lib := mustLibrary(t, []regulation.Pattern{
		{Name: "email", Category: regulation.CategoryEmail, Expr: `[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`, Priority: 80},
		{Name: "ssn", Category: regulation.CategorySSN, Expr: `\b\d{3}-\d{2}-\d{4}\b`, Priority: 95},
	})

	text := "Call about 123-45-6789, then mail jane@example.org. Thanks!"
	out := Apply(text, lib.Scan(text), func(m Match) string {
		return fmt.Sprintf("[%s]", m.Category)
	})

	want := "Call about [ssn], then mail [email]. Thanks!"
	if out != want {
		t.Errorf("expected %q, got %q", want, out)
	}
}

func TestApplyWithoutMatches(t *testing.T) {
	text := "nothing sensitive here"
	out := Apply(text, nil, func(m Match) string { return "x" })
	if out != text {
		t.Errorf("expected text unchanged, got %q", out)
	}
}
