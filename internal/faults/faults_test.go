package faults

import (
	"errors"
	"fmt"
	"os"
	"testing"
)

func TestFaultCategories(t *testing.T) {
	tests := []struct {
		name     string
		fault    *Fault
		category error
	}{
		{"configuration", Configuration("unknown country code %q", "zz"), ErrConfiguration},
		{"date parse", DateParse("admission_date"), ErrDateParse},
		{"file access", FileAccess("in/a.jsonl", os.ErrPermission), ErrFileAccess},
		{"integrity", Integrity("mapping store authentication failed", nil), ErrIntegrity},
		{"validation", Validation(3), ErrValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if !errors.Is(tt.fault, tt.category) {
				t.Errorf("expected fault to match category %v", tt.category)
			}
			for _, other := range []error{ErrConfiguration, ErrDateParse, ErrFileAccess, ErrIntegrity, ErrValidation} {
				if other != tt.category && errors.Is(tt.fault, other) {
					t.Errorf("fault unexpectedly matches category %v", other)
				}
			}
		})
	}
}

func TestFaultError(t *testing.T) {
	f := FileAccess("in/notes.jsonl", errors.New("permission denied"))
	want := "in/notes.jsonl: permission denied"
	if f.Error() != want {
		t.Errorf("expected %q, got %q", want, f.Error())
	}

	c := Configuration("salt must not be empty")
	if c.Error() != "salt must not be empty" {
		t.Errorf("unexpected message: %q", c.Error())
	}
}

func TestFaultWrapping(t *testing.T) {
	wrapped := fmt.Errorf("loading mappings: %w", Integrity("ciphertext too short", nil))
	if !errors.Is(wrapped, ErrIntegrity) {
		t.Error("category should survive further wrapping")
	}

	var f *Fault
	if !errors.As(wrapped, &f) {
		t.Fatal("expected to recover *Fault from wrapped error")
	}
	if f.Code != "INTEGRITY" {
		t.Errorf("expected code INTEGRITY, got %s", f.Code)
	}
}

func TestIsFatal(t *testing.T) {
	if !IsFatal(Configuration("bad key")) {
		t.Error("configuration faults are fatal")
	}
	if !IsFatal(Integrity("store corrupt", nil)) {
		t.Error("integrity faults are fatal")
	}
	if IsFatal(DateParse("dob")) {
		t.Error("date parse faults are recoverable")
	}
	if IsFatal(FileAccess("x", nil)) {
		t.Error("file access faults are recoverable")
	}
	if IsFatal(Validation(1)) {
		t.Error("validation faults must not abort the run")
	}
}
