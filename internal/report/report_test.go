package report

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/segmentio/parquet-go"
	"go.uber.org/zap"

	"github.com/clinisafe/scrub/internal/logger"
)

func newTestLogger() *logger.Logger {
	return &logger.Logger{Logger: zap.NewNop()}
}

func TestBuilderAccumulates(t *testing.T) {
	builder := NewBuilder([]string{"us"}, "file", false, newTestLogger())

	if builder.RunID() == "" {
		t.Fatal("builder assigned no run id")
	}

	builder.AddFile(FileResult{Path: "a.jsonl", Records: 10, Findings: 4})
	builder.AddFile(FileResult{Path: "b.jsonl", Records: 5, RecordsFailed: 2, Findings: 1})
	builder.AddFile(FileResult{Path: "c.jsonl", Skipped: true})
	builder.AddFile(FileResult{Path: "d.jsonl", Failed: true, Reason: "unreadable"})

	builder.CountFinding("ssn")
	builder.CountFinding("ssn")
	builder.CountFinding("email")

	summary := builder.Finish(
		Validation{Enabled: true, Residuals: 0, Clean: true},
		DateShiftStats{Enabled: true, Shifted: 3},
	)

	if summary.FilesProcessed != 2 || summary.FilesSkipped != 1 || summary.FilesFailed != 1 {
		t.Errorf("file counts = %d/%d/%d, want 2/1/1",
			summary.FilesProcessed, summary.FilesSkipped, summary.FilesFailed)
	}
	if summary.Records != 15 {
		t.Errorf("records = %d, want 15", summary.Records)
	}
	if summary.RecordsFailed != 2 {
		t.Errorf("records failed = %d, want 2", summary.RecordsFailed)
	}
	if summary.Substitutions["ssn"] != 2 || summary.Substitutions["email"] != 1 {
		t.Errorf("substitution counts wrong: %v", summary.Substitutions)
	}
	if summary.FinishedAt.Before(summary.StartedAt) {
		t.Error("finished before started")
	}
	if !summary.Validation.Clean {
		t.Error("validation outcome lost")
	}
}

func TestSummaryExitCode(t *testing.T) {
	tests := []struct {
		name    string
		summary Summary
		want    int
	}{
		{"clean", Summary{Validation: Validation{Enabled: true, Clean: true}}, 0},
		{"validation disabled", Summary{}, 0},
		{"failed file", Summary{FilesFailed: 1}, 1},
		{"failed records", Summary{RecordsFailed: 3}, 1},
		{"residuals", Summary{Validation: Validation{Enabled: true, Residuals: 2}}, 2},
		{"residuals outrank file failures", Summary{
			FilesFailed: 1,
			Validation:  Validation{Enabled: true, Residuals: 1},
		}, 2},
		{"parse failures alone stay clean", Summary{
			Validation: Validation{Enabled: true, Clean: true},
			DateShift:  DateShiftStats{Enabled: true, ParseFailures: 3},
		}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.summary.ExitCode(); got != tt.want {
				t.Errorf("ExitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestSnapshotDoesNotAliasBuilder(t *testing.T) {
	builder := NewBuilder([]string{"us"}, "file", false, newTestLogger())
	builder.CountFinding("ssn")

	snapshot := builder.Snapshot()
	snapshot.Substitutions["ssn"] = 99
	snapshot.Files = append(snapshot.Files, FileResult{Path: "ghost.jsonl"})

	summary := builder.Finish(Validation{}, DateShiftStats{})
	if summary.Substitutions["ssn"] != 1 {
		t.Errorf("snapshot mutation reached the builder: %v", summary.Substitutions)
	}
	if len(summary.Files) != 0 {
		t.Errorf("snapshot file append reached the builder: %v", summary.Files)
	}
}

func TestWriteSummary(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "reports", "audit.json")

	builder := NewBuilder([]string{"us", "in"}, "file", true, newTestLogger())
	builder.AddFile(FileResult{Path: "a.jsonl", Records: 3})
	summary := builder.Finish(Validation{Enabled: true, Clean: true}, DateShiftStats{})

	if err := WriteSummary(path, summary, newTestLogger()); err != nil {
		t.Fatalf("WriteSummary: %v", err)
	}

	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	var loaded Summary
	if err := json.Unmarshal(data, &loaded); err != nil {
		t.Fatalf("report is not valid JSON: %v", err)
	}
	if loaded.RunID != summary.RunID {
		t.Errorf("run id changed on disk: %q vs %q", loaded.RunID, summary.RunID)
	}
	if !loaded.CleartextMappings {
		t.Error("cleartext mapping warning lost")
	}
}

func TestFindingsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "findings.parquet")

	writer, err := NewFindingsWriter(path, newTestLogger())
	if err != nil {
		t.Fatalf("NewFindingsWriter: %v", err)
	}

	want := []Finding{
		{File: "a.jsonl", Record: 0, Field: "note", Rule: "ssn", Category: "ssn", Pseudonym: "SSN-UWVFLL"},
		{File: "a.jsonl", Record: 0, Field: "note", Rule: "email", Category: "email", Pseudonym: "EMAIL-OHCBE6"},
		{File: "b.jsonl", Record: 7, Field: "name", Rule: "patient_name", Category: "name", Pseudonym: "NAME-4RK3H7"},
	}
	for _, f := range want {
		if err := writer.Write(f); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if writer.Count() != int64(len(want)) {
		t.Errorf("Count() = %d, want %d", writer.Count(), len(want))
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("open export: %v", err)
	}
	defer file.Close()

	reader := parquet.NewReader(file)
	defer reader.Close()

	var got []Finding
	for {
		var row Finding
		if err := reader.Read(&row); err == io.EOF {
			break
		} else if err != nil {
			t.Fatalf("read row: %v", err)
		}
		got = append(got, row)
	}

	if len(got) != len(want) {
		t.Fatalf("read %d rows, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("row %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}
