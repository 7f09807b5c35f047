package report

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clinisafe/scrub/internal/faults"
	"github.com/clinisafe/scrub/internal/logger"
)

// Finding is one substitution. It carries the pseudonym and where it
// was placed, never the original text.
type Finding struct {
	File      string `parquet:"file" json:"file"`
	Record    int64  `parquet:"record" json:"record"`
	Field     string `parquet:"field" json:"field"`
	Rule      string `parquet:"rule" json:"rule"`
	Category  string `parquet:"category" json:"category"`
	Pseudonym string `parquet:"pseudonym" json:"pseudonym"`
}

// FileResult is the audit trail for one input file
type FileResult struct {
	Path          string `json:"path"`
	Output        string `json:"output,omitempty"`
	Records       int64  `json:"records"`
	RecordsFailed int64  `json:"records_failed,omitempty"`
	Findings      int64  `json:"findings"`
	Skipped       bool   `json:"skipped,omitempty"`
	Failed        bool   `json:"failed,omitempty"`
	Reason        string `json:"reason,omitempty"`
}

// Validation summarizes the post-run residual scan
type Validation struct {
	Enabled   bool  `json:"enabled"`
	Residuals int64 `json:"residuals"`
	Clean     bool  `json:"clean"`
}

// DateShiftStats summarizes date handling for the run
type DateShiftStats struct {
	Enabled       bool  `json:"enabled"`
	Shifted       int64 `json:"shifted"`
	ParseFailures int64 `json:"parse_failures"`
}

// Summary is the audit report written at the end of a run. It contains
// counts and pseudonyms only; a leaked report must not leak PHI.
type Summary struct {
	RunID             string           `json:"run_id"`
	StartedAt         time.Time        `json:"started_at"`
	FinishedAt        time.Time        `json:"finished_at"`
	DurationMS        int64            `json:"duration_ms"`
	Countries         []string         `json:"countries"`
	StoreBackend      string           `json:"store_backend"`
	CleartextMappings bool             `json:"cleartext_mappings,omitempty"`
	FilesProcessed    int              `json:"files_processed"`
	FilesSkipped      int              `json:"files_skipped"`
	FilesFailed       int              `json:"files_failed"`
	Records           int64            `json:"records"`
	RecordsFailed     int64            `json:"records_failed"`
	Substitutions     map[string]int64 `json:"substitutions_by_category"`
	DateShift         DateShiftStats   `json:"date_shift"`
	Validation        Validation       `json:"validation"`
	Files             []FileResult     `json:"files"`
}

// ExitCode maps the summary onto the process exit code: 0 for a clean
// run, 1 when files or records failed, 2 when validation found residual
// identifiers in the output. Residuals outrank ordinary failures so
// automation never mistakes unsafe output for a partial success. Fatal
// faults exit 1 before a summary exists.
func (s Summary) ExitCode() int {
	if s.Validation.Enabled && !s.Validation.Clean {
		return 2
	}
	if s.FilesFailed > 0 || s.RecordsFailed > 0 {
		return 1
	}
	return 0
}

// Builder accumulates the summary while a run progresses
type Builder struct {
	mu      sync.Mutex
	summary Summary
	logger  *logger.Logger
}

// NewBuilder starts a report for a new run
func NewBuilder(countries []string, backend string, cleartextMappings bool, log *logger.Logger) *Builder {
	return &Builder{
		summary: Summary{
			RunID:             uuid.New().String(),
			StartedAt:         time.Now().UTC(),
			Countries:         countries,
			StoreBackend:      backend,
			CleartextMappings: cleartextMappings,
			Substitutions:     make(map[string]int64),
		},
		logger: log.WithComponent("report"),
	}
}

// RunID returns the run identifier assigned at construction
func (b *Builder) RunID() string {
	return b.summary.RunID
}

// AddFile records the outcome of one input file
func (b *Builder) AddFile(result FileResult) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.summary.Files = append(b.summary.Files, result)
	switch {
	case result.Failed:
		b.summary.FilesFailed++
	case result.Skipped:
		b.summary.FilesSkipped++
	default:
		b.summary.FilesProcessed++
	}
	b.summary.Records += result.Records
	b.summary.RecordsFailed += result.RecordsFailed
}

// CountFinding tallies one substitution by category
func (b *Builder) CountFinding(category string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.summary.Substitutions[category]++
}

// Finish seals the summary with validation and date handling results
func (b *Builder) Finish(validation Validation, dateShift DateShiftStats) Summary {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.summary.Validation = validation
	b.summary.DateShift = dateShift
	b.summary.FinishedAt = time.Now().UTC()
	b.summary.DurationMS = b.summary.FinishedAt.Sub(b.summary.StartedAt).Milliseconds()
	return b.summary
}

// Snapshot returns the summary as accumulated so far, for status
// endpoints while a run is live
func (b *Builder) Snapshot() Summary {
	b.mu.Lock()
	defer b.mu.Unlock()

	snapshot := b.summary
	snapshot.Substitutions = make(map[string]int64, len(b.summary.Substitutions))
	for k, v := range b.summary.Substitutions {
		snapshot.Substitutions[k] = v
	}
	snapshot.Files = append([]FileResult(nil), b.summary.Files...)
	return snapshot
}

// WriteSummary writes the report as indented JSON through a temp file
// and rename, so readers never observe a partial report
func WriteSummary(path string, summary Summary, log *logger.Logger) error {
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return faults.FileAccess(path, err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return faults.FileAccess(dir, err)
		}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return faults.FileAccess(tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return faults.FileAccess(path, err)
	}

	log.WithComponent("report").Info("Audit report written",
		zap.String("path", path),
		zap.String("run_id", summary.RunID),
		zap.Int("files", len(summary.Files)),
	)
	return nil
}
