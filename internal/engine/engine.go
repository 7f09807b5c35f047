package engine

import (
	"context"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/clinisafe/scrub/internal/config"
	"github.com/clinisafe/scrub/internal/dateshift"
	"github.com/clinisafe/scrub/internal/faults"
	"github.com/clinisafe/scrub/internal/logger"
	"github.com/clinisafe/scrub/internal/mapping"
	"github.com/clinisafe/scrub/internal/metrics"
	"github.com/clinisafe/scrub/internal/pattern"
	"github.com/clinisafe/scrub/internal/pseudonym"
	"github.com/clinisafe/scrub/internal/regulation"
	"github.com/clinisafe/scrub/internal/report"
)

// State is the engine lifecycle position
type State int

const (
	StateInitialized State = iota
	StatePatternsLoaded
	StateProcessing
	StateValidating
	StateFlushed
	StateDone
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateInitialized:
		return "initialized"
	case StatePatternsLoaded:
		return "patterns_loaded"
	case StateProcessing:
		return "processing"
	case StateValidating:
		return "validating"
	case StateFlushed:
		return "flushed"
	case StateDone:
		return "done"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

type counters struct {
	records       int64
	findings      int64
	shifted       int64
	parseFailures int64
}

// Engine drives a de-identification run end to end: discovery,
// per-file transformation, output validation, store flush, report.
type Engine struct {
	config      *config.Config
	library     *pattern.Library
	fields      map[string]regulation.FieldDefinition
	fieldShapes map[string]*regexp.Regexp
	scanFields  map[string]bool
	generator   *pseudonym.Generator
	shifter     *dateshift.Shifter // nil when date shifting is disabled
	store       mapping.Store
	events      EventSink
	limiter     *rate.Limiter
	builder     *report.Builder
	findings    *report.FindingsWriter
	logger      *logger.Logger

	mu        sync.Mutex
	state     State
	counters  counters
	startTime time.Time
}

// New assembles an engine from configuration. The regulation source
// supplies patterns, field definitions and date layouts for the
// configured countries; the store is shared with the pseudonym
// generator.
func New(cfg *config.Config, source regulation.Source, store mapping.Store, events EventSink, log *logger.Logger) (*Engine, error) {
	engineLog := log.WithComponent("engine")

	patterns, err := source.DetectionPatterns(cfg.Countries)
	if err != nil {
		return nil, err
	}
	library, err := pattern.NewLibrary(patterns, log)
	if err != nil {
		return nil, err
	}

	fieldDefs, err := source.FieldDefinitions(cfg.Countries)
	if err != nil {
		return nil, err
	}
	fields := make(map[string]regulation.FieldDefinition, len(fieldDefs))
	fieldShapes := make(map[string]*regexp.Regexp)
	for _, fd := range fieldDefs {
		name := strings.ToLower(fd.Name)
		fields[name] = fd
		if fd.Rule != "" {
			re, err := regexp.Compile(fd.Rule)
			if err != nil {
				return nil, faults.Configuration("field %s carries an invalid rule: %v", fd.Name, err)
			}
			fieldShapes[name] = re
		}
	}

	scanFields := make(map[string]bool, len(cfg.Scan.Fields))
	for _, f := range cfg.Scan.Fields {
		scanFields[strings.ToLower(strings.TrimSpace(f))] = true
	}

	generator, err := pseudonym.New(pseudonym.Config{
		Salt:      cfg.Pseudonym.Salt,
		Templates: cfg.Pseudonym.Templates,
	}, store, log)
	if err != nil {
		return nil, err
	}

	var shifter *dateshift.Shifter
	if cfg.DateShift.Enabled {
		layouts, err := source.DateLayouts(cfg.Countries)
		if err != nil {
			return nil, err
		}
		shifter, err = dateshift.New(dateshift.Config{
			Seed:           cfg.DateShift.Seed,
			MaxDays:        cfg.DateShift.MaxDays,
			Layouts:        layouts,
			OnParseFailure: dateshift.Policy(cfg.DateShift.OnParseFailure),
		}, log)
		if err != nil {
			return nil, err
		}
	}

	var limiter *rate.Limiter
	if cfg.Processing.RateLimit > 0 {
		burst := int(cfg.Processing.RateLimit)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.Processing.RateLimit), burst)
	}

	cleartext := cfg.Store.Backend == "file" && !cfg.Store.Encryption.Enabled
	builder := report.NewBuilder(cfg.Countries, cfg.Store.Backend, cleartext, log)

	var findings *report.FindingsWriter
	if cfg.Report.FindingsParquet != "" {
		findings, err = report.NewFindingsWriter(cfg.Report.FindingsParquet, log)
		if err != nil {
			return nil, err
		}
	}

	if events == nil {
		events = noopSink{}
	}

	e := &Engine{
		config:      cfg,
		library:     library,
		fields:      fields,
		fieldShapes: fieldShapes,
		scanFields:  scanFields,
		generator:   generator,
		shifter:     shifter,
		store:       store,
		events:      events,
		limiter:     limiter,
		builder:     builder,
		findings:    findings,
		logger:      engineLog.WithRunID(builder.RunID()),
		state:       StateInitialized,
	}

	e.setState(StatePatternsLoaded)
	e.logger.Info("Engine ready",
		zap.Int("patterns", library.Count()),
		zap.Int("fields", len(fields)),
		zap.Strings("countries", cfg.Countries),
		zap.Bool("date_shifting", shifter != nil),
	)

	return e, nil
}

// RunID returns the identifier of the run this engine drives
func (e *Engine) RunID() string {
	return e.builder.RunID()
}

// State returns the current lifecycle position
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
	metrics.SetEngineState(int(s))
}

// Run executes one full de-identification pass. Per-file errors are
// isolated and reported; the returned error is reserved for faults
// that invalidate the whole run.
func (e *Engine) Run(ctx context.Context) (report.Summary, error) {
	e.setState(StateProcessing)
	e.mu.Lock()
	e.startTime = time.Now()
	e.mu.Unlock()

	inputs, root, err := e.discoverInputs()
	if err != nil {
		e.setState(StateErrored)
		return report.Summary{}, err
	}
	if len(inputs) == 0 {
		e.logger.Warn("No input files matched",
			zap.String("input", e.config.Processing.Input),
			zap.String("glob", e.config.Processing.Glob),
		)
	}

	e.events.Publish(EventRunStarted, RunStartedEvent{
		RunID:        e.builder.RunID(),
		Countries:    e.config.Countries,
		Files:        len(inputs),
		StoreBackend: e.config.Store.Backend,
	})

	var man *manifest
	if e.config.Processing.SkipProcessed {
		man, err = loadManifest(manifestPath(e.config.Processing.OutputDir))
		if err != nil {
			e.logger.Warn("Manifest unreadable, reprocessing everything", zap.Error(err))
			man = newManifest(manifestPath(e.config.Processing.OutputDir))
		}
	}

	var outputs []processedFile
	for _, input := range inputs {
		select {
		case <-ctx.Done():
			e.logger.Warn("Run aborted, flushing mapping store")
			if flushErr := e.store.Flush(context.Background()); flushErr != nil {
				e.logger.Error("Flush after abort failed", zap.Error(flushErr))
			}
			e.setState(StateErrored)
			return report.Summary{}, ctx.Err()
		default:
		}

		result := e.processOne(ctx, input, root, man)
		if !result.Failed && !result.Skipped {
			outputs = append(outputs, processedFile{input: input, output: result.Output})
		}
	}

	validation := report.Validation{}
	if e.config.Processing.Validate {
		e.setState(StateValidating)
		validation = e.validateOutputs(ctx, outputs)
	}

	if err := e.flush(ctx, man); err != nil {
		e.setState(StateErrored)
		return report.Summary{}, err
	}
	e.setState(StateFlushed)

	e.mu.Lock()
	dateStats := report.DateShiftStats{
		Enabled:       e.shifter != nil,
		Shifted:       e.counters.shifted,
		ParseFailures: e.counters.parseFailures,
	}
	e.mu.Unlock()

	summary := e.builder.Finish(validation, dateStats)
	if e.config.Report.Path != "" {
		if err := report.WriteSummary(e.config.Report.Path, summary, e.logger); err != nil {
			e.setState(StateErrored)
			return summary, err
		}
	}

	e.setState(StateDone)
	e.events.Publish(EventRunCompleted, RunCompletedEvent{
		RunID:      summary.RunID,
		Files:      len(summary.Files),
		FilesOK:    summary.FilesProcessed,
		FilesFail:  summary.FilesFailed,
		Records:    summary.Records,
		Residuals:  summary.Validation.Residuals,
		ExitCode:   summary.ExitCode(),
		DurationMS: summary.DurationMS,
	})

	e.logger.Info("Run completed",
		zap.Int("files_processed", summary.FilesProcessed),
		zap.Int("files_skipped", summary.FilesSkipped),
		zap.Int("files_failed", summary.FilesFailed),
		zap.Int64("records", summary.Records),
		zap.Int64("records_failed", summary.RecordsFailed),
		zap.Int64("residuals", summary.Validation.Residuals),
		zap.Int64("duration_ms", summary.DurationMS),
	)

	return summary, nil
}

// processOne wraps processFile with reporting, events and metrics, so
// one broken file never stops the run
func (e *Engine) processOne(ctx context.Context, input, root string, man *manifest) report.FileResult {
	start := time.Now()
	e.events.Publish(EventFileStarted, FileStartedEvent{Path: input})

	result := e.processFile(ctx, input, root, man)

	switch {
	case result.Failed:
		e.logger.Error("File failed",
			zap.String("file", input),
			zap.String("reason", result.Reason),
		)
		metrics.RecordFile("failed", time.Since(start))
	case result.Skipped:
		e.logger.Info("File unchanged since last run, skipped", zap.String("file", input))
		metrics.RecordFile("skipped", time.Since(start))
	default:
		e.logger.Info("File completed",
			zap.String("file", input),
			zap.Int64("records", result.Records),
			zap.Int64("findings", result.Findings),
			zap.Duration("duration", time.Since(start)),
		)
		metrics.RecordFile("ok", time.Since(start))
	}

	e.builder.AddFile(result)
	e.events.Publish(EventFileCompleted, FileCompletedEvent{
		Path:       result.Path,
		Output:     result.Output,
		Records:    result.Records,
		Findings:   result.Findings,
		Skipped:    result.Skipped,
		Failed:     result.Failed,
		Reason:     result.Reason,
		DurationMS: float64(time.Since(start).Microseconds()) / 1000.0,
	})

	return result
}

// validateOutputs rescans everything the run produced. A non-temporal
// match is always a residual. A temporal match counts only when the
// matched text is a date the run was supposed to replace.
func (e *Engine) validateOutputs(ctx context.Context, outputs []processedFile) report.Validation {
	e.logger.Info("Validating outputs", zap.Int("files", len(outputs)))

	var residuals int64
	for _, pf := range outputs {
		n, err := e.validateFile(ctx, pf.output)
		if err != nil {
			e.logger.Error("Validation could not read output",
				zap.String("file", pf.output),
				zap.Error(err),
			)
			residuals++
			continue
		}
		residuals += n
	}

	if residuals > 0 {
		e.logger.Warn("VALIDATION FOUND RESIDUAL IDENTIFIERS IN OUTPUT",
			zap.Int64("residuals", residuals),
		)
		metrics.RecordValidationResiduals(int(residuals))
	}

	return report.Validation{
		Enabled:   true,
		Residuals: residuals,
		Clean:     residuals == 0,
	}
}

// isResidual decides whether a match found in output text leaks
func (e *Engine) isResidual(ctx context.Context, m pattern.Match) bool {
	if !m.Category.IsTemporal() {
		return true
	}
	if e.shifter != nil {
		return e.shifter.WasShifted(m.Value)
	}
	_, found, err := e.store.Lookup(ctx, string(m.Category), pseudonym.Normalize(m.Value))
	return err == nil && found
}

func (e *Engine) reportResidual(file, field string, record int64, m pattern.Match) {
	e.logger.Warn("Residual identifier in output",
		zap.String("file", file),
		zap.Int64("record", record),
		zap.String("field", field),
		zap.String("rule", m.Rule),
		zap.String("category", string(m.Category)),
		zap.Int("start", m.Start),
		zap.Int("end", m.End),
	)
	e.events.Publish(EventValidationFailure, ValidationFailureEvent{
		File:     file,
		Record:   record,
		Field:    field,
		Rule:     m.Rule,
		Category: string(m.Category),
	})
}

// flush persists the mapping store, the manifest and the findings
// export. Losing mappings invalidates the run, so flush errors are
// fatal.
func (e *Engine) flush(ctx context.Context, man *manifest) error {
	if err := e.store.Flush(ctx); err != nil {
		return err
	}
	if count, err := e.store.Count(ctx); err == nil {
		metrics.SetStoreEntries(count)
	}

	if man != nil {
		if err := man.save(); err != nil {
			e.logger.Warn("Manifest not saved, next run reprocesses everything", zap.Error(err))
		}
	}

	if e.findings != nil {
		if err := e.findings.Close(); err != nil {
			return err
		}
		e.findings = nil
	}

	return nil
}

// Status is a live view for the daemon's status endpoint
type Status struct {
	State         string  `json:"state"`
	RunID         string  `json:"run_id"`
	Records       int64   `json:"records"`
	Findings      int64   `json:"findings"`
	DateShifts    int64   `json:"date_shifts"`
	ParseFailures int64   `json:"date_parse_failures"`
	StoreEntries  int     `json:"store_entries"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// Status reports engine progress without blocking the run
func (e *Engine) Status(ctx context.Context) Status {
	e.mu.Lock()
	status := Status{
		State:         e.state.String(),
		RunID:         e.builder.RunID(),
		Records:       e.counters.records,
		Findings:      e.counters.findings,
		DateShifts:    e.counters.shifted,
		ParseFailures: e.counters.parseFailures,
	}
	started := e.startTime
	e.mu.Unlock()

	if !started.IsZero() {
		status.UptimeSeconds = time.Since(started).Seconds()
	}
	if count, err := e.store.Count(ctx); err == nil {
		status.StoreEntries = count
	}
	return status
}

// Report returns the summary as accumulated so far
func (e *Engine) Report() report.Summary {
	return e.builder.Snapshot()
}

// throttle enforces the configured records-per-second ceiling
func (e *Engine) throttle(ctx context.Context) error {
	if e.limiter == nil {
		return nil
	}
	return e.limiter.Wait(ctx)
}

// recordProcessed counts one record and logs progress at the
// configured cadence
func (e *Engine) recordProcessed() {
	metrics.RecordRecords(1)

	e.mu.Lock()
	e.counters.records++
	records := e.counters.records
	started := e.startTime
	e.mu.Unlock()

	every := int64(e.config.Processing.ProgressEvery)
	if every > 0 && records%every == 0 {
		elapsed := time.Since(started)
		e.logger.Info("Processing progress",
			zap.Int64("records_processed", records),
			zap.Float64("rate_per_sec", float64(records)/elapsed.Seconds()),
			zap.Duration("elapsed", elapsed),
		)
	}
}

type processedFile struct {
	input  string
	output string
}

func manifestPath(outputDir string) string {
	return filepath.Join(outputDir, manifestName)
}
