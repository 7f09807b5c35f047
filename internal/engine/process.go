package engine

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/clinisafe/scrub/internal/faults"
	"github.com/clinisafe/scrub/internal/mapping"
	"github.com/clinisafe/scrub/internal/metrics"
	"github.com/clinisafe/scrub/internal/pattern"
	"github.com/clinisafe/scrub/internal/pseudonym"
	"github.com/clinisafe/scrub/internal/regulation"
	"github.com/clinisafe/scrub/internal/report"
)

var errUnsupportedFormat = errors.New("unsupported file format")

type fileStats struct {
	records       int64
	recordsFailed int64
	findings      int64
}

// discoverInputs resolves the configured input into a sorted file list
// and the root the output tree mirrors. The output directory itself is
// never picked up, so watch mode cannot feed the engine its own
// results.
func (e *Engine) discoverInputs() ([]string, string, error) {
	input := e.config.Processing.Input
	info, err := os.Stat(input)
	if err != nil {
		return nil, "", faults.FileAccess(input, err)
	}
	if !info.IsDir() {
		return []string{input}, filepath.Dir(input), nil
	}

	outAbs, _ := filepath.Abs(e.config.Processing.OutputDir)

	var files []string
	err = filepath.WalkDir(input, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if abs, _ := filepath.Abs(path); abs == outAbs {
				return fs.SkipDir
			}
			if path != input && !e.config.Processing.Recursive {
				return fs.SkipDir
			}
			return nil
		}
		if e.matchesInput(filepath.Base(path)) {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, "", faults.FileAccess(input, err)
	}

	sort.Strings(files)
	return files, input, nil
}

func (e *Engine) matchesInput(name string) bool {
	if glob := e.config.Processing.Glob; glob != "" {
		ok, err := filepath.Match(glob, name)
		return err == nil && ok
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".jsonl", ".json", ".csv":
		return true
	}
	return false
}

// processFile runs one input end to end: hash, skip check, transform,
// atomic publish. All errors are folded into the FileResult, keeping
// file failures isolated from the run.
func (e *Engine) processFile(ctx context.Context, input, root string, man *manifest) report.FileResult {
	result := report.FileResult{Path: input}

	hash, err := hashFile(input)
	if err != nil {
		result.Failed = true
		result.Reason = err.Error()
		return result
	}

	rel, err := filepath.Rel(root, input)
	if err != nil {
		rel = filepath.Base(input)
	}
	output := filepath.Join(e.config.Processing.OutputDir, rel)
	result.Output = output

	if man != nil && man.shouldSkip(input, hash, output) {
		result.Skipped = true
		return result
	}

	if err := os.MkdirAll(filepath.Dir(output), 0o755); err != nil {
		result.Failed = true
		result.Reason = err.Error()
		return result
	}

	stats := &fileStats{}
	switch strings.ToLower(filepath.Ext(input)) {
	case ".jsonl", ".json":
		err = e.processJSONL(ctx, input, output, stats)
	case ".csv":
		err = e.processCSV(ctx, input, output, stats)
	default:
		err = faults.FileAccess(input, errUnsupportedFormat)
	}
	if err != nil {
		result.Failed = true
		result.Reason = err.Error()
		return result
	}

	result.Records = stats.records
	result.RecordsFailed = stats.recordsFailed
	result.Findings = stats.findings
	if man != nil {
		outputHash, err := hashFile(output)
		if err != nil {
			e.logger.Warn("Output hash unavailable, file reprocesses next run",
				zap.String("file", output),
				zap.Error(err),
			)
		} else {
			man.record(input, hash, outputHash)
		}
	}
	return result
}

// processJSONL transforms a line-delimited JSON file. A line that does
// not parse is dropped and counted instead of failing the file: passing
// unparsed content through could leak identifiers, and one bad row must
// not block the rest of the dataset.
func (e *Engine) processJSONL(ctx context.Context, input, output string, stats *fileStats) error {
	in, err := os.Open(input)
	if err != nil {
		return faults.FileAccess(input, err)
	}
	defer in.Close()

	tmp := output + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return faults.FileAccess(tmp, err)
	}
	published := false
	defer func() {
		out.Close()
		if !published {
			os.Remove(tmp)
		}
	}()

	writer := bufio.NewWriter(out)
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var lineNo int64
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		lineNo++
		if err := e.throttle(ctx); err != nil {
			return err
		}

		record, err := decodeRecord(line)
		if err != nil {
			stats.recordsFailed++
			e.logger.Warn("Record does not parse, dropped from output",
				zap.String("file", input),
				zap.Int64("line", lineNo),
				zap.Error(err),
			)
			continue
		}

		if err := e.transformRecord(ctx, record, input, stats.records, stats); err != nil {
			return err
		}

		encoded, err := json.Marshal(record)
		if err != nil {
			return faults.FileAccess(input, fmt.Errorf("record %d does not re-encode: %w", stats.records, err))
		}
		if _, err := writer.Write(encoded); err != nil {
			return faults.FileAccess(tmp, err)
		}
		if err := writer.WriteByte('\n'); err != nil {
			return faults.FileAccess(tmp, err)
		}

		stats.records++
		e.recordProcessed()
	}
	if err := scanner.Err(); err != nil {
		return faults.FileAccess(input, err)
	}
	if err := writer.Flush(); err != nil {
		return faults.FileAccess(tmp, err)
	}
	if err := out.Close(); err != nil {
		return faults.FileAccess(tmp, err)
	}
	if err := os.Rename(tmp, output); err != nil {
		return faults.FileAccess(output, err)
	}
	published = true
	return nil
}

// processCSV transforms a CSV file. The header row passes through
// untouched and defines the field names for every data row. Rows with
// the wrong column count are dropped and counted.
func (e *Engine) processCSV(ctx context.Context, input, output string, stats *fileStats) error {
	in, err := os.Open(input)
	if err != nil {
		return faults.FileAccess(input, err)
	}
	defer in.Close()

	tmp := output + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return faults.FileAccess(tmp, err)
	}
	published := false
	defer func() {
		out.Close()
		if !published {
			os.Remove(tmp)
		}
	}()

	reader := csv.NewReader(in)
	writer := csv.NewWriter(out)

	header, err := reader.Read()
	if err != nil && err != io.EOF {
		return faults.FileAccess(input, err)
	}
	if err == nil {
		if err := writer.Write(header); err != nil {
			return faults.FileAccess(tmp, err)
		}

		for {
			row, err := reader.Read()
			if err == io.EOF {
				break
			}
			if err != nil {
				var parseErr *csv.ParseError
				if errors.As(err, &parseErr) && errors.Is(parseErr.Err, csv.ErrFieldCount) {
					stats.recordsFailed++
					e.logger.Warn("Row has the wrong column count, dropped from output",
						zap.String("file", input),
						zap.Int("line", parseErr.Line),
					)
					continue
				}
				return faults.FileAccess(input, fmt.Errorf("record %d does not parse: %w", stats.records, err))
			}
			if err := e.throttle(ctx); err != nil {
				return err
			}

			record := make(map[string]interface{}, len(header))
			for i, col := range header {
				record[col] = row[i]
			}
			if err := e.transformRecord(ctx, record, input, stats.records, stats); err != nil {
				return err
			}

			outRow := make([]string, len(header))
			for i, col := range header {
				outRow[i] = toString(record[col])
			}
			if err := writer.Write(outRow); err != nil {
				return faults.FileAccess(tmp, err)
			}

			stats.records++
			e.recordProcessed()
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return faults.FileAccess(tmp, err)
	}
	if err := out.Close(); err != nil {
		return faults.FileAccess(tmp, err)
	}
	if err := os.Rename(tmp, output); err != nil {
		return faults.FileAccess(output, err)
	}
	published = true
	return nil
}

// transformRecord applies the field policy to one record in place.
// Direct identifier fields are replaced whole, quasi fields and
// configured scan fields get free-text scanning, low-risk fields stay.
// Fields the configuration says nothing about pass through; validation
// exists to surface that gap.
func (e *Engine) transformRecord(ctx context.Context, record map[string]interface{}, file string, index int64, stats *fileStats) error {
	keys := make([]string, 0, len(record))
	for k := range record {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		lower := strings.ToLower(key)
		fd, hasDef := e.fields[lower]

		if hasDef {
			switch fd.PrivacyLevel {
			case regulation.PrivacyLow:
				continue
			case regulation.PrivacyDirect:
				replaced, err := e.scrubDirect(ctx, fd, record[key], file, key, index, stats)
				if err != nil {
					return err
				}
				record[key] = replaced
				continue
			}
		} else if !e.scanFields[lower] {
			continue
		}

		scrubbed, err := e.scrubValue(ctx, record[key], file, key, index, stats)
		if err != nil {
			return err
		}
		record[key] = scrubbed
	}
	return nil
}

// scrubDirect replaces a direct identifier value whole. String arrays
// are replaced element by element; values that are not text pass
// through.
func (e *Engine) scrubDirect(ctx context.Context, fd regulation.FieldDefinition, value interface{}, file, key string, record int64, stats *fileStats) (interface{}, error) {
	switch v := value.(type) {
	case string:
		return e.scrubDirectString(ctx, fd, v, file, key, record, stats)
	case json.Number:
		return e.scrubDirectString(ctx, fd, v.String(), file, key, record, stats)
	case []interface{}:
		for i, elem := range v {
			scrubbed, err := e.scrubDirect(ctx, fd, elem, file, key, record, stats)
			if err != nil {
				return nil, err
			}
			v[i] = scrubbed
		}
		return v, nil
	default:
		return value, nil
	}
}

func (e *Engine) scrubDirectString(ctx context.Context, fd regulation.FieldDefinition, value, file, key string, record int64, stats *fileStats) (interface{}, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return value, nil
	}

	if shape := e.fieldShapes[strings.ToLower(fd.Name)]; shape != nil && !shape.MatchString(trimmed) {
		e.logger.Debug("Field value does not match its declared shape",
			zap.String("file", file),
			zap.String("field", key),
			zap.Int64("record", record),
		)
	}

	if fd.Category.IsTemporal() && e.shifter != nil {
		text, shifted, err := e.shiftValue(ctx, trimmed, string(fd.Category), fd.Name, file, key, record)
		if err != nil {
			return nil, err
		}
		if shifted {
			e.recordFinding(report.Finding{
				File: file, Record: record, Field: key,
				Rule: fd.Name, Category: string(fd.Category), Pseudonym: text,
			})
			stats.findings++
		}
		return text, nil
	}

	p, err := e.generator.Pseudonym(ctx, string(fd.Category), trimmed, fd.Name)
	if err != nil {
		return nil, err
	}
	e.recordFinding(report.Finding{
		File: file, Record: record, Field: key,
		Rule: fd.Name, Category: string(fd.Category), Pseudonym: p,
	})
	stats.findings++
	return p, nil
}

// scrubValue scans every string reachable under a value, including
// nested objects and arrays
func (e *Engine) scrubValue(ctx context.Context, value interface{}, file, field string, record int64, stats *fileStats) (interface{}, error) {
	switch v := value.(type) {
	case string:
		return e.scrubText(ctx, v, file, field, record, stats)
	case []interface{}:
		for i, elem := range v {
			scrubbed, err := e.scrubValue(ctx, elem, file, field, record, stats)
			if err != nil {
				return nil, err
			}
			v[i] = scrubbed
		}
		return v, nil
	case map[string]interface{}:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			scrubbed, err := e.scrubValue(ctx, v[k], file, field+"."+k, record, stats)
			if err != nil {
				return nil, err
			}
			v[k] = scrubbed
		}
		return v, nil
	default:
		return value, nil
	}
}

// scrubText replaces every claimed span in a free-text value
func (e *Engine) scrubText(ctx context.Context, text, file, field string, record int64, stats *fileStats) (string, error) {
	matches := e.library.Scan(text)
	if len(matches) == 0 {
		return text, nil
	}

	var firstErr error
	result := pattern.Apply(text, matches, func(m pattern.Match) string {
		if firstErr != nil {
			return m.Value
		}
		replacement, counted, err := e.replaceMatch(ctx, m, file, field, record)
		if err != nil {
			firstErr = err
			return m.Value
		}
		if counted {
			stats.findings++
		}
		return replacement
	})
	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

// replaceMatch produces the replacement for one match. The bool
// reports whether a substitution was recorded; dates kept or marked by
// the parse-failure policy only show up in the parse failure counters.
func (e *Engine) replaceMatch(ctx context.Context, m pattern.Match, file, field string, record int64) (string, bool, error) {
	if m.Category.IsTemporal() && e.shifter != nil {
		text, shifted, err := e.shiftValue(ctx, m.Value, string(m.Category), m.Rule, file, field, record)
		if err != nil {
			return "", false, err
		}
		if !shifted {
			return text, false, nil
		}
		e.recordFinding(report.Finding{
			File: file, Record: record, Field: field,
			Rule: m.Rule, Category: string(m.Category), Pseudonym: text,
		})
		return text, true, nil
	}

	p, err := e.generator.Pseudonym(ctx, string(m.Category), m.Value, m.Rule)
	if err != nil {
		return "", false, err
	}
	e.recordFinding(report.Finding{
		File: file, Record: record, Field: field,
		Rule: m.Rule, Category: string(m.Category), Pseudonym: p,
	})
	return p, true, nil
}

// shiftValue runs one value through the date shifter, records the
// substitution in the mapping store and keeps the counters straight.
// Values the parse-failure policy kept or marked are counted but never
// stored.
func (e *Engine) shiftValue(ctx context.Context, value, category, rule, file, field string, record int64) (string, bool, error) {
	out := e.shifter.Shift(value)

	e.mu.Lock()
	if out.Failed {
		e.counters.parseFailures++
	} else {
		e.counters.shifted++
	}
	e.mu.Unlock()

	if out.Failed {
		metrics.RecordDateParseFailure()
		e.logger.Debug("Date did not parse",
			zap.String("file", file),
			zap.String("field", field),
			zap.Int64("record", record),
		)
		return out.Text, false, nil
	}

	err := e.store.Insert(ctx, mapping.Entry{
		Category:   category,
		Normalized: pseudonym.Normalize(value),
		Original:   value,
		Pseudonym:  out.Text,
		CreatedAt:  time.Now().UTC(),
		Rule:       rule,
	})
	if err != nil {
		return "", false, err
	}

	metrics.RecordDateShift()
	return out.Text, true, nil
}

// recordFinding tallies one substitution everywhere it is visible
func (e *Engine) recordFinding(f report.Finding) {
	e.builder.CountFinding(f.Category)
	metrics.RecordSubstitution(f.Category)

	e.mu.Lock()
	e.counters.findings++
	writer := e.findings
	e.mu.Unlock()

	if writer != nil {
		if err := writer.Write(f); err != nil {
			e.logger.Warn("Findings export write failed, export disabled", zap.Error(err))
			e.mu.Lock()
			e.findings = nil
			e.mu.Unlock()
		}
	}
}

// validateFile rescans one output file and counts residuals
func (e *Engine) validateFile(ctx context.Context, output string) (int64, error) {
	switch strings.ToLower(filepath.Ext(output)) {
	case ".jsonl", ".json":
		return e.validateJSONL(ctx, output)
	case ".csv":
		return e.validateCSV(ctx, output)
	default:
		return 0, nil
	}
}

func (e *Engine) validateJSONL(ctx context.Context, output string) (int64, error) {
	in, err := os.Open(output)
	if err != nil {
		return 0, faults.FileAccess(output, err)
	}
	defer in.Close()

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var residuals, index int64
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		record, err := decodeRecord(line)
		if err != nil {
			return residuals, faults.FileAccess(output, err)
		}
		for key, value := range record {
			residuals += e.scanResiduals(ctx, value, output, key, index)
		}
		index++
	}
	return residuals, scanner.Err()
}

func (e *Engine) validateCSV(ctx context.Context, output string) (int64, error) {
	in, err := os.Open(output)
	if err != nil {
		return 0, faults.FileAccess(output, err)
	}
	defer in.Close()

	reader := csv.NewReader(in)
	header, err := reader.Read()
	if err == io.EOF {
		return 0, nil
	}
	if err != nil {
		return 0, faults.FileAccess(output, err)
	}

	var residuals, index int64
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return residuals, faults.FileAccess(output, err)
		}
		for i, col := range header {
			residuals += e.scanResiduals(ctx, row[i], output, col, index)
		}
		index++
	}
	return residuals, nil
}

// scanResiduals walks a value the same way scrubValue does and counts
// matches that should not have survived
func (e *Engine) scanResiduals(ctx context.Context, value interface{}, file, field string, record int64) int64 {
	switch v := value.(type) {
	case string:
		var n int64
		for _, m := range e.library.Scan(v) {
			if e.isResidual(ctx, m) {
				e.reportResidual(file, field, record, m)
				n++
			}
		}
		return n
	case []interface{}:
		var n int64
		for _, elem := range v {
			n += e.scanResiduals(ctx, elem, file, field, record)
		}
		return n
	case map[string]interface{}:
		var n int64
		for k, elem := range v {
			n += e.scanResiduals(ctx, elem, file, field+"."+k, record)
		}
		return n
	default:
		return 0
	}
}

func decodeRecord(line []byte) (map[string]interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	var record map[string]interface{}
	if err := dec.Decode(&record); err != nil {
		return nil, err
	}
	return record, nil
}

func toString(value interface{}) string {
	switch v := value.(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", faults.FileAccess(path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", faults.FileAccess(path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
