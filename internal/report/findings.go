package report

import (
	"os"
	"path/filepath"

	"github.com/segmentio/parquet-go"
	"go.uber.org/zap"

	"github.com/clinisafe/scrub/internal/faults"
	"github.com/clinisafe/scrub/internal/logger"
)

// FindingsWriter streams findings into a Parquet file, so downstream
// audit tooling can query substitutions without parsing the JSON
// report. Rows are written to a temp file and renamed on Close.
type FindingsWriter struct {
	path   string
	file   *os.File
	writer *parquet.Writer
	logger *logger.Logger
	count  int64
}

// NewFindingsWriter opens the export for writing
func NewFindingsWriter(path string, log *logger.Logger) (*FindingsWriter, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, faults.FileAccess(dir, err)
		}
	}

	file, err := os.Create(path + ".tmp")
	if err != nil {
		return nil, faults.FileAccess(path+".tmp", err)
	}

	return &FindingsWriter{
		path:   path,
		file:   file,
		writer: parquet.NewWriter(file, parquet.SchemaOf(Finding{})),
		logger: log.WithComponent("report"),
	}, nil
}

// Write appends one finding
func (w *FindingsWriter) Write(finding Finding) error {
	if err := w.writer.Write(&finding); err != nil {
		return faults.FileAccess(w.path, err)
	}
	w.count++
	return nil
}

// Count returns the number of findings written so far
func (w *FindingsWriter) Count() int64 {
	return w.count
}

// Close flushes the Parquet footer and publishes the file
func (w *FindingsWriter) Close() error {
	if err := w.writer.Close(); err != nil {
		w.file.Close()
		return faults.FileAccess(w.path, err)
	}
	if err := w.file.Close(); err != nil {
		return faults.FileAccess(w.path, err)
	}
	if err := os.Rename(w.path+".tmp", w.path); err != nil {
		return faults.FileAccess(w.path, err)
	}

	w.logger.Info("Findings export written",
		zap.String("path", w.path),
		zap.Int64("findings", w.count),
	)
	return nil
}
