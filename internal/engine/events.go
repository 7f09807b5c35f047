package engine

// Event types published over the run lifecycle
const (
	EventRunStarted        = "run_started"
	EventFileStarted       = "file_started"
	EventFileCompleted     = "file_completed"
	EventValidationFailure = "validation_failure"
	EventRunCompleted      = "run_completed"
)

// EventSink receives run lifecycle events for live observers. The
// engine never blocks on a sink.
type EventSink interface {
	Publish(eventType string, data interface{})
}

// RunStartedEvent announces a new run
type RunStartedEvent struct {
	RunID        string   `json:"run_id"`
	Countries    []string `json:"countries"`
	Files        int      `json:"files"`
	StoreBackend string   `json:"store_backend"`
}

// FileStartedEvent announces work on one input file
type FileStartedEvent struct {
	Path string `json:"path"`
}

// FileCompletedEvent reports the outcome of one input file
type FileCompletedEvent struct {
	Path       string  `json:"path"`
	Output     string  `json:"output,omitempty"`
	Records    int64   `json:"records"`
	Findings   int64   `json:"findings"`
	Skipped    bool    `json:"skipped,omitempty"`
	Failed     bool    `json:"failed,omitempty"`
	Reason     string  `json:"reason,omitempty"`
	DurationMS float64 `json:"duration_ms"`
}

// ValidationFailureEvent reports one residual identifier found in
// output. It locates the residual without repeating it.
type ValidationFailureEvent struct {
	File     string `json:"file"`
	Record   int64  `json:"record"`
	Field    string `json:"field"`
	Rule     string `json:"rule"`
	Category string `json:"category"`
}

// RunCompletedEvent closes a run
type RunCompletedEvent struct {
	RunID      string `json:"run_id"`
	Files      int    `json:"files"`
	FilesOK    int    `json:"files_ok"`
	FilesFail  int    `json:"files_failed"`
	Records    int64  `json:"records"`
	Residuals  int64  `json:"residuals"`
	ExitCode   int    `json:"exit_code"`
	DurationMS int64  `json:"duration_ms"`
}

type noopSink struct{}

func (noopSink) Publish(string, interface{}) {}
