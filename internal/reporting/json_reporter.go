// internal/reporting/json_reporter.go
package reporting

import (
	"fmt"
	"io"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/passup/api/schemas"
	"github.com/xkilldash9x/passup/internal/observability"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Document is the top level of a JSON report.
type Document struct {
	Tool        string                    `json:"tool"`
	RunID       string                    `json:"run_id"`
	GeneratedAt time.Time                 `json:"generated_at"`
	Summary     Totals                    `json:"summary"`
	Results     []schemas.ExecutionResult `json:"results"`
}

// Totals counts results by status.
type Totals struct {
	Total     int `json:"total"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	TimedOut  int `json:"timed_out"`
}

func (t *Totals) add(res schemas.ExecutionResult) {
	t.Total++
	switch res.Status {
	case schemas.StatusSuccess:
		t.Succeeded++
	case schemas.StatusTimedOut:
		t.TimedOut++
	default:
		t.Failed++
	}
}

// JSONReporter buffers results and writes a single indented document on
// Close. It is thread safe.
type JSONReporter struct {
	writer io.WriteCloser
	logger *zap.Logger
	mu     sync.Mutex
	doc    Document
}

// NewJSONReporter creates a reporter that owns writer.
func NewJSONReporter(writer io.WriteCloser, runID string) *JSONReporter {
	return &JSONReporter{
		writer: writer,
		logger: observability.GetLogger().Named("json_reporter"),
		doc: Document{
			Tool:    ToolName,
			RunID:   runID,
			Results: []schemas.ExecutionResult{},
		},
	}
}

func (r *JSONReporter) Write(res schemas.ExecutionResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.doc.Results = append(r.doc.Results, res)
	r.doc.Summary.add(res)
	return nil
}

// Close encodes the document and closes the writer.
func (r *JSONReporter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.doc.GeneratedAt = time.Now().UTC()
	encoder := json.NewEncoder(r.writer)
	encoder.SetIndent("", "  ")

	encodeErr := encoder.Encode(r.doc)
	// Always attempt to close the writer, regardless of encoding success.
	closeErr := r.writer.Close()

	if encodeErr != nil {
		return fmt.Errorf("failed to encode JSON report: %w", encodeErr)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close output writer: %w", closeErr)
	}
	r.logger.Debug("Wrote JSON report.", zap.String("run_id", r.doc.RunID), zap.Int("results", r.doc.Summary.Total))
	return nil
}
