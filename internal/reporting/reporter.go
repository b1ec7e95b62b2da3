// File: internal/reporting/reporter.go
package reporting

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/xkilldash9x/passup/api/schemas"
)

// ToolName identifies the producer in every report.
const ToolName = "passup"

// Reporter defines the interface for writing execution results to an output.
type Reporter interface {
	// Write buffers a single execution result.
	Write(res schemas.ExecutionResult) error
	// Close finalizes the report and closes the underlying writer.
	Close() error
}

// nopWriteCloser wraps an io.Writer and provides a no-op Close method.
type nopWriteCloser struct {
	io.Writer
}

func (nwc *nopWriteCloser) Close() error {
	return nil
}

// Extension returns the file extension for a report format.
func Extension(format string) (string, error) {
	switch strings.ToLower(format) {
	case "json":
		return ".json", nil
	case "junit", "xml":
		return ".xml", nil
	default:
		return "", fmt.Errorf("unsupported output format: %s", format)
	}
}

// New creates a new reporter based on the specified format and output path.
// An empty path or "stdout" writes to standard output.
func New(format, outputPath, runID string) (Reporter, error) {
	if _, err := Extension(format); err != nil {
		return nil, err
	}

	var writer io.WriteCloser
	if outputPath == "" || outputPath == "stdout" {
		writer = &nopWriteCloser{os.Stdout}
	} else {
		f, err := os.Create(outputPath)
		if err != nil {
			return nil, fmt.Errorf("failed to create output file %s: %w", outputPath, err)
		}
		writer = f
	}

	switch strings.ToLower(format) {
	case "json":
		return NewJSONReporter(writer, runID), nil
	default:
		return NewJUnitReporter(writer, runID), nil
	}
}

// WriteRun writes one <run-id>.<ext> file per format into folder and returns
// the paths written.
func WriteRun(folder, runID string, formats []string, results []schemas.ExecutionResult) ([]string, error) {
	if len(formats) == 0 {
		return nil, nil
	}
	if err := os.MkdirAll(folder, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create report folder %s: %w", folder, err)
	}

	var paths []string
	for _, format := range formats {
		ext, err := Extension(format)
		if err != nil {
			return paths, err
		}
		path := filepath.Join(folder, runID+ext)
		r, err := New(format, path, runID)
		if err != nil {
			return paths, err
		}
		for _, res := range results {
			if err := r.Write(res); err != nil {
				_ = r.Close()
				return paths, fmt.Errorf("failed to write %s report: %w", format, err)
			}
		}
		if err := r.Close(); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}
