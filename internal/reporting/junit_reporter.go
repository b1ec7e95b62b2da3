// internal/reporting/junit_reporter.go
package reporting

import (
	"fmt"
	"io"
	"strconv"
	"sync"
	"time"

	"github.com/beevik/etree"
	"go.uber.org/zap"

	"github.com/xkilldash9x/passup/api/schemas"
	"github.com/xkilldash9x/passup/internal/observability"
)

// JUnitReporter renders one testsuite with a testcase per execution.
// Verification failures become <failure>; any other unsuccessful execution
// becomes <error>.
type JUnitReporter struct {
	writer  io.WriteCloser
	logger  *zap.Logger
	runID   string
	mu      sync.Mutex
	results []schemas.ExecutionResult
}

// NewJUnitReporter creates a reporter that owns writer.
func NewJUnitReporter(writer io.WriteCloser, runID string) *JUnitReporter {
	return &JUnitReporter{
		writer: writer,
		logger: observability.GetLogger().Named("junit_reporter"),
		runID:  runID,
	}
}

func (r *JUnitReporter) Write(res schemas.ExecutionResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
	return nil
}

// Close renders the XML document and closes the writer.
func (r *JUnitReporter) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	doc := r.render(time.Now().UTC())
	_, writeErr := doc.WriteTo(r.writer)
	closeErr := r.writer.Close()

	if writeErr != nil {
		return fmt.Errorf("failed to write JUnit report: %w", writeErr)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close output writer: %w", closeErr)
	}
	r.logger.Debug("Wrote JUnit report.", zap.String("run_id", r.runID), zap.Int("results", len(r.results)))
	return nil
}

func (r *JUnitReporter) render(now time.Time) *etree.Document {
	var failures, errs int
	var total time.Duration
	for _, res := range r.results {
		total += res.Elapsed
		switch {
		case res.Succeeded():
		case res.ErrorKind.Category() == schemas.CategoryVerification:
			failures++
		default:
			errs++
		}
	}

	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	root := doc.CreateElement("testsuites")
	root.CreateAttr("name", ToolName)
	root.CreateAttr("tests", strconv.Itoa(len(r.results)))
	root.CreateAttr("failures", strconv.Itoa(failures))
	root.CreateAttr("errors", strconv.Itoa(errs))
	root.CreateAttr("time", seconds(total))

	suite := root.CreateElement("testsuite")
	suite.CreateAttr("name", ToolName)
	suite.CreateAttr("id", r.runID)
	suite.CreateAttr("tests", strconv.Itoa(len(r.results)))
	suite.CreateAttr("failures", strconv.Itoa(failures))
	suite.CreateAttr("errors", strconv.Itoa(errs))
	suite.CreateAttr("time", seconds(total))
	suite.CreateAttr("timestamp", now.Format(time.RFC3339))

	for _, res := range r.results {
		tc := suite.CreateElement("testcase")
		tc.CreateAttr("classname", res.SiteKey)
		name := res.ExecutionID
		if name == "" {
			name = res.SiteKey
		}
		tc.CreateAttr("name", name)
		tc.CreateAttr("time", seconds(res.Elapsed))
		if res.Succeeded() {
			continue
		}

		tag := "error"
		if res.ErrorKind.Category() == schemas.CategoryVerification {
			tag = "failure"
		}
		el := tc.CreateElement(tag)
		el.CreateAttr("type", string(res.ErrorKind))
		el.CreateAttr("message", res.Message)
		el.SetText(failureText(res))
	}

	doc.Indent(2)
	return doc
}

func failureText(res schemas.ExecutionResult) string {
	text := "status: " + string(res.Status) + "\n"
	if res.FailedStepIndex != schemas.NoFailedStep {
		text += fmt.Sprintf("step %d: %s\n", res.FailedStepIndex, res.FailedStep)
	}
	return text + res.Message
}

func seconds(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
}
