// File: cmd/helpers_test.go
package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/passup/api/schemas"
	"github.com/xkilldash9x/passup/internal/engine"
	"github.com/xkilldash9x/passup/internal/service"
)

const testFlow = `
example.com:
  description: Test password change
  steps:
    - navigate: "${url}"
    - setValue: {css: "#user"}
      value: "${userName}"
    - setValue: {css: "#old"}
      value: "${oldPassword}"
    - setValue: {css: "#new"}
      value: "${newPassword}"
    - click: {css: "#save"}
    - assertText: {css: ".flash"}
      value: "changed"
`

// pageDriver pretends every element exists and shows text in every element.
type pageDriver struct {
	mu     sync.Mutex
	values map[string]string
	text   string
}

func (d *pageDriver) Navigate(context.Context, string) error { return nil }

func (d *pageDriver) Find(_ context.Context, sel schemas.Selector) ([]engine.ElementHandle, error) {
	return []engine.ElementHandle{sel.Pattern}, nil
}

func (d *pageDriver) IsVisible(context.Context, engine.ElementHandle) (bool, error) { return true, nil }

func (d *pageDriver) SetValue(_ context.Context, h engine.ElementHandle, text string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.values[h.(string)] = text
	return nil
}

func (d *pageDriver) Click(context.Context, engine.ElementHandle) error { return nil }

func (d *pageDriver) SwitchToFrame(context.Context, *int) error { return nil }

func (d *pageDriver) Text(context.Context, engine.ElementHandle) (string, error) {
	return d.text, nil
}

func (d *pageDriver) Close(context.Context) error { return nil }

// fakeDrivers hands out pageDrivers, or fails when err is set. Pages confirm
// the change unless text is set.
type fakeDrivers struct {
	mu      sync.Mutex
	err     error
	text    string
	drivers []*pageDriver
}

func (f *fakeDrivers) NewDriver(context.Context) (engine.Driver, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	d := &pageDriver{values: map[string]string{}, text: "password changed"}
	if f.text != "" {
		d.text = f.text
	}
	f.drivers = append(f.drivers, d)
	return d, nil
}

type testEnv struct {
	dir     string
	config  string
	reports string
	drivers *fakeDrivers
	// stderr of the last run.
	stderr string
}

// newTestEnv writes a flow directory and a config file pointing at it.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	flowDir := filepath.Join(dir, "flows")
	require.NoError(t, os.MkdirAll(flowDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(flowDir, "example.yaml"), []byte(testFlow), 0o600))

	env := &testEnv{
		dir:     dir,
		config:  filepath.Join(dir, "config.yaml"),
		reports: filepath.Join(dir, "reports"),
		drivers: &fakeDrivers{},
	}
	cfg := fmt.Sprintf(`
logger:
  level: error
flows:
  include_builtin: false
  dirs: [%q]
report:
  output_folder: %q
  formats: [json, junit]
engine:
  poll_interval: 5ms
  default_step_timeout: 200ms
  launch_rate: 0
  concurrency: 2
`, flowDir, env.reports)
	require.NoError(t, os.WriteFile(env.config, []byte(cfg), 0o600))
	return env
}

// run executes the command tree with the fake browser and returns stdout.
func (e *testEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCommand(service.NewComponentFactory(service.WithDriverFactory(e.drivers)))
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(append([]string{"--config", e.config}, args...))
	err := root.ExecuteContext(context.Background())
	e.stderr = errOut.String()
	return out.String(), err
}

// noPrompt fails the test if a password prompt is shown.
func noPrompt(t *testing.T) {
	t.Helper()
	saved := passwordPrompt
	passwordPrompt = func(_ io.Writer, label string) (string, error) {
		t.Errorf("unexpected prompt for %s", label)
		return "", errors.New("no terminal")
	}
	t.Cleanup(func() { passwordPrompt = saved })
}
