package registry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/passup/api/schemas"
	"github.com/xkilldash9x/passup/internal/config"
	"github.com/xkilldash9x/passup/internal/engine"
)

const exampleFlow = `
example.com:
  description: Example password change
  defaults:
    timeout: 3s
  steps:
    - navigate: "${url}"
    - waitFor: {css: "a.signin"}
      visible: true
    - click: "a.signin"
    - setValue: {id: "username"}
      value: "${userName}"
      timeout: 1500
    - click: {linkTextPartial: "Preferences"}
      label: open prefs
    - switchFrame: 0
    - switchFrame: null
    - assertText: {css: "div.flash"}
      value: "Success"
      match: equals
    - pause: 2s
    - setValue: {css: "#note"}
      value: "$${literal}"
`

func TestLoadBytes(t *testing.T) {
	r := New(zaptest.NewLogger(t), nil)
	n, err := r.LoadBytes([]byte(exampleFlow), "example.yaml")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	flow, err := r.Lookup("Example.COM")
	require.NoError(t, err)
	zero := 0
	want := schemas.Flow{
		SiteKey:     "example.com",
		Description: "Example password change",
		Source:      "example.yaml",
		Steps: []schemas.Step{
			schemas.Navigate(schemas.RefValue(schemas.ParamURL)).WithTimeout(3 * time.Second),
			schemas.WaitVisible(schemas.CSS("a.signin")).WithTimeout(3 * time.Second),
			schemas.Click(schemas.CSS("a.signin")).WithTimeout(3 * time.Second),
			schemas.SetValue(schemas.ByID("username"), schemas.RefValue(schemas.ParamUserName)).WithTimeout(1500 * time.Millisecond),
			schemas.Click(schemas.LinkText("Preferences")).WithTimeout(3 * time.Second).WithLabel("open prefs"),
			{Kind: schemas.StepSwitchFrame, FrameIndex: &zero, Timeout: 3 * time.Second},
			schemas.SwitchToTop().WithTimeout(3 * time.Second),
			schemas.AssertText(schemas.CSS("div.flash"), schemas.LiteralValue("Success"), schemas.MatchEquals).WithTimeout(3 * time.Second),
			{Kind: schemas.StepPause, Value: schemas.LiteralValue("2s"), Timeout: 3 * time.Second},
			schemas.SetValue(schemas.CSS("#note"), schemas.LiteralValue("${literal}")).WithTimeout(3 * time.Second),
		},
	}
	if diff := cmp.Diff(want, flow); diff != "" {
		t.Errorf("flow mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadBytesDefaultsMatchMode(t *testing.T) {
	r := New(nil, nil)
	_, err := r.LoadBytes([]byte(`
example.org:
  steps:
    - assertText: {css: "p"}
      value: ok
`), "inline")
	require.NoError(t, err)
	flow, err := r.Lookup("example.org")
	require.NoError(t, err)
	assert.Equal(t, schemas.MatchContains, flow.Steps[0].Match)
	assert.Zero(t, flow.Steps[0].Timeout, "no timeout means the engine default")
}

func TestLoadBytesRejectsMalformed(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		line    int
		wantMsg string
	}{
		{"unknown step key", "a.com:\n  steps:\n    - tap: {css: x}\n", 3, `unknown step key "tap"`},
		{"two actions", "a.com:\n  steps:\n    - click: x\n      waitFor: y\n", 4, "two actions"},
		{"no action", "a.com:\n  steps:\n    - value: x\n", 3, "no action"},
		{"unknown strategy", "a.com:\n  steps:\n    - click: {xpath: \"//a\"}\n", 3, "unsupported selector"},
		{"empty pattern", "a.com:\n  steps:\n    - click: {css: \"\"}\n", 3, "non-empty"},
		{"unknown parameter", "a.com:\n  steps:\n    - navigate: \"${password}\"\n", 3, `unknown parameter "password"`},
		{"missing value", "a.com:\n  steps:\n    - setValue: \"#pw\"\n", 3, "needs a value"},
		{"bad timeout", "a.com:\n  steps:\n    - click: x\n      timeout: soon\n", 4, "invalid duration"},
		{"bad match", "a.com:\n  steps:\n    - assertText: x\n      value: y\n      match: regex\n", 2, "oneof"},
		{"no steps", "a.com:\n  description: nothing\n", 2, "required"},
		{"unknown flow key", "a.com:\n  step: []\n", 2, `unknown flow key "step"`},
		{"bad site key", "\"not a host\":\n  steps:\n    - click: x\n", 1, "not a host name"},
		{"bad frame", "a.com:\n  steps:\n    - switchFrame: first\n", 3, "frame index"},
		{"navigate with value", "a.com:\n  steps:\n    - navigate: x\n      value: y\n", 3, "inline"},
		{"not a mapping", "- a.com\n", 1, "must map site keys"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New(nil, nil)
			_, err := r.LoadBytes([]byte(tt.doc), "bad.yaml")
			require.Error(t, err)

			var pe *ParseError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, "bad.yaml", pe.Source)
			assert.Equal(t, tt.line, pe.Line)
			assert.Contains(t, err.Error(), tt.wantMsg)
			assert.Zero(t, r.Len(), "nothing is registered from a bad file")
		})
	}
}

func TestRegisterDuplicates(t *testing.T) {
	r := New(nil, nil)
	flow := schemas.Flow{SiteKey: "example.com", Steps: []schemas.Step{schemas.Navigate(schemas.RefValue(schemas.ParamURL))}}
	require.NoError(t, r.Register(flow))
	assert.ErrorIs(t, r.Register(flow), ErrDuplicateFlow)

	_, err := r.LoadBytes([]byte("example.com:\n  steps:\n    - navigate: x\n"), "dup.yaml")
	assert.ErrorIs(t, err, ErrDuplicateFlow)

	_, err = r.LoadBytes([]byte("b.com:\n  steps:\n    - navigate: x\nb.com:\n  steps:\n    - navigate: y\n"), "twice.yaml")
	require.Error(t, err)
	_, lookupErr := r.Lookup("b.com")
	assert.ErrorIs(t, lookupErr, ErrFlowNotFound)
}

func TestRegisterValidates(t *testing.T) {
	r := New(nil, nil)
	err := r.Register(schemas.Flow{SiteKey: "example.com", Steps: []schemas.Step{{Kind: schemas.StepClick}}})
	var se *engine.StepError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, schemas.ErrorKindInvalidFlow, se.Kind)
}

func TestLoadBuiltin(t *testing.T) {
	r := New(nil, nil)
	n, err := r.LoadBuiltin()
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, []string{"chess.com", "github.com", "lichess.org", "myaccount.google.com", "reddit.com"}, r.SiteKeys())

	lichess, err := r.Lookup("lichess.org")
	require.NoError(t, err)
	assert.Equal(t, []schemas.ParamName{schemas.ParamURL, schemas.ParamUserName, schemas.ParamOldPassword, schemas.ParamNewPassword}, lichess.ParamRefs())
	last := lichess.Steps[len(lichess.Steps)-1]
	assert.Equal(t, schemas.StepAssertText, last.Kind)
	assert.Equal(t, "builtin:flows/lichess.org.yaml", lichess.Source)

	reddit, err := r.Lookup("reddit.com")
	require.NoError(t, err)
	assert.Equal(t, 15*time.Second, reddit.Steps[0].Timeout)
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.yaml"), []byte("a.com:\n  steps:\n    - navigate: x\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yml"), []byte("b.com:\n  steps:\n    - navigate: x\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o600))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested"), 0o700))

	r := New(nil, nil)
	n, err := r.LoadDir(dir)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"a.com", "b.com"}, r.SiteKeys())

	_, err = r.LoadDir(filepath.Join(dir, "missing"))
	assert.Error(t, err)
	_, err = r.LoadFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestResolve(t *testing.T) {
	r := New(nil, []string{"Blocked.example", "paypal.com"})
	_, err := r.LoadBuiltin()
	require.NoError(t, err)
	require.NoError(t, r.Register(schemas.Flow{SiteKey: "blocked.example", Steps: []schemas.Step{schemas.Navigate(schemas.LiteralValue("x"))}}))

	tests := []struct {
		target  string
		want    string
		wantErr error
	}{
		{target: "lichess.org", want: "lichess.org"},
		{target: "https://lichess.org/login", want: "lichess.org"},
		{target: "http://www.lichess.org", want: "lichess.org"},
		{target: "www.github.com", want: "github.com"},
		{target: "https://gist.github.com/", want: "github.com"},
		{target: "myaccount.google.com", want: "myaccount.google.com"},
		{target: "https://accounts.google.com", wantErr: ErrFlowNotFound},
		{target: "https://www.paypal.com/signin", wantErr: ErrDomainBlocked},
		{target: "blocked.example", wantErr: ErrDomainBlocked},
		{target: "", wantErr: ErrFlowNotFound},
		{target: "example.net", wantErr: ErrFlowNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			flow, err := r.Resolve(tt.target)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, flow.SiteKey)
		})
	}

	_, err = r.Lookup("blocked.example")
	assert.ErrorIs(t, err, ErrDomainBlocked)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "extra.yaml")
	require.NoError(t, os.WriteFile(file, []byte("extra.org:\n  steps:\n    - navigate: x\n"), 0o600))

	r, err := Load(config.FlowsConfig{IncludeBuiltin: true, Files: []string{file}}, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, 6, r.Len())

	_, err = Load(config.FlowsConfig{IncludeBuiltin: true, Files: []string{file, file}}, nil)
	assert.ErrorIs(t, err, ErrDuplicateFlow)

	r, err = Load(config.FlowsConfig{Dirs: []string{dir}}, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"extra.org"}, r.SiteKeys())
}
