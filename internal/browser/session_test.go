// internal/browser/session_test.go
package browser_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/passup/api/schemas"
	"github.com/xkilldash9x/passup/internal/browser"
	"github.com/xkilldash9x/passup/internal/config"
	"github.com/xkilldash9x/passup/internal/engine"
)

const testTimeout = 30 * time.Second

const loginPage = `<!doctype html>
<html><body>
<a href="#prefs">Open Preferences</a>
<input id="username" type="text">
<input id="password" type="password">
<div id="hidden" style="display:none">secret panel</div>
<button id="submit" onclick="document.getElementById('banner').style.display='block'">Save</button>
<div id="banner" style="display:none">Password changed successfully</div>
<iframe src="/frame"></iframe>
</body></html>`

const framePage = `<!doctype html>
<html><body><input id="inner" type="text"><p class="note">inside frame</p></body></html>`

// chromePath skips the test when no Chrome binary is available.
func chromePath(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping browser integration test in short mode")
	}
	for _, name := range []string{"google-chrome", "google-chrome-stable", "chromium", "chromium-browser", "headless-shell"} {
		if p, err := exec.LookPath(name); err == nil {
			return p
		}
	}
	t.Skip("no Chrome or Chromium binary found")
	return ""
}

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, loginPage)
	})
	mux.HandleFunc("/frame", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, framePage)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func newTestManager(t *testing.T) *browser.Manager {
	t.Helper()
	cfg := config.BrowserConfig{
		Headless:          true,
		DisableCache:      true,
		ExecPath:          chromePath(t),
		NavigationTimeout: 20 * time.Second,
		ActionTimeout:     5 * time.Second,
	}
	m := browser.NewManager(context.Background(), cfg, zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel)))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m
}

func newTestSession(t *testing.T) (*browser.Session, context.Context) {
	t.Helper()
	m := newTestManager(t)
	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)

	s, err := m.NewSession(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })

	require.NoError(t, s.Navigate(ctx, newTestServer(t).URL))
	return s, ctx
}

func findOne(t *testing.T, ctx context.Context, s *browser.Session, sel schemas.Selector) engine.ElementHandle {
	t.Helper()
	var handles []engine.ElementHandle
	require.Eventually(t, func() bool {
		var err error
		handles, err = s.Find(ctx, sel)
		return err == nil && len(handles) > 0
	}, 10*time.Second, 100*time.Millisecond, "no element for %s", sel)
	return handles[0]
}

func TestSessionFind(t *testing.T) {
	s, ctx := newTestSession(t)

	t.Run("by id", func(t *testing.T) {
		handles, err := s.Find(ctx, schemas.ByID("username"))
		require.NoError(t, err)
		assert.Len(t, handles, 1)
	})

	t.Run("by partial link text", func(t *testing.T) {
		handles, err := s.Find(ctx, schemas.LinkText("Preferences"))
		require.NoError(t, err)
		assert.Len(t, handles, 1)

		handles, err = s.Find(ctx, schemas.LinkText("Nowhere"))
		require.NoError(t, err)
		assert.Empty(t, handles)
	})

	t.Run("no match is empty", func(t *testing.T) {
		handles, err := s.Find(ctx, schemas.CSS("#does-not-exist"))
		require.NoError(t, err)
		assert.Empty(t, handles)
	})
}

func TestSessionVisibilityAndText(t *testing.T) {
	s, ctx := newTestSession(t)

	hidden := findOne(t, ctx, s, schemas.CSS("#hidden"))
	visible, err := s.IsVisible(ctx, hidden)
	require.NoError(t, err)
	assert.False(t, visible)

	submit := findOne(t, ctx, s, schemas.CSS("#submit"))
	visible, err = s.IsVisible(ctx, submit)
	require.NoError(t, err)
	assert.True(t, visible)

	require.NoError(t, s.Click(ctx, submit))
	banner := findOne(t, ctx, s, schemas.CSS("#banner"))
	require.Eventually(t, func() bool {
		v, err := s.IsVisible(ctx, banner)
		return err == nil && v
	}, 5*time.Second, 50*time.Millisecond)

	text, err := s.Text(ctx, banner)
	require.NoError(t, err)
	assert.Equal(t, "Password changed successfully", text)
}

func TestSessionSetValue(t *testing.T) {
	s, ctx := newTestSession(t)

	field := findOne(t, ctx, s, schemas.CSS("#password"))
	require.NoError(t, s.SetValue(ctx, field, "first"))
	require.NoError(t, s.SetValue(ctx, field, "correct-horse"))

	user := findOne(t, ctx, s, schemas.ByID("username"))
	require.NoError(t, s.SetValue(ctx, user, "alice"))
	require.NoError(t, s.SetValue(ctx, user, ""))
}

func TestSessionFrames(t *testing.T) {
	s, ctx := newTestSession(t)

	// Not visible from the top document.
	handles, err := s.Find(ctx, schemas.CSS("#inner"))
	require.NoError(t, err)
	assert.Empty(t, handles)

	zero := 0
	require.Eventually(t, func() bool {
		return s.SwitchToFrame(ctx, &zero) == nil
	}, 10*time.Second, 100*time.Millisecond)
	inner := findOne(t, ctx, s, schemas.CSS("#inner"))
	require.NoError(t, s.SetValue(ctx, inner, "framed"))

	note := findOne(t, ctx, s, schemas.CSS("p.note"))
	text, err := s.Text(ctx, note)
	require.NoError(t, err)
	assert.Equal(t, "inside frame", text)

	t.Run("missing frame is transient", func(t *testing.T) {
		five := 5
		err := s.SwitchToFrame(ctx, &five)
		require.Error(t, err)
		assert.True(t, engine.IsTransient(err))
		assert.ErrorIs(t, err, engine.ErrNoSuchFrame)
	})

	require.NoError(t, s.SwitchToFrame(ctx, nil))
	findOne(t, ctx, s, schemas.CSS("#username"))
}

func TestSessionNavigateTimeout(t *testing.T) {
	m := browser.NewManager(context.Background(), config.BrowserConfig{
		Headless:          true,
		ExecPath:          chromePath(t),
		NavigationTimeout: 200 * time.Millisecond,
	}, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(time.Second)
		fmt.Fprint(w, "<html><body>slow</body></html>")
	}))
	t.Cleanup(slow.Close)

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	defer cancel()
	s, err := m.NewSession(ctx)
	require.NoError(t, err)

	err = s.Navigate(ctx, slow.URL)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "timed out after 200ms")
}
