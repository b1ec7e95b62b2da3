package service

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/xkilldash9x/passup/internal/metrics"
)

func TestComponents_ShutdownPartial(t *testing.T) {
	// A zero value, as left behind by a failed Create, must not panic.
	var c Components
	assert.NotPanics(t, c.Shutdown)

	closed := false
	c = Components{logger: zap.NewNop(), closeDBPool: func() { closed = true }}
	c.Shutdown()
	assert.True(t, closed)
}

func TestComponents_FlushMetrics(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "passup.prom")
	c := Components{logger: zap.NewNop(), Metrics: metrics.New(), metricsPath: path}

	c.Shutdown()
	_, err := os.Stat(path)
	require.NoError(t, err, "shutdown flushes the textfile")
}

func TestComponents_FlushMetricsFailure(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, []byte("x"), 0o600))

	c := Components{logger: zap.New(core), Metrics: metrics.New(), metricsPath: filepath.Join(blocker, "passup.prom")}
	c.FlushMetrics()
	assert.Equal(t, 1, logs.FilterMessage("Failed to write metrics textfile.").Len())
}
