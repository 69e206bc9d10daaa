package metrics

import (
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectors(t *testing.T) {
	m := New()

	m.PhaseRun("build", "completed", 3*time.Second)
	m.PhaseRun("build", "failed", 0)
	m.GateResult("tests_pass", false)
	m.GateResult("tests_pass", true)
	m.GateResult("tests_pass", true)
	m.Retry("transient")
	m.Escalation("recovered")
	m.EvolutionTransition("DEPLOYED")
	m.AddRegressions(2)
	m.AddRegressions(0)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.PhaseRuns.WithLabelValues("build", "completed")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.GateResults.WithLabelValues("tests_pass", "pass")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Retries.WithLabelValues("transient")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Escalations.WithLabelValues("recovered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.EvolutionTransitions.WithLabelValues("DEPLOYED")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Regressions))
	assert.Equal(t, 1, testutil.CollectAndCount(m.PhaseDuration))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.PhaseRun("build", "completed", time.Second)
	m.GateResult("files_exist", true)
	m.Retry("transient")
	m.Escalation("failed")
	m.EvolutionTransition("READY")
	m.AddRegressions(1)
	assert.Nil(t, m.Registry())
	assert.NoError(t, m.WriteToTextfile(filepath.Join(t.TempDir(), "x.prom")))
}

func TestWriteToTextfileAndHandler(t *testing.T) {
	m := New()
	m.Retry("verification")

	path := filepath.Join(t.TempDir(), "helix.prom")
	require.NoError(t, m.WriteToTextfile(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `helix_retries_total{kind="verification"} 1`)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "helix_retries_total"))
}
