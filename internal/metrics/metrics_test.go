package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveStage(t *testing.T) {
	before := testutil.ToFloat64(stageFailures.WithLabelValues("load"))

	ObserveStage("load", "completed", 10*time.Millisecond)
	ObserveStage("load", "failed", 5*time.Millisecond)

	after := testutil.ToFloat64(stageFailures.WithLabelValues("load"))
	assert.Equal(t, before+1, after)
}

func TestCounters(t *testing.T) {
	rows := testutil.ToFloat64(rowsLoaded)
	trees := testutil.ToFloat64(treesTrained)

	AddRowsLoaded(250)
	AddTreesTrained(100)
	SetAccuracy(0.95)

	assert.Equal(t, rows+250, testutil.ToFloat64(rowsLoaded))
	assert.Equal(t, trees+100, testutil.ToFloat64(treesTrained))
	assert.InDelta(t, 0.95, testutil.ToFloat64(modelAccuracy), 1e-9)
}

func TestHandler(t *testing.T) {
	ObserveRun("succeeded")
	ObserveRequest("GET", "", http.StatusNotFound, time.Millisecond)

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "kestrel_runs_total"))
	assert.True(t, strings.Contains(body, `endpoint="not_found"`))
}
