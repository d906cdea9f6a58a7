package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordTurn(t *testing.T) {
	before := testutil.ToFloat64(turnsTotal.WithLabelValues("completed"))
	RecordTurn("completed", 120*time.Millisecond)
	assert.Equal(t, before+1, testutil.ToFloat64(turnsTotal.WithLabelValues("completed")))
}

func TestRecordCompletionTokens(t *testing.T) {
	before := testutil.ToFloat64(completionTokens.WithLabelValues("true"))
	RecordCompletionTokens(10, true)
	assert.Equal(t, before+10, testutil.ToFloat64(completionTokens.WithLabelValues("true")))
}

func TestActiveTurns(t *testing.T) {
	before := testutil.ToFloat64(activeTurns)
	TurnStarted()
	TurnStarted()
	TurnFinished()
	assert.Equal(t, before+1, testutil.ToFloat64(activeTurns))
	TurnFinished()
}

func TestHandler(t *testing.T) {
	Init()
	Init()
	RecordRecovery("recovered")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "cadence_recoveries_total")
}
