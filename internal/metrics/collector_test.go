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
	"go.uber.org/zap"
)

func TestRecordDecision(t *testing.T) {
	c := NewCollector("workgate", zap.NewNop())
	c.RecordDecision("allowed", "", "dev", 3*time.Millisecond)
	c.RecordDecision("denied", "insufficient_engagement_level", "staging", time.Millisecond)
	c.RecordDecision("denied", "insufficient_engagement_level", "staging", time.Millisecond)

	assert.Equal(t, 2, testutil.CollectAndCount(c.decisionsTotal))
	assert.Equal(t, float64(2), testutil.ToFloat64(c.decisionsTotal.WithLabelValues("denied", "insufficient_engagement_level", "staging")))
	assert.Equal(t, 2, testutil.CollectAndCount(c.authorizeDuration))
}

func TestCollectorsAreIndependent(t *testing.T) {
	a := NewCollector("workgate", zap.NewNop())
	b := NewCollector("workgate", zap.NewNop())
	a.RecordReplay()
	assert.Equal(t, float64(1), testutil.ToFloat64(a.replaysTotal))
	assert.Equal(t, float64(0), testutil.ToFloat64(b.replaysTotal))
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	c.RecordTransition("proposed", "in_progress")
	c.RecordEffect("ok")
	c.RecordDispatch("allowed")
	c.RecordRecovery("ok")
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := NewCollector("workgate", zap.NewNop())
	c.RecordTransition("proposed", "in_progress")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `workgate_handoff_transitions_total{from="proposed",to="in_progress"} 1`))
}
