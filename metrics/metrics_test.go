package metrics_test

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutortrack/points-engine/metrics"
	"github.com/tutortrack/points-engine/points"
)

func TestMetrics_Counters(t *testing.T) {
	m := metrics.New()

	m.PointsAwarded(40)
	m.PointsAwarded(2)
	m.PointsDeducted(5)
	m.RequestCreated(nil)
	m.RequestCreated(&points.OutOfStockError{ItemID: "i1"})
	m.RequestCreated(&points.InsufficientBalanceError{StudentID: "s1"})
	m.Decision(points.RequestApproved)
	m.CoreError(&points.ConsistencyError{Op: "reject", Step: "refund", Err: fmt.Errorf("boom")})
	m.CoreError(nil)

	body := scrape(t, m)
	assert.Contains(t, body, "points_awarded_total 42")
	assert.Contains(t, body, "points_deducted_total 5")
	assert.Contains(t, body, `redemption_requests_total{outcome="created"} 1`)
	assert.Contains(t, body, `redemption_requests_total{outcome="out_of_stock"} 1`)
	assert.Contains(t, body, `redemption_requests_total{outcome="insufficient_balance"} 1`)
	assert.Contains(t, body, `redemption_decisions_total{decision="approved"} 1`)
	assert.Contains(t, body, `core_errors_total{kind="consistency"} 1`)
}

func TestMetrics_HTTPHistogram(t *testing.T) {
	m := metrics.New()
	m.ObserveHTTP("/api/requests/{id}", http.MethodPost, 409, 12*time.Millisecond)

	n, err := testutil.GatherAndCount(m.Registry(), "http_request_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestKind(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{&points.NotFoundError{Kind: "item"}, "not_found"},
		{&points.ValidationError{Field: "note"}, "validation"},
		{&points.ForbiddenError{Role: points.RoleStudent}, "forbidden"},
		{points.ErrAlreadyExists, "already_exists"},
		{&points.InvalidStateTransitionError{}, "invalid_state_transition"},
		{fmt.Errorf("wrapped: %w", points.ErrOutOfStock), "out_of_stock"},
		{fmt.Errorf("disk on fire"), "internal"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, metrics.Kind(tc.err), tc.err.Error())
	}
}

func scrape(t *testing.T, m *metrics.Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}
