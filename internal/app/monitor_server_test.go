package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"perp-pilot/internal/guard"
	"perp-pilot/internal/monitor"
	"perp-pilot/internal/store/storetest"
)

type stubBreaker struct{ state guard.BreakerState }

func (s stubBreaker) Status(context.Context) (guard.BreakerState, error) { return s.state, nil }

type stubModes struct{ rec guard.ModeRecord }

func (s stubModes) Get(context.Context) (guard.ModeRecord, error) { return s.rec, nil }

func newTestHandler(t *testing.T) (http.Handler, *monitor.Service) {
	t.Helper()
	svc, err := monitor.NewService(storetest.New(t), nil)
	require.NoError(t, err)
	h := newMonitorHandler(svc,
		stubBreaker{state: guard.BreakerState{TradingAllowed: false, Triggered: true, TriggerReason: "daily loss limit reached"}},
		stubModes{rec: guard.ModeRecord{Mode: guard.ModeExitOnly, ChangedBy: "cli"}},
		zap.NewNop())
	return h, svc
}

func get(t *testing.T, h http.Handler, url string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, url, nil))
	return rec
}

func TestMonitorEventsFilterByType(t *testing.T) {
	h, svc := newTestHandler(t)
	ctx := context.Background()
	_, err := svc.Record(ctx, monitor.EventDecisionCreated, map[string]any{"symbol": "BTC"})
	require.NoError(t, err)
	_, err = svc.Record(ctx, monitor.EventPositionOpened, map[string]any{"symbol": "BTC"})
	require.NoError(t, err)

	rec := get(t, h, "/events?type=POSITION_OPENED&limit=5000")
	require.Equal(t, http.StatusOK, rec.Code)

	var events []monitor.Event
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events, 1)
	assert.Equal(t, monitor.EventPositionOpened, events[0].Type)
}

func TestMonitorAuditTrail(t *testing.T) {
	h, svc := newTestHandler(t)
	require.NoError(t, svc.AppendAudit(context.Background(), monitor.OrderRef(7), "filled", map[string]any{"size": 1}))

	rec := get(t, h, "/audit?kind=order&id=7")
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []monitor.AuditEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "filled", entries[0].Action)

	assert.Equal(t, http.StatusBadRequest, get(t, h, "/audit?kind=decision&id=7").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, h, "/audit?kind=order&id=x").Code)
}

func TestMonitorStatus(t *testing.T) {
	h, _ := newTestHandler(t)

	rec := get(t, h, "/status")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Breaker guard.BreakerState `json:"breaker"`
		Mode    guard.ModeRecord   `json:"mode"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body.Breaker.Triggered)
	assert.Equal(t, guard.ModeExitOnly, body.Mode.Mode)
}
