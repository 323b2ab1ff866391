package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"perp-pilot/internal/guard"
	"perp-pilot/internal/monitor"
)

const (
	defaultEventLimit = 200
	maxEventLimit     = 1000
)

type eventReader interface {
	ListEvents(ctx context.Context, eventType monitor.EventType, limit int) ([]monitor.Event, error)
	AuditTrail(ctx context.Context, ref monitor.Ref) ([]monitor.AuditEntry, error)
}

type breakerReader interface {
	Status(ctx context.Context) (guard.BreakerState, error)
}

type modeReader interface {
	Get(ctx context.Context) (guard.ModeRecord, error)
}

type monitorHandler struct {
	events  eventReader
	breaker breakerReader
	modes   modeReader
	logger  *zap.Logger
}

// newMonitorHandler 提供只读监控接口：/events、/audit、/status。
func newMonitorHandler(events eventReader, breaker breakerReader, modes modeReader, logger *zap.Logger) http.Handler {
	h := &monitorHandler{events: events, breaker: breaker, modes: modes, logger: logger}
	mux := http.NewServeMux()
	mux.HandleFunc("/events", h.listEvents)
	mux.HandleFunc("/audit", h.auditTrail)
	mux.HandleFunc("/status", h.status)
	return mux
}

func (h *monitorHandler) listEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := defaultEventLimit
	if qs := q.Get("limit"); qs != "" {
		if v, err := strconv.Atoi(qs); err == nil && v > 0 {
			limit = min(v, maxEventLimit)
		}
	}

	eventType := monitor.EventType("")
	if typ := strings.TrimSpace(q.Get("type")); typ != "" {
		eventType = monitor.EventType(strings.ToLower(typ))
	}

	events, err := h.events.ListEvents(r.Context(), eventType, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, events)
}

func (h *monitorHandler) auditTrail(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id, err := strconv.ParseInt(q.Get("id"), 10, 64)
	if err != nil {
		http.Error(w, "id must be an integer", http.StatusBadRequest)
		return
	}
	ref := monitor.Ref{Kind: monitor.RefKind(strings.ToLower(q.Get("kind"))), ID: id}
	if err := ref.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	entries, err := h.events.AuditTrail(r.Context(), ref)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, entries)
}

func (h *monitorHandler) status(w http.ResponseWriter, r *http.Request) {
	state, err := h.breaker.Status(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	mode, err := h.modes.Get(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	h.writeJSON(w, map[string]any{"breaker": state, "mode": mode})
}

func (h *monitorHandler) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("写入监控响应失败", zap.Error(err))
	}
}

func startMonitorServer(ctx context.Context, handler http.Handler, port int, logger *zap.Logger) {
	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			logger.Warn("关闭监控服务失败", zap.Error(err))
		}
	}()

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("监控服务异常", zap.Error(err))
		}
	}()

	logger.Info("监控接口已启动", zap.String("addr", addr))
}
