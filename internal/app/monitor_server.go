package app

import (
	"net/http"
	"strconv"
	"strings"

	"locates-desk/internal/monitor"
)

// handleEvents 按类型返回最近的监控事件，?type=quote&limit=50。
func (s *httpServer) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.monitor == nil {
		respondError(w, http.StatusServiceUnavailable, "monitor_disabled", "监控未启用")
		return
	}

	q := r.URL.Query()
	limit := 200
	if qs := q.Get("limit"); qs != "" {
		if v, err := strconv.Atoi(qs); err == nil && v > 0 {
			if v > 1000 {
				v = 1000
			}
			limit = v
		}
	}

	eventType := monitor.EventType("")
	if typ := strings.TrimSpace(q.Get("type")); typ != "" {
		eventType = monitor.EventType(strings.ToLower(typ))
	}

	events, err := s.monitor.ListEvents(r.Context(), eventType, limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "internal", err.Error())
		return
	}
	s.respondJSON(w, http.StatusOK, events)
}
