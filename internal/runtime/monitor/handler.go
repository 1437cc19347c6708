package monitor

import (
	"net/http"
	"strings"

	"github.com/drblury/transitflow/internal/runtime/jsoncodec"
)

// Handler serves the latest snapshot as JSON. Active alerts are served under
// a trailing /alerts path element and recently raised ones under
// /alerts/recent.
func (m *Monitor) Handler() http.Handler {
	return http.HandlerFunc(m.handleSnapshot)
}

func (m *Monitor) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if len(m.cfg.CORSAllowedOrigins) > 0 {
		if allowed := m.allowedOrigin(r.Header.Get("Origin")); allowed != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowed)
			w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		}
	}

	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodGet, http.MethodHead:
	default:
		w.Header().Set("Allow", "GET, OPTIONS")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	var payload any
	switch path := strings.TrimSuffix(r.URL.Path, "/"); {
	case strings.HasSuffix(path, "/alerts/recent"):
		payload = m.RecentAlerts()
	case strings.HasSuffix(path, "/alerts"):
		payload = m.ActiveAlerts()
	default:
		payload = m.Latest()
	}
	if err := jsoncodec.Encode(w, payload); err != nil {
		m.log.Error("Failed to encode snapshot", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

func (m *Monitor) allowedOrigin(requestOrigin string) string {
	for _, allowed := range m.cfg.CORSAllowedOrigins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
