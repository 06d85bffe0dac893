package main

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rickgao/tradefeed/internal/connection"
	"github.com/rickgao/tradefeed/internal/journal"
	"github.com/rickgao/tradefeed/internal/metrics"
	"github.com/rickgao/tradefeed/internal/stream"
	"github.com/rickgao/tradefeed/internal/subscription"
)

// views groups the state served over HTTP.
type views struct {
	client    *stream.Client
	status    *subscription.ConnectionStatus
	positions *subscription.Positions
	accounts  *subscription.Accounts
	prices    *subscription.Prices
	trades    *subscription.TradeNotifications
	journal   *journal.Journal // nil when disabled
}

// newHandler creates the HTTP handler for health checks, debug views and metrics.
func newHandler(v *views, g prometheus.Gatherer, metricsPath string) http.Handler {
	mux := http.NewServeMux()

	mux.Handle(metricsPath, metrics.Handler(g))

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		stats := v.client.Stats()

		health := struct {
			Status     string                 `json:"status"`
			Components map[string]interface{} `json:"components"`
		}{
			Status:     "healthy",
			Components: make(map[string]interface{}),
		}

		feed := map[string]interface{}{
			"state":      stats.Connection.State.String(),
			"reconnects": stats.Connection.Reconnects,
		}
		if stats.Connection.LastError != "" {
			feed["error"] = stats.Connection.LastError
		}
		health.Components["feed"] = feed

		switch {
		case stats.Connection.AuthFailed:
			health.Status = "unhealthy"
		case stats.Connection.State == connection.StateConnected:
		case stats.Connection.SessionActive:
			health.Status = "degraded"
		default:
			health.Status = "unhealthy"
		}

		health.Components["connectors"] = len(v.status.Connectors())

		if v.journal != nil {
			js := v.journal.Stats()
			health.Components["journal"] = map[string]interface{}{
				"written": js.Written,
				"failed":  js.Failed,
				"dropped": js.Dropped,
				"pending": js.Pending,
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if health.Status == "unhealthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})

	mux.HandleFunc("/debug/connectors", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, v.status.Connectors())
	})

	mux.HandleFunc("/debug/positions", func(w http.ResponseWriter, r *http.Request) {
		if id := r.URL.Query().Get("connection"); id != "" {
			writeJSON(w, v.positions.ByConnection(id))
			return
		}
		writeJSON(w, v.positions.All())
	})

	mux.HandleFunc("/debug/accounts", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, v.accounts.All())
	})

	mux.HandleFunc("/debug/prices", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, v.prices.All())
	})

	mux.HandleFunc("/debug/trades", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"pending": v.client.Tracker().Pending(),
			"recent":  v.trades.Recent(),
		})
	})

	return mux
}

func writeJSON(w http.ResponseWriter, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(body)
}
