// Package httpapi serves read-only diagnostics over HTTP alongside the
// engine's client-facing websocket transport.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-vhal/vhal/runtime"
)

// Snapshot is the diagnostics payload: point-in-time counters, not a dump of
// live state, so it stays cheap to serve on every request.
type Snapshot struct {
	Properties    int `json:"properties"`
	Clients       int `json:"clients"`
	Pending       int `json:"pending"`
	Subscriptions int `json:"subscriptions"`
}

// DiagnosticsHandler builds an HTTP handler serving a Snapshot of engine e.
func DiagnosticsHandler(e *runtime.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap := Snapshot{
			Properties:    e.Configs.Count(),
			Clients:       e.Clients.Count(),
			Pending:       e.Pending.Count(),
			Subscriptions: e.Subscriptions.SubscriberCount(),
		}
		w.Header().Set("Content-Type", "application/json")
		writeCORS(w)
		json.NewEncoder(w).Encode(snap)
	}
}

func writeCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
}
