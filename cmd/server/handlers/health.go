// Package handlers holds the small set of HTTP endpoints this service
// exposes directly. Per-resource CRUD transport is explicitly out of
// scope (spec.md §1); the engine's work happens in background workers
// (outbox relay, reconciler scheduler), not behind HTTP handlers.
package handlers

import (
	"encoding/json"
	"net/http"
)

// HealthHandler replies 200 with a static body. It takes no dependency
// checks itself; liveness here only needs the process to be scheduling
// goroutines, not every downstream to be reachable.
func HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
