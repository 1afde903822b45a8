package httpapi

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"fieldtracker/internal/config"
	"fieldtracker/internal/keepalive"
	"fieldtracker/internal/metrics"
	"fieldtracker/internal/provider"
	"fieldtracker/internal/reporting"
	"fieldtracker/internal/store"
	"fieldtracker/internal/trackstate"
)

// Router exposes the tracking control surface and ops endpoints.
type Router struct {
	cfg       config.Config
	store     *store.Store
	reporter  *reporting.Reporter
	ka        *keepalive.Controller
	state     *trackstate.Aggregator
	composite *provider.Composite
}

func NewRouter(cfg config.Config, st *store.Store, rep *reporting.Reporter, ka *keepalive.Controller, state *trackstate.Aggregator, composite *provider.Composite) *Router {
	return &Router{cfg: cfg, store: st, reporter: rep, ka: ka, state: state, composite: composite}
}

func (r *Router) Register(mux *http.ServeMux) {
	mux.HandleFunc("/ops/health", r.health)
	mux.HandleFunc("/ops/status", r.status)
	mux.HandleFunc("/ops/metrics", r.metrics)
	mux.HandleFunc("/ops/queue", r.queue)
	mux.HandleFunc("/ops/tracking/state", r.trackingState)
	mux.HandleFunc("/ops/tracking/start", r.trackingStart)
	mux.HandleFunc("/ops/tracking/stop", r.trackingStop)
	mux.HandleFunc("/ops/tracking/force-stop", r.trackingForceStop)
	mux.HandleFunc("/ops/tracking/reset-stats", r.resetStats)
	mux.HandleFunc("/ops/keepalive/acquire", r.keepaliveAcquire)
	mux.HandleFunc("/ops/keepalive/release", r.keepaliveRelease)
	mux.HandleFunc("/ops/provider/strategy", r.strategy)
}

func (r *Router) health(w http.ResponseWriter, req *http.Request) {
	if err := r.store.Health(req.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (r *Router) status(w http.ResponseWriter, req *http.Request) {
	snap := r.state.Snapshot()
	payload := map[string]any{
		"tracking": snap,
		"owners":   r.ka.Owners(),
		"stream":   r.ka.Active(),
		"strategy": r.composite.Strategy().String(),
		"metrics":  metrics.Snapshot(),
	}
	if snap.SessionID != nil {
		counts, err := r.store.SessionCounts(req.Context(), *snap.SessionID)
		if err == nil {
			payload["queue"] = counts
		}
	}
	if d, ok := r.state.RunningDuration(); ok {
		payload["running_ms"] = d.Milliseconds()
	}
	respondJSON(w, payload)
}

func (r *Router) metrics(w http.ResponseWriter, req *http.Request) {
	respondJSON(w, metrics.Snapshot())
}

func (r *Router) queue(w http.ResponseWriter, req *http.Request) {
	sessionID, err := strconv.ParseInt(req.URL.Query().Get("session_id"), 10, 64)
	if err != nil {
		http.Error(w, "session_id required", http.StatusBadRequest)
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	rows, err := r.store.UploadQueue(req.Context(), sessionID, limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	counts, err := r.store.SessionCounts(req.Context(), sessionID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	respondJSON(w, map[string]any{"eligible": rows, "counts": counts})
}

func (r *Router) trackingState(w http.ResponseWriter, req *http.Request) {
	respondJSON(w, r.state.Snapshot())
}

func (r *Router) trackingStart(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		SessionID int64 `json:"session_id"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := r.reporter.StartReporting(body.SessionID); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	respondJSON(w, r.state.Snapshot())
}

func (r *Router) trackingStop(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	r.reporter.StopReporting()
	respondJSON(w, r.state.Snapshot())
}

func (r *Router) trackingForceStop(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	r.reporter.ForceStopReporting()
	respondJSON(w, r.state.Snapshot())
}

func (r *Router) resetStats(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	r.state.ResetStats()
	respondJSON(w, r.state.Snapshot())
}

func (r *Router) keepaliveAcquire(w http.ResponseWriter, req *http.Request) {
	owner, ok := r.ownerFromBody(w, req)
	if !ok {
		return
	}
	r.ka.Acquire(owner)
	respondJSON(w, map[string]any{"owners": r.ka.Owners(), "stream": r.ka.Active()})
}

func (r *Router) keepaliveRelease(w http.ResponseWriter, req *http.Request) {
	owner, ok := r.ownerFromBody(w, req)
	if !ok {
		return
	}
	r.ka.Release(owner)
	respondJSON(w, map[string]any{"owners": r.ka.Owners(), "stream": r.ka.Active()})
}

func (r *Router) ownerFromBody(w http.ResponseWriter, req *http.Request) (string, bool) {
	if req.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return "", false
	}
	var body struct {
		Owner string `json:"owner"`
	}
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return "", false
	}
	if body.Owner == "" {
		http.Error(w, "owner required", http.StatusBadRequest)
		return "", false
	}
	return body.Owner, true
}

func (r *Router) strategy(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		respondJSON(w, map[string]string{"strategy": r.composite.Strategy().String()})
	case http.MethodPut:
		var body struct {
			Strategy string `json:"strategy"`
		}
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		strategy, err := provider.ParseStrategy(body.Strategy)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		r.composite.SetStrategy(strategy)
		respondJSON(w, map[string]string{"strategy": strategy.String()})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func respondJSON(w http.ResponseWriter, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("write json: %v", err)
	}
}
