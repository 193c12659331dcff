package worker

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/dreamware/ringleader/internal/cluster"
)

// Routes returns the worker's HTTP surface:
//
//	GET  /health   liveness
//	GET  /status   cluster.WorkerStatus
//	GET  /owner    ring owner of ?key=
//	POST /shutdown request a graceful exit
func (w *Worker) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", w.handleHealth)
	mux.HandleFunc("/status", w.handleStatus)
	mux.HandleFunc("/owner", w.handleOwner)
	mux.HandleFunc("/shutdown", w.handleShutdown)
	return mux
}

func (w *Worker) handleHealth(rw http.ResponseWriter, _ *http.Request) {
	rw.WriteHeader(http.StatusOK)
	rw.Write([]byte("ok"))
}

func (w *Worker) handleStatus(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(rw, http.StatusOK, w.Status())
}

func (w *Worker) handleOwner(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	key := r.URL.Query().Get("key")
	if key == "" {
		http.Error(rw, "missing key", http.StatusBadRequest)
		return
	}
	owner, ok := w.Owner(key)
	if !ok {
		http.Error(rw, "ring is empty", http.StatusServiceUnavailable)
		return
	}
	writeJSON(rw, http.StatusOK, owner)
}

func (w *Worker) handleShutdown(rw http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req cluster.ShutdownRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(rw, "bad json", http.StatusBadRequest)
		return
	}
	if req.Reason == "" {
		req.Reason = "requested over http"
	}
	w.RequestShutdown(req.Reason)
	writeJSON(rw, http.StatusAccepted, cluster.WorkerInfo{ID: w.cfg.ID, Addr: w.cfg.Addr})
}

func writeJSON(rw http.ResponseWriter, code int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(code)
	json.NewEncoder(rw).Encode(v)
}
