package claimflow

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"

	"github.com/carebill/claimflow/internal/storage"
)

// Handler returns the HTTP handler for event ingestion and run
// management. For integration with an existing router, mount this
// instead of using WithListenAddr.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /events", a.handleEvent)
	mux.HandleFunc("GET /runs", a.handleListRuns)
	mux.HandleFunc("GET /runs/{id}", a.handleGetRun)
	mux.HandleFunc("GET /runs/{id}/history", a.handleRunHistory)
	mux.HandleFunc("POST /runs/{id}/cancel", a.handleCancelRun)
	mux.HandleFunc("POST /runs/{id}/retry", a.handleRetryRun)
	mux.HandleFunc("GET /healthz", a.handleLivenessProbe)
	mux.HandleFunc("GET /readyz", a.handleReadinessProbe)
	return mux
}

func (a *App) startHTTPServer() {
	a.httpServer = &http.Server{
		Addr:              a.config.listenAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.config.logger.Info("http server listening", "addr", a.config.listenAddr)
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.config.logger.Error("http server failed", "error", err)
		}
	}()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// handleEvent ingests a CloudEvents v1.0 event. The event type is the
// event name offered to pending waits; the data is the payload.
func (a *App) handleEvent(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, 1<<20)

	var event cloudevents.Event
	if err := json.NewDecoder(body).Decode(&event); err != nil {
		writeError(w, http.StatusBadRequest, "invalid CloudEvent: "+err.Error())
		return
	}
	if event.Type() == "" {
		writeError(w, http.StatusBadRequest, "missing required field: type")
		return
	}

	if err := a.SubmitEvent(r.Context(), event.Type(), event.Data()); err != nil {
		a.config.logger.Error("event submission failed",
			"event", event.Type(), "event_id", event.ID(), "error", err)
		writeError(w, http.StatusInternalServerError, "event processing failed")
		return
	}

	// 202 per the CloudEvents HTTP protocol binding.
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (a *App) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := storage.ListRunsOptions{
		PageToken:      q.Get("page_token"),
		StatusFilter:   storage.RunStatus(q.Get("status")),
		WorkflowFilter: q.Get("workflow"),
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		opts.Limit = n
	}

	page, err := a.ListRuns(r.Context(), opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"runs":            page.Runs,
		"next_page_token": page.NextPageToken,
	})
}

func (a *App) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := a.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, storage.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (a *App) handleRunHistory(w http.ResponseWriter, r *http.Request) {
	history, err := a.GetRunHistory(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, storage.ErrRunNotFound) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (a *App) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	err := a.cancelRun(r.Context(), r.PathValue("id"), body.Reason)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
	case errors.Is(err, storage.ErrRunNotFound):
		writeError(w, http.StatusNotFound, "run not found")
	case errors.Is(err, storage.ErrRunNotCancellable):
		writeError(w, http.StatusConflict, "run is not cancellable")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (a *App) handleRetryRun(w http.ResponseWriter, r *http.Request) {
	err := a.retryRun(r.Context(), r.PathValue("id"))
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "retrying"})
	case errors.Is(err, storage.ErrRunNotFound):
		writeError(w, http.StatusNotFound, "run not found")
	case errors.Is(err, ErrRunNotRetryable):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (a *App) handleLivenessProbe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *App) handleReadinessProbe(w http.ResponseWriter, r *http.Request) {
	if a.store == nil {
		writeError(w, http.StatusServiceUnavailable, "store not initialized")
		return
	}
	if err := a.store.DB().PingContext(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "database unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
