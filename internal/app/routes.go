package app

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"twingate/edge-gateway/internal/model"
)

func (a *App) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(a.withRequestLogging)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.handleHealthz)
	r.Get("/readyz", a.handleReadyz)

	r.Route("/api/twins/{id}", func(r chi.Router) {
		r.Get("/", a.handleGetTwin)
		r.Post("/desired", a.handleUpdateDesired)
		r.Post("/reported", a.handleUpdateReported)
	})

	r.Route("/api/identities", func(r chi.Router) {
		r.Post("/refresh", a.handleRefreshIdentities)
		r.Get("/events", a.handleIdentityEvents)
		r.Get("/{id}", a.handleGetIdentity)
		r.Get("/{id}/children", a.handleGetIdentityChildren)
	})

	return r
}

func (a *App) withRequestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := middleware.GetReqID(r.Context())
		if reqID == "" {
			reqID = uuid.NewString()
		}
		start := time.Now()
		next.ServeHTTP(w, r)
		a.log.Debug("http request", "method", r.Method, "path", r.URL.Path, "requestId", reqID, "duration", time.Since(start))
	})
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *App) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !a.ready {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "starting"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (a *App) handleGetTwin(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	twin, err := a.manager.GetTwin(r.Context(), id)
	if err != nil {
		a.log.Error("get twin failed", "id", id, "error", err)
		http.Error(w, "failed to load twin", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, model.ToWire(twin))
}

func (a *App) handleUpdateDesired(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var patch model.Collection
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		http.Error(w, "invalid patch payload", http.StatusBadRequest)
		return
	}

	if err := a.manager.UpdateDesired(r.Context(), id, patch); err != nil {
		a.log.Error("update desired failed", "id", id, "error", err)
		http.Error(w, "failed to update desired properties", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (a *App) handleUpdateReported(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var patch model.Collection
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		http.Error(w, "invalid patch payload", http.StatusBadRequest)
		return
	}

	if err := a.manager.UpdateReported(r.Context(), id, patch); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func (a *App) handleGetIdentity(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	identity, ok := a.identities.GetServiceIdentity(id)
	if !ok {
		http.Error(w, "identity not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, identity)
}

func (a *App) handleGetIdentityChildren(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	children := a.identities.GetImmediateChildren(id)
	writeJSON(w, http.StatusOK, map[string][]string{"children": children})
}

func (a *App) handleRefreshIdentities(w http.ResponseWriter, r *http.Request) {
	a.identities.InitiateRefresh()
	w.WriteHeader(http.StatusAccepted)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
