package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gatecache/gatecache/internal/admission"
	"github.com/gatecache/gatecache/internal/snapshot"
)

// maxRequestBodyBytes caps admission request bodies. Requests carry a
// project id and nothing else; anything larger is malformed.
const maxRequestBodyBytes = 4 << 10 // 4 KiB

type admitRequest struct {
	ProjectID string `json:"project_id"`
}

type countResponse struct {
	ProjectID string `json:"project_id"`
	Count     int64  `json:"count"`
}

type rateResponse struct {
	Allowed           bool             `json:"allowed"`
	Reason            admission.Reason `json:"reason,omitempty"`
	RetryAfterSeconds float64          `json:"retry_after_seconds,omitempty"`
}

type projectResponse struct {
	ProjectID   string          `json:"project_id"`
	Version     string          `json:"version"`
	Status      string          `json:"status"`
	Environment string          `json:"environment,omitempty"`
	Services    map[string]bool `json:"services"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// buildRoutes wires the admission API endpoints onto a mux. Every handler
// reads the inbound X-Request-Id so decisions, fetch spans, and emitted
// events share one correlation id with the calling gateway.
func buildRoutes(rt *admission.RealtimeClient, st *admission.StorageClient, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/realtime/admit", func(w http.ResponseWriter, r *http.Request) {
		projectID, ok := decodeProjectID(w, r)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, rt.ValidateConnection(r.Context(), projectID))
	})

	mux.HandleFunc("POST /v1/realtime/connected", func(w http.ResponseWriter, r *http.Request) {
		projectID, ok := decodeProjectID(w, r)
		if !ok {
			return
		}
		n := rt.IncrementConnectionCount(projectID)
		writeJSON(w, http.StatusOK, countResponse{ProjectID: projectID, Count: n})
	})

	mux.HandleFunc("POST /v1/realtime/disconnected", func(w http.ResponseWriter, r *http.Request) {
		projectID, ok := decodeProjectID(w, r)
		if !ok {
			return
		}
		n := rt.DecrementConnectionCount(projectID)
		writeJSON(w, http.StatusOK, countResponse{ProjectID: projectID, Count: n})
	})

	mux.HandleFunc("POST /v1/realtime/message", func(w http.ResponseWriter, r *http.Request) {
		projectID, ok := decodeProjectID(w, r)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, toRateResponse(rt.AllowMessage(r.Context(), projectID)))
	})

	mux.HandleFunc("POST /v1/storage/admit", func(w http.ResponseWriter, r *http.Request) {
		projectID, ok := decodeProjectID(w, r)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, st.ValidateOperation(r.Context(), projectID))
	})

	mux.HandleFunc("POST /v1/storage/begin", func(w http.ResponseWriter, r *http.Request) {
		projectID, ok := decodeProjectID(w, r)
		if !ok {
			return
		}
		n := st.BeginOperation(projectID)
		writeJSON(w, http.StatusOK, countResponse{ProjectID: projectID, Count: n})
	})

	mux.HandleFunc("POST /v1/storage/end", func(w http.ResponseWriter, r *http.Request) {
		projectID, ok := decodeProjectID(w, r)
		if !ok {
			return
		}
		n := st.EndOperation(projectID)
		writeJSON(w, http.StatusOK, countResponse{ProjectID: projectID, Count: n})
	})

	mux.HandleFunc("GET /v1/project", func(w http.ResponseWriter, r *http.Request) {
		projectID := r.URL.Query().Get("project_id")
		if projectID == "" {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "project_id is required"})
			return
		}

		snap, err := rt.GetSnapshot(r.Context(), projectID)
		if err != nil {
			status := http.StatusServiceUnavailable
			if snapshot.ClassifyFetchError(err) == snapshot.OutcomeNotFound {
				status = http.StatusNotFound
			}
			writeJSON(w, status, errorResponse{Error: err.Error()})
			return
		}

		services := make(map[string]bool, len(snap.Services))
		for name := range snap.Services {
			services[name] = snap.ServiceEnabled(name)
		}
		writeJSON(w, http.StatusOK, projectResponse{
			ProjectID:   projectID,
			Version:     snap.Version,
			Status:      string(snap.Project.Status),
			Environment: snap.Project.Environment,
			Services:    services,
		})
	})

	mux.HandleFunc("DELETE /v1/cache", func(w http.ResponseWriter, r *http.Request) {
		projectID := r.URL.Query().Get("project_id")
		if projectID == "" {
			rt.ClearCache()
			st.ClearCache()
			logger.Info("snapshot cache cleared")
		} else {
			rt.InvalidateCache(projectID)
			st.InvalidateCache(projectID)
			logger.Info("snapshot cache invalidated", "project_id", projectID)
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("GET /v1/cache/stats", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]admission.CacheStats{
			"realtime": rt.Stats(),
			"storage":  st.Stats(),
		})
	})

	return withCorrelation(mux)
}

// withCorrelation copies the caller's X-Request-Id into the request
// context so it flows through fetches and decision events.
func withCorrelation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if id := r.Header.Get("X-Request-Id"); id != "" {
			r = r.WithContext(snapshot.WithCorrelationID(r.Context(), id))
		}
		next.ServeHTTP(w, r)
	})
}

func decodeProjectID(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req admitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBodyBytes))
	if err := dec.Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return "", false
	}
	if req.ProjectID == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "project_id is required"})
		return "", false
	}
	return req.ProjectID, true
}

func toRateResponse(v admission.RateVerdict) rateResponse {
	return rateResponse{
		Allowed:           v.Allowed,
		Reason:            v.Reason,
		RetryAfterSeconds: v.RetryAfter.Round(time.Millisecond).Seconds(),
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
