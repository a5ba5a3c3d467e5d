// Package api exposes the knowledge base over HTTP: authenticated entry
// CRUD, a similarity-answer endpoint, and an open health probe.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/kbase/internal/kb"
	"github.com/kalambet/kbase/internal/recovery"
	"github.com/kalambet/kbase/internal/storage"
	"github.com/kalambet/kbase/internal/vector"
)

const maxBodySize = 1 << 20 // 1MB

const defaultListLimit = 100

type Deps struct {
	Manager     *kb.Manager
	Integration *vector.Integration
	Queue       *recovery.Queue
	Stats       *vector.ErrorStats
	Token       string
	Logger      *slog.Logger
}

func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()

	// Health stays unauthenticated so orchestration can probe it.
	r.Get("/health", handleHealth(deps))

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/entries", handleCreateEntry(deps))
		r.Get("/entries", handleListEntries(deps))
		r.Get("/entries/{id}", handleGetEntry(deps))
		r.Put("/entries/{id}", handleUpdateEntry(deps))
		r.Delete("/entries/{id}", handleDeleteEntry(deps))
		r.Post("/ask", handleAsk(deps))
	})

	return r
}

type EntryRequest struct {
	Category string `json:"category"`
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

type EntryResponse struct {
	ID         int64  `json:"id"`
	Category   string `json:"category"`
	Question   string `json:"question"`
	Answer     string `json:"answer"`
	HasContext bool   `json:"has_context"`
	CreateTime string `json:"create_time"`
	UpdateTime string `json:"update_time"`
}

func entryResponse(e storage.KBEntry) EntryResponse {
	return EntryResponse{
		ID:         e.ID,
		Category:   e.Category,
		Question:   e.Question,
		Answer:     e.Answer,
		HasContext: e.Context != "",
		CreateTime: e.CreateTime.Format(time.RFC3339),
		UpdateTime: e.UpdateTime.Format(time.RFC3339),
	}
}

func decodeEntryRequest(w http.ResponseWriter, r *http.Request) (EntryRequest, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	defer r.Body.Close()

	var req EntryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
		return EntryRequest{}, false
	}
	if req.Category == "" || req.Question == "" || req.Answer == "" {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "category, question, and answer are required")
		return EntryRequest{}, false
	}
	return req, true
}

func handleCreateEntry(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, ok := decodeEntryRequest(w, r)
		if !ok {
			return
		}

		id, err := deps.Manager.AddWithEmbedding(r.Context(), req.Category, req.Question, req.Answer)
		var dup *kb.DuplicateError
		if errors.As(err, &dup) {
			duplicateError(w, dup)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "store_error", "creating entry: %v", err)
			return
		}

		entry, err := deps.Manager.Get(id)
		if err != nil || entry == nil {
			httpError(w, http.StatusInternalServerError, "store_error", "loading created entry")
			return
		}
		writeJSON(w, http.StatusCreated, entryResponse(*entry))
	}
}

func handleGetEntry(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		entry, err := deps.Manager.Get(id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "store_error", "loading entry: %v", err)
			return
		}
		if entry == nil {
			httpError(w, http.StatusNotFound, "not_found", "entry %d does not exist", id)
			return
		}
		writeJSON(w, http.StatusOK, entryResponse(*entry))
	}
}

func handleListEntries(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := defaultListLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid limit %q", raw)
				return
			}
			limit = n
		}

		entries, err := deps.Manager.List(r.URL.Query().Get("category"), limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "store_error", "listing entries: %v", err)
			return
		}

		out := make([]EntryResponse, 0, len(entries))
		for _, e := range entries {
			out = append(out, entryResponse(e))
		}
		writeJSON(w, http.StatusOK, map[string]any{"entries": out})
	}
}

func handleUpdateEntry(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		req, ok := decodeEntryRequest(w, r)
		if !ok {
			return
		}

		found, err := deps.Manager.UpdateWithEmbedding(r.Context(), id, req.Category, req.Question, req.Answer)
		var dup *kb.DuplicateError
		if errors.As(err, &dup) {
			duplicateError(w, dup)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "store_error", "updating entry: %v", err)
			return
		}
		if !found {
			httpError(w, http.StatusNotFound, "not_found", "entry %d does not exist", id)
			return
		}

		entry, err := deps.Manager.Get(id)
		if err != nil || entry == nil {
			httpError(w, http.StatusInternalServerError, "store_error", "loading updated entry")
			return
		}
		writeJSON(w, http.StatusOK, entryResponse(*entry))
	}
}

func handleDeleteEntry(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := pathID(w, r)
		if !ok {
			return
		}
		found, err := deps.Manager.DeleteWithSync(r.Context(), id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "store_error", "deleting entry: %v", err)
			return
		}
		if !found {
			httpError(w, http.StatusNotFound, "not_found", "entry %d does not exist", id)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"deleted": id})
	}
}

type AskRequest struct {
	Question string `json:"question"`
}

type AskResponse struct {
	Found      bool    `json:"found"`
	KBID       int64   `json:"kb_id,omitempty"`
	Answer     string  `json:"answer,omitempty"`
	Score      float64 `json:"score,omitempty"`
	Confidence string  `json:"confidence,omitempty"`
}

// handleAsk answers a free-form question from the similarity index, or
// reports not-found so the caller can fall back to human routing.
func handleAsk(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		defer r.Body.Close()

		var req AskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Question == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "question is required")
			return
		}

		match := deps.Integration.SearchSimilarContent(r.Context(), req.Question)
		if match == nil {
			writeJSON(w, http.StatusOK, AskResponse{Found: false})
			return
		}
		writeJSON(w, http.StatusOK, AskResponse{
			Found:      true,
			KBID:       match.KBID,
			Answer:     match.Answer,
			Score:      match.Score,
			Confidence: string(match.Confidence),
		})
	}
}

type HealthResponse struct {
	Status             string   `json:"status"`
	VectorEnabled      bool     `json:"vector_enabled"`
	VectorHealthy      bool     `json:"vector_healthy"`
	RecoveryQueueDepth int      `json:"recovery_queue_depth"`
	DegradedCategories []string `json:"degraded_categories,omitempty"`
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{
			Status:        "ok",
			VectorEnabled: deps.Integration.Enabled(),
		}
		if resp.VectorEnabled {
			resp.VectorHealthy = deps.Integration.Healthy(r.Context())
		}
		if deps.Queue != nil {
			resp.RecoveryQueueDepth = deps.Queue.Len()
		}
		if deps.Stats != nil {
			for _, cat := range deps.Stats.DegradedCategories() {
				resp.DegradedCategories = append(resp.DegradedCategories, string(cat))
			}
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func duplicateError(w http.ResponseWriter, dup *kb.DuplicateError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusConflict)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message":  dup.Error(),
			"type":     "duplicate",
			"kb_id":    dup.ID,
			"question": dup.Question,
			"score":    dup.Score,
		},
	})
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 1 {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid entry id %q", raw)
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
