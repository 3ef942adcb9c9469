// Package api exposes the question pipeline over HTTP and MCP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/policyrag/policyrag/internal/blobstore"
	"github.com/policyrag/policyrag/internal/ingest"
	"github.com/policyrag/policyrag/internal/rag"
	"github.com/policyrag/policyrag/internal/search"
	"github.com/policyrag/policyrag/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB
const maxUploadSize = 50 << 20     // 50MB

// Questioner answers questions from a user's documents.
type Questioner interface {
	Search(ctx context.Context, user, query string, top int) ([]search.Document, error)
	Ask(ctx context.Context, user, question string) (rag.Answer, error)
}

// DocumentUploader stores an uploaded PDF in a user's folder.
type DocumentUploader interface {
	UploadReader(ctx context.Context, user, filename string, r io.ReaderAt, size int64) (ingest.Result, error)
}

// History is the read side of the local store.
type History interface {
	ListUploads(username string, limit int) ([]storage.Upload, error)
	ListInteractions(username string, limit, offset int) ([]storage.Interaction, error)
	GetInteraction(id string) (storage.Interaction, error)
	GetUpload(id string) (storage.Upload, error)
	DeleteInteraction(id string) error
}

type AppDeps struct {
	Questions Questioner
	Uploader  DocumentUploader // optional; if nil, POST /upload returns 503
	History   History
	Token     string
}

// AskRequest is the body of POST /ask.
type AskRequest struct {
	User     string `json:"user"`
	Question string `json:"question"`
}

// UploadResponse is returned by POST /upload.
type UploadResponse struct {
	storage.Upload
	JobID    string `json:"job_id,omitempty"`
	Reminder string `json:"reminder,omitempty"`
}

// NewHandler returns the HTTP API. Only /health is reachable without the
// bearer token.
func NewHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()
	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/upload", handleUpload(deps))
		r.Get("/search", handleSearch(deps))
		r.Post("/ask", handleAsk(deps))
		r.Get("/uploads", handleListUploads(deps))
		r.Get("/uploads/{id}", handleGetUpload(deps))
		r.Get("/interactions", handleListInteractions(deps))
		r.Get("/interactions/{id}", handleGetInteraction(deps))
		r.Delete("/interactions/{id}", handleDeleteInteraction(deps))
	})

	return r
}

func handleUpload(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Uploader == nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "uploads are not configured: set AZURE_STORAGE_ACCOUNT_URL and BLOB_CONTAINER_NAME")
			return
		}

		user, ok := requireUser(w, r.URL.Query().Get("user"))
		if !ok {
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
		file, header, err := r.FormFile("file")
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "multipart field \"file\" is required: %v", err)
			return
		}
		defer file.Close()

		if _, err := blobstore.ValidateFilename(header.Filename); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		res, err := deps.Uploader.UploadReader(r.Context(), user, header.Filename, file, header.Size)
		if errors.Is(err, ingest.ErrNotPDF) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}
		if err != nil && res.Upload.ID == "" {
			httpError(w, http.StatusBadGateway, "api_error", "upload failed: %v", err)
			return
		}
		// A stored upload whose indexer job could not be queued still succeeds.
		if err != nil {
			res.Reminder = err.Error() + ". " + ingest.ManualIndexerReminder
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(UploadResponse{Upload: res.Upload, JobID: res.JobID, Reminder: res.Reminder})
	}
}

func handleSearch(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		user, ok := requireUser(w, q.Get("user"))
		if !ok {
			return
		}
		query := strings.TrimSpace(q.Get("q"))
		if query == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "q is required")
			return
		}
		top := parseIntParam(r, "top", 0, 50)

		docs, err := deps.Questions.Search(r.Context(), user, query, top)
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "search failed: %v", err)
			return
		}
		if docs == nil {
			docs = []search.Document{}
		}
		writeJSON(w, docs)
	}
}

func handleAsk(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req AskRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		user, ok := requireUser(w, req.User)
		if !ok {
			return
		}
		if strings.TrimSpace(req.Question) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "question is required")
			return
		}

		ans, err := deps.Questions.Ask(r.Context(), user, req.Question)
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "%v", err)
			return
		}
		if ans.Sources == nil {
			ans.Sources = []string{}
		}
		writeJSON(w, ans)
	}
}

func handleListUploads(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := requireUser(w, r.URL.Query().Get("user"))
		if !ok {
			return
		}
		limit := parseIntParam(r, "limit", 20, 100)

		uploads, err := deps.History.ListUploads(user, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list uploads: %v", err)
			return
		}
		if uploads == nil {
			uploads = []storage.Upload{}
		}
		writeJSON(w, uploads)
	}
}

func handleGetUpload(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, err := deps.History.GetUpload(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "upload not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get upload: %v", err)
			return
		}
		writeJSON(w, u)
	}
}

func handleListInteractions(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, ok := requireUser(w, r.URL.Query().Get("user"))
		if !ok {
			return
		}
		limit := parseIntParam(r, "limit", 20, 100)
		offset := parseIntParam(r, "offset", 0, 0)

		interactions, err := deps.History.ListInteractions(user, limit, offset)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list interactions: %v", err)
			return
		}
		if interactions == nil {
			interactions = []storage.Interaction{}
		}
		writeJSON(w, interactions)
	}
}

func handleGetInteraction(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		interaction, err := deps.History.GetInteraction(id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "interaction not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get interaction: %v", err)
			return
		}
		writeJSON(w, interaction)
	}
}

func handleDeleteInteraction(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := deps.History.DeleteInteraction(chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "interaction not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to delete interaction: %v", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func requireUser(w http.ResponseWriter, raw string) (string, bool) {
	user, err := blobstore.ValidateUsername(raw)
	if err != nil {
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
		return "", false
	}
	return user, true
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
