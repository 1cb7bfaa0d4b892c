package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/maauso/content-vault/internal/apperr"
	"github.com/maauso/content-vault/internal/pipeline"
	"github.com/maauso/content-vault/internal/preference"
	"github.com/maauso/content-vault/internal/storage"
)

// defaultMaxUploadBytes bounds request bodies when no limit is configured.
const defaultMaxUploadBytes = 512 << 20

// multipartMemory is how much of a multipart form is buffered in memory
// before spilling to disk.
const multipartMemory = 32 << 20

// FileStore serves objects behind signed local links.
type FileStore interface {
	VerifyLink(key, expires, signature string) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Stat(ctx context.Context, key string) (storage.ObjectInfo, error)
}

// Handlers contains the HTTP handlers for the API.
type Handlers struct {
	orch           *pipeline.Orchestrator
	learner        *preference.Learner
	files          FileStore
	validator      *validator.Validate
	logger         *slog.Logger
	maxUploadBytes int64
}

// HandlerOption is a function that configures a Handlers instance.
type HandlerOption func(*Handlers)

// WithFileStore enables GET /files for signed local links.
func WithFileStore(fs FileStore) HandlerOption {
	return func(h *Handlers) {
		h.files = fs
	}
}

// WithMaxUploadBytes limits the size of upload request bodies.
func WithMaxUploadBytes(n int64) HandlerOption {
	return func(h *Handlers) {
		if n > 0 {
			h.maxUploadBytes = n
		}
	}
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(orch *pipeline.Orchestrator, learner *preference.Learner, logger *slog.Logger, opts ...HandlerOption) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handlers{
		orch:           orch,
		learner:        learner,
		validator:      validator.New(),
		logger:         logger,
		maxUploadBytes: defaultMaxUploadBytes,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Welcome handles GET / requests.
func (h *Handlers) Welcome(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, WelcomeResponse{Message: "content-vault ingest service"})
}

// Health handles GET /health requests.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// Upload handles POST /api/v1/upload requests.
func (h *Handlers) Upload(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength > h.maxUploadBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "upload too large", "PAYLOAD_TOO_LARGE")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "upload too large", "PAYLOAD_TOO_LARGE")
			return
		}
		h.logger.Warn("failed to parse multipart form", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, "invalid multipart body", "INVALID_MULTIPART")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	req := UploadRequest{
		UserID:          strings.TrimSpace(r.FormValue("user_id")),
		ContentTypeHint: strings.ToLower(strings.TrimSpace(r.FormValue("content_type_hint"))),
		Feedback:        strings.TrimSpace(r.FormValue("feedback")),
		IdempotencyKey:  strings.TrimSpace(r.Header.Get("Idempotency-Key")),
	}
	if err := h.validator.Struct(req); err != nil {
		h.logger.Warn("request validation failed", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, err.Error(), string(apperr.KindValidation))
		return
	}

	var feedback map[string]float64
	if req.Feedback != "" {
		if err := json.Unmarshal([]byte(req.Feedback), &feedback); err != nil {
			writeError(w, http.StatusBadRequest, "feedback must be a JSON object of numbers", string(apperr.KindValidation))
			return
		}
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required", string(apperr.KindValidation))
		return
	}
	defer func() { _ = file.Close() }()

	declared := header.Header.Get("Content-Type")
	if mt, _, perr := mime.ParseMediaType(declared); perr == nil {
		declared = mt
	}

	res, err := h.orch.Submit(r.Context(), pipeline.Submission{
		Body:            file,
		Size:            header.Size,
		OwnerID:         req.UserID,
		Filename:        path.Base(header.Filename),
		DeclaredType:    declared,
		ContentTypeHint: req.ContentTypeHint,
		Feedback:        feedback,
		IdempotencyKey:  req.IdempotencyKey,
	})
	if err != nil {
		runID := ""
		if res != nil {
			runID = res.RunID
		}
		h.writeAppError(w, err, runID)
		return
	}

	writeJSON(w, http.StatusOK, UploadResponse{
		Status:      "success",
		FilePath:    res.FilePath,
		TempURL:     res.Link,
		RunID:       res.RunID,
		ExpiresAt:   res.ExpiresAt,
		ContentType: string(res.ContentType),
		Replayed:    res.Replayed,
	})
}

// GetRun handles GET /api/v1/runs/{id} requests.
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "run ID is required", "MISSING_RUN_ID")
		return
	}

	run, err := h.orch.GetRun(r.Context(), runID)
	if err != nil {
		h.writeAppError(w, err, "")
		return
	}

	resp := RunResponse{
		ID:          run.ID,
		OwnerID:     run.OwnerID,
		Status:      string(run.Status),
		Stage:       string(run.Stage),
		ContentType: string(run.ContentType),
		RawKey:      run.Source.Key,
		FinalKey:    run.Final.Key,
		Attempts:    run.Attempts,
		ErrorKind:   string(run.ErrorKind),
		Error:       run.Error,
		CreatedAt:   run.CreatedAt,
	}
	if !run.CompletedAt.IsZero() {
		completed := run.CompletedAt
		resp.CompletedAt = &completed
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetPreferences handles GET /api/v1/preferences/{user_id}/{content_type} requests.
func (h *Handlers) GetPreferences(w http.ResponseWriter, r *http.Request) {
	userID, ct, ok := h.profilePath(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, ProfileResponse{
		UserID:      userID,
		ContentType: string(ct),
		Profile:     h.learner.GetProfile(r.Context(), userID, ct),
	})
}

// SubmitFeedback handles POST /api/v1/preferences/{user_id}/{content_type}/feedback requests.
func (h *Handlers) SubmitFeedback(w http.ResponseWriter, r *http.Request) {
	userID, ct, ok := h.profilePath(w, r)
	if !ok {
		return
	}

	var req FeedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("failed to decode request body", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, "invalid JSON body", "INVALID_JSON")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), string(apperr.KindValidation))
		return
	}

	profile, err := h.learner.UpdateFromFeedback(r.Context(), userID, ct, req.Feedback)
	if err != nil {
		h.writeAppError(w, err, "")
		return
	}
	writeJSON(w, http.StatusOK, ProfileResponse{
		UserID:      userID,
		ContentType: string(ct),
		Profile:     profile,
	})
}

func (h *Handlers) profilePath(w http.ResponseWriter, r *http.Request) (string, preference.ContentType, bool) {
	userID := strings.TrimSpace(r.PathValue("user_id"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user ID is required", string(apperr.KindValidation))
		return "", "", false
	}
	ct, err := preference.ParseContentType(r.PathValue("content_type"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), string(apperr.KindValidation))
		return "", "", false
	}
	return userID, ct, true
}

// ServeFile handles GET /files/{key...} requests for signed local links.
func (h *Handlers) ServeFile(w http.ResponseWriter, r *http.Request) {
	if h.files == nil {
		writeError(w, http.StatusNotFound, "file serving is disabled", string(apperr.KindNotFound))
		return
	}

	key := r.PathValue("key")
	q := r.URL.Query()
	if err := h.files.VerifyLink(key, q.Get("expires"), q.Get("signature")); err != nil {
		code := "INVALID_SIGNATURE"
		if errors.Is(err, storage.ErrLinkExpired) {
			code = "LINK_EXPIRED"
		}
		writeError(w, http.StatusForbidden, "link is invalid or expired", code)
		return
	}

	info, err := h.files.Stat(r.Context(), key)
	if err != nil {
		h.writeAppError(w, err, "")
		return
	}
	rc, err := h.files.Open(r.Context(), key)
	if err != nil {
		h.writeAppError(w, err, "")
		return
	}
	defer func() { _ = rc.Close() }()

	if info.ContentType != "" {
		w.Header().Set("Content-Type", info.ContentType)
	} else {
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	w.Header().Set("Content-Length", strconv.FormatInt(info.Size, 10))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": path.Base(key)}))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Warn("file transfer interrupted",
			slog.String("key", key),
			slog.String("error", err.Error()),
		)
	}
}

// writeAppError maps a classified error to its HTTP status and public message.
func (h *Handlers) writeAppError(w http.ResponseWriter, err error, runID string) {
	kind := apperr.KindOf(err)
	status := apperr.MetadataFor(kind).HTTPStatus
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			slog.String("kind", string(kind)),
			slog.String("run_id", runID),
			slog.String("error", err.Error()),
		)
	}
	writeJSON(w, status, ErrorResponse{
		Error: apperr.PublicMessage(err),
		Code:  string(kind),
		RunID: runID,
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
	}
}

// writeError writes an error response in the standard format.
func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}
