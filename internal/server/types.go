// Package server provides the HTTP ingest endpoint for content-vault.
// It includes handlers, middleware, routes, and DTOs separated from domain types.
package server

import "time"

// UploadRequest holds the non-file multipart fields of an upload.
type UploadRequest struct {
	// UserID identifies the submitting user.
	UserID string `validate:"required,max=128,excludesall=/"`
	// ContentTypeHint optionally names the content type (studio, live, daily, creative).
	ContentTypeHint string `validate:"omitempty,oneof=studio live daily creative"`
	// Feedback is an optional JSON object of style parameter values.
	Feedback string `validate:"omitempty,json"`
	// IdempotencyKey is taken from the Idempotency-Key header.
	IdempotencyKey string `validate:"omitempty,max=255,printascii"`
}

// UploadResponse is the HTTP response for a finalized run.
type UploadResponse struct {
	// Status is always "success".
	Status string `json:"status"`
	// FilePath is the key of the Final object.
	FilePath string `json:"file_path"`
	// TempURL is the time-limited access link.
	TempURL string `json:"temp_url"`
	// RunID identifies the pipeline run.
	RunID string `json:"run_id"`
	// ExpiresAt is when TempURL stops working.
	ExpiresAt time.Time `json:"expires_at"`
	// ContentType is the content type the run was classified as.
	ContentType string `json:"content_type"`
	// Replayed is true when an idempotency key matched an earlier run.
	Replayed bool `json:"replayed,omitempty"`
}

// RunResponse is the HTTP response for run lookups.
type RunResponse struct {
	ID          string     `json:"id"`
	OwnerID     string     `json:"owner_id"`
	Status      string     `json:"status"`
	Stage       string     `json:"stage,omitempty"`
	ContentType string     `json:"content_type,omitempty"`
	RawKey      string     `json:"raw_key,omitempty"`
	FinalKey    string     `json:"final_key,omitempty"`
	Attempts    int        `json:"attempts"`
	ErrorKind   string     `json:"error_kind,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// FeedbackRequest is the HTTP request body for preference feedback.
type FeedbackRequest struct {
	// Feedback maps style parameter names to observed values.
	Feedback map[string]float64 `json:"feedback" validate:"required,min=1"`
}

// ProfileResponse is the merged style profile of a user and content type.
type ProfileResponse struct {
	UserID      string             `json:"user_id"`
	ContentType string             `json:"content_type"`
	Profile     map[string]float64 `json:"profile"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the human-readable error message.
	Error string `json:"error"`
	// Code is the error code for programmatic handling.
	Code string `json:"code"`
	// RunID is set when the failure belongs to a recorded run.
	RunID string `json:"run_id,omitempty"`
}

// HealthResponse is the HTTP response for the health check endpoint.
type HealthResponse struct {
	// Status is the health status of the service.
	Status string `json:"status"`
}

// WelcomeResponse is the HTTP response for the root endpoint.
type WelcomeResponse struct {
	Message string `json:"message"`
}
