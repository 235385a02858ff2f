package services

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/google/uuid"
	"goa.design/goa/v3/middleware"
)

// Error names
const (
	ErrNameNotFound   = "not_found"
	ErrNameBadRequest = "bad_request"
	ErrNameConflict   = "conflict"
	ErrNameFault      = "fault"
)

// ErrorResponse is the JSON body of every error reply, shaped like goa's
// default error response
type ErrorResponse struct {
	Name    string `json:"name"`
	ID      string `json:"id"`
	Message string `json:"message"`
	Fault   bool   `json:"fault"`
}

// requestID returns the id assigned by the RequestID middleware, or a fresh
// one when the handler runs without it
func requestID(ctx context.Context) string {
	if id, ok := ctx.Value(middleware.RequestIDKey).(string); ok && id != "" {
		return id
	}
	return uuid.NewString()
}

// writeError writes and logs an error reply. The id in the body matches the
// logged one so they can be correlated.
func writeError(logger *log.Logger, w http.ResponseWriter, r *http.Request, status int, name string, err error) {
	resp := ErrorResponse{
		Name:    name,
		ID:      requestID(r.Context()),
		Message: err.Error(),
		Fault:   status >= http.StatusInternalServerError,
	}
	logger.Printf("[%s] ERROR: %s %s: %s", resp.ID, r.Method, r.URL.Path, resp.Message)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("goa-error", name)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
