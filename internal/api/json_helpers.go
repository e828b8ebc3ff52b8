package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"relaycast/internal/orchestrator"
	"relaycast/internal/platform"
	"relaycast/internal/storage"
)

var (
	errInternal         = errors.New("internal error")
	errNotFound         = errors.New("not found")
	errMethodNotAllowed = errors.New("method not allowed")
)

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// WriteError is an exported helper for returning JSON API errors.
func WriteError(w http.ResponseWriter, status int, err error) {
	writeError(w, status, err)
}

// statusFor maps service errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrJobNotFound), errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrJobActive),
		errors.Is(err, orchestrator.ErrNoActiveSession),
		errors.Is(err, platform.ErrAccountTokenMissing):
		return http.StatusConflict
	case isRemoteError(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// fail aborts the request with err mapped through statusFor. Internal errors
// are logged with the request context and reported without detail.
func (h *Handler) fail(c *gin.Context, err error) {
	status := statusFor(err)
	switch status {
	case http.StatusBadGateway:
		h.requestLogger(c).Warn("remote platform call failed", "error", err)
		err = fmt.Errorf("remote platform: %s", platform.Classify(err).Description())
	case http.StatusInternalServerError:
		h.requestLogger(c).Error("request failed", "error", err)
		err = errInternal
	}
	abortWithError(c, status, err)
}

func isRemoteError(err error) bool {
	var apiErr *platform.APIError
	return errors.As(err, &apiErr)
}

func abortWithError(c *gin.Context, status int, err error) {
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

// bindJSON decodes the request body into dest, rejecting unknown fields.
func bindJSON(c *gin.Context, dest interface{}) bool {
	if c.Request.Body == nil || c.Request.ContentLength == 0 {
		abortWithError(c, http.StatusBadRequest, errors.New("request body is required"))
		return false
	}
	decoder := json.NewDecoder(c.Request.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		abortWithError(c, http.StatusBadRequest, fmt.Errorf("invalid JSON payload: %w", err))
		return false
	}
	return true
}
