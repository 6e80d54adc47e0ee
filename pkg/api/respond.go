package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"

	"github.com/caravel-ai/caravel/pkg/services"
)

// Every response uses the same envelope: {"success": true, "data": ...}
// on the happy path, {"success": false, "error": {code, message,
// details?}} otherwise.
type apiError struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func respond(c *gin.Context, status int, data interface{}) {
	c.JSON(status, gin.H{"success": true, "data": data})
}

func respondError(c *gin.Context, status int, code, message string, details interface{}) {
	c.AbortWithStatusJSON(status, gin.H{
		"success": false,
		"error":   apiError{Code: code, Message: message, Details: details},
	})
}

// fail translates a service error into a status code and envelope.
// Unrecognized errors map to 500 and are attached to the gin context so
// the request logger reports them.
func fail(c *gin.Context, err error) {
	var verr *services.ValidationError
	if errors.As(err, &verr) {
		respondError(c, http.StatusBadRequest, "VALIDATION_FAILED", "request validation failed", verr.Fields)
		return
	}
	if errors.Is(err, services.ErrUnauthorized) {
		respondError(c, http.StatusUnauthorized, "UNAUTHORIZED", "authentication required", nil)
		return
	}
	if errors.Is(err, services.ErrForbidden) {
		respondError(c, http.StatusForbidden, "FORBIDDEN", "insufficient permissions", nil)
		return
	}
	var nf *services.NotFoundError
	if errors.As(err, &nf) {
		respondError(c, http.StatusNotFound, "NOT_FOUND", nf.Error(), nil)
		return
	}
	var conflict *services.ConflictError
	if errors.As(err, &conflict) {
		respondError(c, http.StatusConflict, "CONFLICT", conflict.Reason, nil)
		return
	}
	var dep *services.DependencyError
	if errors.As(err, &dep) {
		respondError(c, http.StatusBadGateway, "UPSTREAM_FAILED", dep.Error(), nil)
		return
	}
	_ = c.Error(err)
	respondError(c, http.StatusInternalServerError, "INTERNAL", "internal error", nil)
}

// bindJSON decodes the request body; a malformed body is a plain 400,
// not a field-level validation error.
func bindJSON(c *gin.Context, dest interface{}) bool {
	if err := c.ShouldBindJSON(dest); err != nil {
		respondError(c, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body: "+err.Error(), nil)
		return false
	}
	return true
}

func pathID(c *gin.Context, name string) (int64, bool) {
	id, err := strconv.ParseInt(c.Param(name), 10, 64)
	if err != nil || id <= 0 {
		respondError(c, http.StatusBadRequest, "BAD_REQUEST", "invalid "+name+" path parameter", nil)
		return 0, false
	}
	return id, true
}

// queryInt64 parses an optional integer query parameter; nil means
// absent.
func queryInt64(c *gin.Context, name string) (*int64, bool) {
	raw := c.Query(name)
	if raw == "" {
		return nil, true
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		respondError(c, http.StatusBadRequest, "BAD_REQUEST", "invalid "+name+" query parameter", nil)
		return nil, false
	}
	return &v, true
}

func queryInt(c *gin.Context, name string) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return 0, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		respondError(c, http.StatusBadRequest, "BAD_REQUEST", "invalid "+name+" query parameter", nil)
		return 0, false
	}
	return v, true
}
