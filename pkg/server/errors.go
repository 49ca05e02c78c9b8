package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/opta-ai/opta-lmx/pkg/agents"
	"github.com/opta-ai/opta-lmx/pkg/helpers"
	"github.com/opta-ai/opta-lmx/pkg/infra"
	"github.com/opta-ai/opta-lmx/pkg/inference"
	"github.com/opta-ai/opta-lmx/pkg/models"
	"github.com/opta-ai/opta-lmx/pkg/presets"
	"github.com/opta-ai/opta-lmx/pkg/rag"
	"github.com/opta-ai/opta-lmx/pkg/skills"
)

// Error envelope types, OpenAI style.
const (
	typeInvalidRequest = "invalid_request_error"
	typeAuthentication = "authentication_error"
	typePermission     = "permission_error"
	typeNotFound       = "not_found_error"
	typeConflict       = "conflict_error"
	typeRateLimit      = "rate_limit_error"
	typeInternal       = "internal_error"
	typeUpstream       = "upstream_error"
	typeStorage        = "insufficient_storage"
)

// apiError is the wire form every handler failure reduces to. RetryAfter
// is emitted as a Retry-After header when non-zero.
type apiError struct {
	Status     int
	Type       string
	Code       string
	Message    string
	RetryAfter int
}

// classify maps an error from any component onto the HTTP taxonomy.
// Messages pass through as-is: components already keep them free of
// secrets and of paths outside their configured roots.
func classify(err error) apiError {
	var (
		maxBytes   *http.MaxBytesError
		worker     *inference.ErrWorkerExited
		skillArgs  *skills.ValidationError
		skillQueue *skills.OverloadedError
		runQueue   *agents.RunQueueFullError
		helperDown *helpers.ErrHelperDown
	)
	switch {
	case errors.As(err, &maxBytes):
		return apiError{
			Status:  http.StatusBadRequest,
			Type:    typeInvalidRequest,
			Code:    "validation_error",
			Message: fmt.Sprintf("request body exceeds %d bytes", maxBytes.Limit),
		}
	case errors.Is(err, inference.ErrOverloaded):
		return apiError{
			Status:     http.StatusTooManyRequests,
			Type:       typeRateLimit,
			Code:       "overloaded",
			Message:    err.Error(),
			RetryAfter: 5,
		}
	case errors.As(err, &skillQueue):
		return apiError{
			Status:     http.StatusTooManyRequests,
			Type:       typeRateLimit,
			Code:       "queue_full",
			Message:    err.Error(),
			RetryAfter: skillQueue.RetryAfter,
		}
	case errors.As(err, &runQueue):
		return apiError{
			Status:     http.StatusTooManyRequests,
			Type:       typeRateLimit,
			Code:       "queue_full",
			Message:    err.Error(),
			RetryAfter: 5,
		}
	case errors.Is(err, inference.ErrModelNotFound):
		return apiError{Status: http.StatusNotFound, Type: typeNotFound, Code: "model_not_found", Message: err.Error()}
	case errors.Is(err, inference.ErrDownloadNotFound):
		return apiError{Status: http.StatusNotFound, Type: typeNotFound, Code: "download_not_found", Message: err.Error()}
	case errors.Is(err, presets.ErrNotFound):
		return apiError{Status: http.StatusNotFound, Type: typeNotFound, Code: "model_not_found", Message: err.Error()}
	case errors.Is(err, skills.ErrSkillNotFound):
		return apiError{Status: http.StatusNotFound, Type: typeNotFound, Code: "skill_not_found", Message: err.Error()}
	case errors.Is(err, agents.ErrRunNotFound):
		return apiError{Status: http.StatusNotFound, Type: typeNotFound, Code: "run_not_found", Message: err.Error()}
	case errors.Is(err, rag.ErrDisabled):
		return apiError{Status: http.StatusNotFound, Type: typeNotFound, Code: "rag_disabled", Message: err.Error()}
	case errors.Is(err, rag.ErrCollectionNotFound):
		return apiError{Status: http.StatusNotFound, Type: typeNotFound, Code: "collection_not_found", Message: err.Error()}
	case errors.Is(err, inference.ErrModelInUse):
		return apiError{Status: http.StatusConflict, Type: typeConflict, Code: "model_in_use", Message: err.Error()}
	case errors.Is(err, agents.ErrFingerprintConflict):
		return apiError{Status: http.StatusConflict, Type: typeConflict, Code: "idempotency_conflict", Message: err.Error()}
	case errors.Is(err, inference.ErrInsufficientMemory):
		return apiError{Status: http.StatusInsufficientStorage, Type: typeStorage, Code: "insufficient_memory", Message: err.Error()}
	case errors.As(err, &skillArgs):
		return apiError{Status: http.StatusBadRequest, Type: typeInvalidRequest, Code: "validation_error", Message: err.Error()}
	case errors.Is(err, models.ErrAmbiguousRef):
		return apiError{Status: http.StatusBadRequest, Type: typeInvalidRequest, Code: "validation_error", Message: err.Error()}
	case errors.Is(err, inference.ErrNotSupported):
		return apiError{Status: http.StatusBadRequest, Type: typeInvalidRequest, Code: "not_supported", Message: err.Error()}
	case errors.Is(err, infra.ErrCircuitOpen):
		return apiError{Status: http.StatusBadGateway, Type: typeUpstream, Code: "circuit_open", Message: err.Error()}
	case errors.As(err, &helperDown):
		return apiError{Status: http.StatusBadGateway, Type: typeUpstream, Code: "helper_node_error", Message: err.Error()}
	case errors.Is(err, inference.ErrLoaderCrashed):
		return apiError{Status: http.StatusInternalServerError, Type: typeInternal, Code: "model_loader_crashed", Message: err.Error()}
	case errors.Is(err, inference.ErrRuntimeIncompatible):
		return apiError{Status: http.StatusInternalServerError, Type: typeInternal, Code: "model_runtime_incompatible", Message: err.Error()}
	case errors.Is(err, inference.ErrRequestTimeout):
		return apiError{Status: http.StatusInternalServerError, Type: typeInternal, Code: "request_timeout", Message: err.Error()}
	case errors.As(err, &worker):
		// Error() carries the exit cause only; the stderr tail stays in
		// the logs.
		return apiError{Status: http.StatusInternalServerError, Type: typeInternal, Code: "worker_exited", Message: err.Error()}
	case errors.Is(err, context.Canceled):
		return apiError{Status: 499, Type: typeInvalidRequest, Code: "cancelled", Message: "request cancelled"}
	default:
		return apiError{Status: http.StatusInternalServerError, Type: typeInternal, Code: "internal_error", Message: err.Error()}
	}
}

// badRequest builds a validation failure without a source error.
func badRequest(message string) apiError {
	return apiError{Status: http.StatusBadRequest, Type: typeInvalidRequest, Code: "validation_error", Message: message}
}

// writeAPIError emits the envelope plus any Retry-After hint.
func (s *Server) writeAPIError(w http.ResponseWriter, apiErr apiError) {
	if apiErr.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(apiErr.RetryAfter))
	}
	s.sendJSON(w, apiErr.Status, map[string]interface{}{
		"error": map[string]interface{}{
			"message": apiErr.Message,
			"type":    apiErr.Type,
			"code":    apiErr.Code,
		},
	})
}

// writeError classifies err and emits it.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	s.writeAPIError(w, classify(err))
}

// sendError is the shorthand for handler-local failures.
func (s *Server) sendError(w http.ResponseWriter, status int, errType, code, message string) {
	s.writeAPIError(w, apiError{Status: status, Type: errType, Code: code, Message: message})
}
