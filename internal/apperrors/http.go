package apperrors

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
)

// ErrorCode represents application-specific error codes surfaced to clients.
type ErrorCode string

const (
	ErrorCodeUnknown               ErrorCode = "UNKNOWN"
	ErrorCodeInvalidRequest        ErrorCode = "INVALID_REQUEST"
	ErrorCodeInternalError         ErrorCode = "INTERNAL_ERROR"
	ErrorCodeUnauthorized          ErrorCode = "UNAUTHORIZED"
	ErrorCodeForbidden             ErrorCode = "FORBIDDEN"
	ErrorCodeNotFound              ErrorCode = "NOT_FOUND"
	ErrorCodeAlreadyExists         ErrorCode = "ALREADY_EXISTS"
	ErrorCodeTransientConflict     ErrorCode = "TRANSIENT_CONFLICT"
	ErrorCodeWriteBlocked          ErrorCode = "WRITE_BLOCKED"
	ErrorCodeMigrationPrecondition ErrorCode = "MIGRATION_PRECONDITION"
)

// ErrorResponse is the standard JSON error body.
type ErrorResponse struct {
	Status    string    `json:"status"`
	ErrorCode ErrorCode `json:"error_code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
}

// Handler translates coordinator errors into HTTP responses.
type Handler struct {
	logger *zap.Logger
}

// NewHandler creates a new error handler.
func NewHandler(logger *zap.Logger) *Handler {
	return &Handler{logger: logger}
}

// HandleError processes an error and writes the appropriate HTTP response.
func (h *Handler) HandleError(w http.ResponseWriter, r *http.Request, err error) {
	code := Code(err)
	requestID := r.Header.Get("X-Request-ID")

	if code == codes.Internal {
		h.logger.Error("Internal error handling request",
			zap.String("path", r.URL.Path),
			zap.String("request_id", requestID),
			zap.Error(err))
	}

	ec := errorCode(code)
	if errors.Is(err, ErrMigrationPrecondition) {
		ec = ErrorCodeMigrationPrecondition
	}
	h.WriteErrorResponse(w, httpStatus(code), ec, err.Error(), requestID)
}

// WriteValidationError writes a 400 response for a malformed request.
func (h *Handler) WriteValidationError(w http.ResponseWriter, message, requestID string) {
	h.WriteErrorResponse(w, http.StatusBadRequest, ErrorCodeInvalidRequest, message, requestID)
}

// WriteErrorResponse writes a structured error response.
func (h *Handler) WriteErrorResponse(w http.ResponseWriter, statusCode int, errCode ErrorCode, message, requestID string) {
	resp := ErrorResponse{
		Status:    "error",
		ErrorCode: errCode,
		Message:   message,
		Retryable: errCode == ErrorCodeTransientConflict,
		RequestID: requestID,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Error("Failed to encode error response", zap.Error(err))
	}
}

func httpStatus(code codes.Code) int {
	switch code {
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.NotFound:
		return http.StatusNotFound
	case codes.AlreadyExists:
		return http.StatusConflict
	case codes.Aborted:
		return http.StatusConflict
	case codes.FailedPrecondition:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func errorCode(code codes.Code) ErrorCode {
	switch code {
	case codes.InvalidArgument:
		return ErrorCodeInvalidRequest
	case codes.Unauthenticated:
		return ErrorCodeUnauthorized
	case codes.PermissionDenied:
		return ErrorCodeForbidden
	case codes.NotFound:
		return ErrorCodeNotFound
	case codes.AlreadyExists:
		return ErrorCodeAlreadyExists
	case codes.Aborted:
		return ErrorCodeTransientConflict
	case codes.FailedPrecondition:
		return ErrorCodeWriteBlocked
	default:
		return ErrorCodeInternalError
	}
}
