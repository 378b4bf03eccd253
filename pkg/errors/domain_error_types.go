package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// DomainErrorType represents the category of domain error
type DomainErrorType string

const (
	// DomainValidationError indicates the command was rejected by the aggregate.
	// The caller can fix the command and resubmit.
	DomainValidationError DomainErrorType = "VALIDATION_ERROR"

	// DomainNotFoundError indicates a referenced graph does not exist
	DomainNotFoundError DomainErrorType = "NOT_FOUND"

	// DomainConcurrencyError indicates an optimistic concurrency conflict on append
	DomainConcurrencyError DomainErrorType = "CONCURRENCY_ERROR"

	// DomainIntegrityError indicates a broken hash chain. Always fatal for the stream.
	DomainIntegrityError DomainErrorType = "INTEGRITY_ERROR"

	// DomainInfrastructureError indicates an infrastructure-level failure
	DomainInfrastructureError DomainErrorType = "INFRASTRUCTURE_ERROR"

	// DomainAuthenticationError indicates authentication failure
	DomainAuthenticationError DomainErrorType = "AUTHENTICATION_ERROR"

	// DomainTimeoutError indicates operation timeout
	DomainTimeoutError DomainErrorType = "TIMEOUT_ERROR"
)

// DomainError represents a domain-specific error with rich context
type DomainError struct {
	Type       DomainErrorType        `json:"type"`
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Cause      error                  `json:"-"`
	Retryable  bool                   `json:"retryable"`
	StatusCode int                    `json:"status_code"`
}

// NewDomainError creates a new domain error
func NewDomainError(errorType DomainErrorType, code string, message string) *DomainError {
	return &DomainError{
		Type:       errorType,
		Code:       code,
		Message:    message,
		Details:    make(map[string]interface{}),
		Retryable:  false,
		StatusCode: domainErrorTypeToStatusCode(errorType),
	}
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Type, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Type, e.Code, e.Message)
}

// WithCause adds a cause to the error
func (e *DomainError) WithCause(cause error) *DomainError {
	e.Cause = cause
	return e
}

// WithDetail adds a detail to the error
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	e.Details[key] = value
	return e
}

// WithRetryable sets whether the error is retryable
func (e *DomainError) WithRetryable(retryable bool) *DomainError {
	e.Retryable = retryable
	return e
}

// Is reports whether target has the same type and code.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Type == t.Type && e.Code == t.Code
}

// Unwrap returns the underlying cause
func (e *DomainError) Unwrap() error {
	return e.Cause
}

// clone returns a fresh copy of a sentinel so details never leak between callers.
func (e *DomainError) clone() *DomainError {
	c := NewDomainError(e.Type, e.Code, e.Message)
	c.Retryable = e.Retryable
	return c
}

// domainErrorTypeToStatusCode maps error types to HTTP status codes
func domainErrorTypeToStatusCode(errorType DomainErrorType) int {
	switch errorType {
	case DomainValidationError:
		return 422 // Unprocessable Entity
	case DomainNotFoundError:
		return 404 // Not Found
	case DomainConcurrencyError:
		return 409 // Conflict
	case DomainIntegrityError:
		return 423 // Locked
	case DomainAuthenticationError:
		return 401 // Unauthorized
	case DomainTimeoutError:
		return 504 // Gateway Timeout
	case DomainInfrastructureError:
		return 503 // Service Unavailable
	default:
		return 500 // Internal Server Error
	}
}

// Sentinels. Match with errors.Is; construct with the functions below.
var (
	ErrNodeNotFound = NewDomainError(
		DomainValidationError,
		"NODE_NOT_FOUND",
		"The referenced node does not exist",
	)

	ErrEdgeNotFound = NewDomainError(
		DomainValidationError,
		"EDGE_NOT_FOUND",
		"The referenced edge does not exist",
	)

	ErrSelfLoopNotAllowed = NewDomainError(
		DomainValidationError,
		"SELF_LOOP_NOT_ALLOWED",
		"Cannot connect a node to itself",
	)

	ErrDuplicateEdgeNotAllowed = NewDomainError(
		DomainValidationError,
		"DUPLICATE_EDGE_NOT_ALLOWED",
		"An edge between these nodes already exists",
	)

	ErrNodeLimitExceeded = NewDomainError(
		DomainValidationError,
		"NODE_LIMIT_EXCEEDED",
		"Maximum number of nodes in graph exceeded",
	)

	ErrEdgeLimitExceeded = NewDomainError(
		DomainValidationError,
		"EDGE_LIMIT_EXCEEDED",
		"Maximum number of edges in graph exceeded",
	)

	ErrNodeAlreadyExists = NewDomainError(
		DomainValidationError,
		"NODE_ALREADY_EXISTS",
		"A node with this id already exists",
	)

	ErrInvalidNodePosition = NewDomainError(
		DomainValidationError,
		"INVALID_NODE_POSITION",
		"Node position coordinates must be finite",
	)

	ErrInvalidNodeContent = NewDomainError(
		DomainValidationError,
		"INVALID_NODE_CONTENT",
		"Node content is invalid",
	)

	ErrInvalidRelationship = NewDomainError(
		DomainValidationError,
		"INVALID_RELATIONSHIP",
		"Edge relationship is invalid",
	)

	ErrInvalidCommand = NewDomainError(
		DomainValidationError,
		"INVALID_COMMAND",
		"The command is malformed",
	)

	ErrAppendTooLarge = NewDomainError(
		DomainValidationError,
		"APPEND_TOO_LARGE",
		"The command produces more events than one append can hold",
	)

	ErrTagNotFound = NewDomainError(
		DomainValidationError,
		"TAG_NOT_FOUND",
		"The graph does not carry this tag",
	)

	ErrGraphNotFound = NewDomainError(
		DomainNotFoundError,
		"GRAPH_NOT_FOUND",
		"The requested graph does not exist",
	)

	ErrGraphAlreadyExists = NewDomainError(
		DomainValidationError,
		"GRAPH_ALREADY_EXISTS",
		"The graph has already been created",
	)

	ErrGraphDeleted = NewDomainError(
		DomainValidationError,
		"GRAPH_DELETED",
		"The graph has been deleted",
	)

	ErrConcurrencyConflict = NewDomainError(
		DomainConcurrencyError,
		"CONCURRENCY_CONFLICT",
		"The stream was modified by another writer",
	).WithRetryable(true)

	ErrChainIntegrityViolation = NewDomainError(
		DomainIntegrityError,
		"CHAIN_INTEGRITY_VIOLATION",
		"Event hash chain verification failed",
	)

	ErrStreamQuarantined = NewDomainError(
		DomainIntegrityError,
		"STREAM_QUARANTINED",
		"The stream is quarantined after an integrity violation",
	)

	ErrStorageUnavailable = NewDomainError(
		DomainInfrastructureError,
		"STORAGE_UNAVAILABLE",
		"Event storage is unavailable",
	).WithRetryable(true)

	ErrStorageTimeout = NewDomainError(
		DomainTimeoutError,
		"STORAGE_TIMEOUT",
		"Event storage operation timed out",
	).WithRetryable(true)

	ErrInvalidToken = NewDomainError(
		DomainAuthenticationError,
		"INVALID_TOKEN",
		"The bearer token is invalid",
	)
)

func NodeNotFound(nodeID string) *DomainError {
	return ErrNodeNotFound.clone().WithDetail("node_id", nodeID)
}

func EdgeNotFound(edgeID string) *DomainError {
	return ErrEdgeNotFound.clone().WithDetail("edge_id", edgeID)
}

func SelfLoopNotAllowed(nodeID string) *DomainError {
	return ErrSelfLoopNotAllowed.clone().WithDetail("node_id", nodeID)
}

func DuplicateEdgeNotAllowed(source, target string) *DomainError {
	return ErrDuplicateEdgeNotAllowed.clone().
		WithDetail("source", source).
		WithDetail("target", target)
}

func NodeLimitExceeded(limit int) *DomainError {
	return ErrNodeLimitExceeded.clone().WithDetail("limit", limit)
}

func EdgeLimitExceeded(limit int) *DomainError {
	return ErrEdgeLimitExceeded.clone().WithDetail("limit", limit)
}

func NodeAlreadyExists(nodeID string) *DomainError {
	return ErrNodeAlreadyExists.clone().WithDetail("node_id", nodeID)
}

func InvalidNodePosition() *DomainError {
	return ErrInvalidNodePosition.clone()
}

// InvalidNodeContent reports which field of the content failed.
func InvalidNodeContent(field, reason string) *DomainError {
	return ErrInvalidNodeContent.clone().
		WithDetail("field", field).
		WithDetail("reason", reason)
}

func InvalidRelationship(reason string) *DomainError {
	return ErrInvalidRelationship.clone().WithDetail("reason", reason)
}

func InvalidCommand(reason string) *DomainError {
	return ErrInvalidCommand.clone().WithDetail("reason", reason)
}

// AppendTooLarge reports a batch the storage backend cannot write atomically.
func AppendTooLarge(graphID string, events, limit int) *DomainError {
	return ErrAppendTooLarge.clone().
		WithDetail("graph_id", graphID).
		WithDetail("events", events).
		WithDetail("limit", limit)
}

func TagNotFound(tag string) *DomainError {
	return ErrTagNotFound.clone().WithDetail("tag", tag)
}

func GraphNotFound(graphID string) *DomainError {
	return ErrGraphNotFound.clone().WithDetail("graph_id", graphID)
}

func GraphAlreadyExists(graphID string) *DomainError {
	return ErrGraphAlreadyExists.clone().WithDetail("graph_id", graphID)
}

func GraphDeleted(graphID string) *DomainError {
	return ErrGraphDeleted.clone().WithDetail("graph_id", graphID)
}

// ConcurrencyConflict reports the expected and actual tail sequence of a stream.
func ConcurrencyConflict(graphID string, expected, actual uint64) *DomainError {
	return ErrConcurrencyConflict.clone().
		WithDetail("graph_id", graphID).
		WithDetail("expected_version", expected).
		WithDetail("actual_version", actual)
}

// ChainIntegrityViolation reports the first sequence at which verification failed.
func ChainIntegrityViolation(graphID string, sequence uint64, reason string) *DomainError {
	return ErrChainIntegrityViolation.clone().
		WithDetail("graph_id", graphID).
		WithDetail("sequence", sequence).
		WithDetail("reason", reason)
}

func StreamQuarantined(graphID string, cause error) *DomainError {
	return ErrStreamQuarantined.clone().WithDetail("graph_id", graphID).WithCause(cause)
}

// StorageUnavailable wraps a backend failure as a retryable infrastructure error.
func StorageUnavailable(operation string, cause error) *DomainError {
	return ErrStorageUnavailable.clone().WithDetail("operation", operation).WithCause(cause)
}

func StorageTimeout(operation string, cause error) *DomainError {
	return ErrStorageTimeout.clone().WithDetail("operation", operation).WithCause(cause)
}

// GetDomainError extracts a DomainError from an error chain
func GetDomainError(err error) *DomainError {
	var de *DomainError
	if errors.As(err, &de) {
		return de
	}
	return nil
}

// IsDomainType checks whether err carries a DomainError of the given type.
func IsDomainType(err error, t DomainErrorType) bool {
	de := GetDomainError(err)
	return de != nil && de.Type == t
}

// IsValidationFailure reports a command rejected by the aggregate.
func IsValidationFailure(err error) bool {
	de := GetDomainError(err)
	return de != nil && (de.Type == DomainValidationError || de.Type == DomainNotFoundError)
}

func IsConcurrencyConflict(err error) bool {
	return errors.Is(err, ErrConcurrencyConflict)
}

func IsIntegrityViolation(err error) bool {
	return IsDomainType(err, DomainIntegrityError)
}

// IsRetryable reports whether the command handler may retry after err.
func IsRetryable(err error) bool {
	de := GetDomainError(err)
	return de != nil && de.Retryable
}

// ValidationErrors aggregates multiple validation errors
type ValidationErrors struct {
	Errors []*DomainError `json:"errors"`
}

// NewValidationErrors creates a new validation errors collection
func NewValidationErrors() *ValidationErrors {
	return &ValidationErrors{
		Errors: make([]*DomainError, 0),
	}
}

// Add adds a validation error
func (v *ValidationErrors) Add(field string, message string) {
	err := NewDomainError(DomainValidationError, "FIELD_VALIDATION_ERROR", message).
		WithDetail("field", field)
	v.Errors = append(v.Errors, err)
}

// HasErrors returns true if there are validation errors
func (v *ValidationErrors) HasErrors() bool {
	return len(v.Errors) > 0
}

// Error implements the error interface
func (v *ValidationErrors) Error() string {
	if len(v.Errors) == 0 {
		return ""
	}

	messages := make([]string, len(v.Errors))
	for i, err := range v.Errors {
		messages[i] = err.Message
	}
	return fmt.Sprintf("Validation failed: %s", strings.Join(messages, "; "))
}

// DomainErrorResponse represents the API error response format for domain errors
type DomainErrorResponse struct {
	Error     bool                   `json:"error"`
	Type      DomainErrorType        `json:"type"`
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	RequestID string                 `json:"request_id,omitempty"`
	Timestamp string                 `json:"timestamp"`
}

// NewDomainErrorResponse creates an error response from a domain error
func NewDomainErrorResponse(err *DomainError, requestID string) *DomainErrorResponse {
	return &DomainErrorResponse{
		Error:     true,
		Type:      err.Type,
		Code:      err.Code,
		Message:   err.Message,
		Details:   err.Details,
		Retryable: err.Retryable,
		RequestID: requestID,
		Timestamp: fmt.Sprintf("%d", timeNow().Unix()),
	}
}

// Helper function for testing (can be mocked)
var timeNow = func() time.Time {
	return time.Now()
}
