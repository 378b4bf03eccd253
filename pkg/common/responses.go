package common

import (
	"encoding/json"
	"net/http"
	"time"
)

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *ErrorInfo  `json:"error,omitempty"`
	Meta    *MetaInfo   `json:"meta,omitempty"`
}

// ErrorInfo contains error details
type ErrorInfo struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// MetaInfo contains metadata about the response. Watermark is the highest
// event sequence reflected in Data, for answers served from projections.
type MetaInfo struct {
	RequestID  string          `json:"request_id,omitempty"`
	Timestamp  string          `json:"timestamp,omitempty"`
	Watermark  *uint64         `json:"watermark,omitempty"`
	Pagination *PaginationInfo `json:"pagination,omitempty"`
}

// PaginationInfo contains pagination details
type PaginationInfo struct {
	Page       int  `json:"page"`
	PageSize   int  `json:"page_size"`
	Total      int  `json:"total"`
	TotalPages int  `json:"total_pages"`
	HasNext    bool `json:"has_next"`
	HasPrev    bool `json:"has_prev"`
}

// NewMeta stamps the request id and current time
func NewMeta(r *http.Request) *MetaInfo {
	return &MetaInfo{
		RequestID: ExtractRequestID(r),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// WithWatermark sets the watermark and returns m
func (m *MetaInfo) WithWatermark(wm uint64) *MetaInfo {
	m.Watermark = &wm
	return m
}

// RespondJSON sends a JSON response
func RespondJSON(w http.ResponseWriter, status int, data interface{}) {
	RespondWithMeta(w, status, data, nil)
}

// RespondError sends an error response
func RespondError(w http.ResponseWriter, status int, code, message string) {
	RespondErrorWithDetails(w, status, code, message, nil)
}

// RespondErrorWithDetails sends an error response with additional details
func RespondErrorWithDetails(w http.ResponseWriter, status int, code, message string, details map[string]interface{}) {
	write(w, status, APIResponse{
		Success: false,
		Error: &ErrorInfo{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

// RespondWithMeta sends a response with metadata
func RespondWithMeta(w http.ResponseWriter, status int, data interface{}, meta *MetaInfo) {
	write(w, status, APIResponse{
		Success: status >= 200 && status < 300,
		Data:    data,
		Meta:    meta,
	})
}

func write(w http.ResponseWriter, status int, response APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(response)
}

// ExtractRequestID returns the request id from the context, falling back to
// the request headers
func ExtractRequestID(r *http.Request) string {
	if id, ok := GetRequestID(r.Context()); ok {
		return id
	}
	if id := r.Header.Get("X-Request-ID"); id != "" {
		return id
	}
	return r.Header.Get("X-Amzn-Trace-Id")
}

// StandardErrorCodes defines common error codes
var StandardErrorCodes = struct {
	ValidationError    string
	NotFound           string
	Unauthorized       string
	Forbidden          string
	BadRequest         string
	TooManyRequests    string
	ServiceUnavailable string
}{
	ValidationError:    "VALIDATION_ERROR",
	NotFound:           "NOT_FOUND",
	Unauthorized:       "UNAUTHORIZED",
	Forbidden:          "FORBIDDEN",
	BadRequest:         "BAD_REQUEST",
	TooManyRequests:    "TOO_MANY_REQUESTS",
	ServiceUnavailable: "SERVICE_UNAVAILABLE",
}

// ParseJSONBody parses JSON request body with size limit
func ParseJSONBody(w http.ResponseWriter, r *http.Request, v interface{}, maxBytes int64) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)

	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}
