// Package apperr defines the closed set of error kinds used across srg.
// Every error that can cross a component boundary carries a stable code, a
// human message, and a recovery hint; the HTTP layer serializes them into the
// wire envelope without inspecting component internals.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Stable error codes. These are part of the external contract and must not
// be renamed.
const (
	CodeInvoiceNotFound         = "INVOICE_NOT_FOUND"
	CodeDocumentNotFound        = "DOCUMENT_NOT_FOUND"
	CodeSessionNotFound         = "SESSION_NOT_FOUND"
	CodeMaterialNotFound        = "MATERIAL_NOT_FOUND"
	CodeReminderNotFound        = "REMINDER_NOT_FOUND"
	CodeCompanyDocumentNotFound = "COMPANY_DOCUMENT_NOT_FOUND"
	CodeParsingFailed           = "PARSING_FAILED"
	CodeLLMUnavailable          = "LLM_UNAVAILABLE"
	CodeLLMTimeout              = "LLM_TIMEOUT"
	CodeCircuitBreakerOpen      = "CIRCUIT_BREAKER_OPEN"
	CodeDatabaseError           = "DATABASE_ERROR"
	CodeEmbeddingError          = "EMBEDDING_ERROR"
	CodeValidationError         = "VALIDATION_ERROR"
	CodeDuplicateDocument       = "DUPLICATE_DOCUMENT"
	CodeInsufficientStock       = "INSUFFICIENT_STOCK"
	CodeIndexNotReady           = "INDEX_NOT_READY"
	CodeInventoryItemNotFound   = "INVENTORY_ITEM_NOT_FOUND"
	CodeSalesError              = "SALES_ERROR"
	CodeConfigError             = "CONFIG_ERROR"
)

// Error is the single error type crossing component boundaries.
type Error struct {
	Code    string
	Message string
	Hint    string
	Detail  map[string]interface{}
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the nested cause for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.cause }

// WithHint returns a copy of the error with a recovery hint attached.
func (e *Error) WithHint(hint string) *Error {
	cp := *e
	cp.Hint = hint
	return &cp
}

// WithDetail attaches a key/value to the error detail map.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	cp := *e
	if cp.Detail == nil {
		cp.Detail = make(map[string]interface{})
	} else {
		d := make(map[string]interface{}, len(cp.Detail)+1)
		for k, v := range cp.Detail {
			d[k] = v
		}
		cp.Detail = d
	}
	cp.Detail[key] = value
	return &cp
}

// New creates an error with a stable code and message.
func New(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates an error with a stable code wrapping a cause.
func Wrap(code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// NotFound builds the per-entity not-found errors.
func NotFound(code string, entity string, id interface{}) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf("%s %v not found", entity, id),
		Hint:    "verify the id and retry",
	}
}

// Database wraps a storage error. Storage errors are never swallowed; they
// surface as 5xx with DATABASE_ERROR.
func Database(op string, cause error) *Error {
	return &Error{
		Code:    CodeDatabaseError,
		Message: fmt.Sprintf("database operation failed: %s", op),
		cause:   cause,
	}
}

// Validation builds a 422-class input error.
func Validation(message string) *Error {
	return &Error{Code: CodeValidationError, Message: message, Hint: "fix the request payload and retry"}
}

// CodeOf extracts the stable code from any error, defaulting to DATABASE_ERROR
// for unknown storage-ish failures is the caller's call; unknown errors map to
// an empty string here.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Is reports whether err carries the given stable code.
func Is(err error, code string) bool {
	return CodeOf(err) == code
}

// HTTPStatus maps a stable code to an HTTP status.
func HTTPStatus(code string) int {
	switch code {
	case CodeInvoiceNotFound, CodeDocumentNotFound, CodeSessionNotFound,
		CodeMaterialNotFound, CodeReminderNotFound, CodeCompanyDocumentNotFound,
		CodeInventoryItemNotFound:
		return http.StatusNotFound
	case CodeValidationError:
		return http.StatusUnprocessableEntity
	case CodeDuplicateDocument:
		return http.StatusConflict
	case CodeInsufficientStock:
		return http.StatusConflict
	case CodeParsingFailed:
		return http.StatusUnprocessableEntity
	case CodeLLMUnavailable, CodeCircuitBreakerOpen, CodeIndexNotReady:
		return http.StatusServiceUnavailable
	case CodeLLMTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Envelope is the bit-exact wire format for errors.
type Envelope struct {
	ErrorCode string                 `json:"error_code"`
	Message   string                 `json:"message"`
	Hint      string                 `json:"hint"`
	Detail    map[string]interface{} `json:"detail,omitempty"`
	Path      string                 `json:"path"`
	Timestamp string                 `json:"timestamp"`
}

// ToEnvelope converts any error into the wire envelope. Unknown errors are
// reported as DATABASE_ERROR without leaking internals.
func ToEnvelope(err error, path string) Envelope {
	var e *Error
	if !errors.As(err, &e) {
		e = &Error{Code: CodeDatabaseError, Message: "internal error"}
	}
	return Envelope{
		ErrorCode: e.Code,
		Message:   e.Message,
		Hint:      e.Hint,
		Detail:    e.Detail,
		Path:      path,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}
