package apperror

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError is a structured error that maps to HTTP responses and to the
// retry layer's transient/terminal classification.
type AppError struct {
	Code       string `json:"error_code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"-"`
	Retryable  bool   `json:"-"`
	Err        error  `json:"-"` // Wrapped internal error (not exposed to client)
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError.
func New(code string, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
	}
}

// Wrap wraps an internal error with an AppError.
func Wrap(code string, message string, httpStatus int, err error) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Err:        err,
	}
}

// IsRetryable reports whether err is a transient external failure that should
// be fed back into the retry policy. Unclassified errors are treated as
// transient: only an explicit terminal rejection stops a retry loop early.
func IsRetryable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Retryable
	}
	return true
}

// ---- Transient external failures (EXT), always retried ----

func ErrExternalTimeout(op string, err error) *AppError {
	e := Wrap("EXT_001", fmt.Sprintf("%s timed out", op), http.StatusGatewayTimeout, err)
	e.Retryable = true
	return e
}

func ErrExternalUnavailable(op string, err error) *AppError {
	e := Wrap("EXT_002", fmt.Sprintf("%s unavailable", op), http.StatusBadGateway, err)
	e.Retryable = true
	return e
}

func ErrCircuitOpen(op string) *AppError {
	e := New("EXT_003", fmt.Sprintf("circuit breaker open for %s", op), http.StatusServiceUnavailable)
	e.Retryable = true
	return e
}

func ErrEngineNotConnected() *AppError {
	e := New("EXT_004", "settlement engine not connected", http.StatusServiceUnavailable)
	e.Retryable = true
	return e
}

// ---- Terminal provider rejections (PROV), never retried automatically ----

func ErrProviderRejected(code, description string) *AppError {
	return New("PROV_001", fmt.Sprintf("provider rejected request (%s): %s", code, description), http.StatusUnprocessableEntity)
}

func ErrInvalidInvoice(err error) *AppError {
	return Wrap("PROV_002", "invalid lightning invoice", http.StatusUnprocessableEntity, err)
}

func ErrAmountOutOfLimits(amount float64) *AppError {
	return New("PROV_003", fmt.Sprintf("amount %.2f outside provider limits", amount), http.StatusBadRequest)
}

// ---- Trust-boundary rejections (SEC): request rejected, no state change ----

func ErrInvalidSignature() *AppError {
	return New("SEC_001", "Invalid callback signature", http.StatusUnauthorized)
}

func ErrMalformedCallback(err error) *AppError {
	return Wrap("SEC_002", "Malformed callback payload", http.StatusBadRequest, err)
}

// ---- Invariant violations (REC), surfaced by reconciliation ----

func ErrAmountMismatch(expected, actual int64) *AppError {
	return New("REC_001", fmt.Sprintf("settled amount %d sats outside tolerance of expected %d", actual, expected), http.StatusConflict)
}

func ErrMissingField(field string) *AppError {
	return New("REC_002", fmt.Sprintf("required field missing: %s", field), http.StatusConflict)
}

func ErrInvalidPhoneFormat(phone string) *AppError {
	return New("REC_003", fmt.Sprintf("invalid phone format: %s", phone), http.StatusConflict)
}

// ---- Not found / lookup (TXN) ----

func ErrNotFound(entity string) *AppError {
	return New("TXN_001", fmt.Sprintf("%s not found", entity), http.StatusNotFound)
}

func ErrDuplicateReceipt(receiptID string) *AppError {
	return New("TXN_002", fmt.Sprintf("receipt %s already processed", receiptID), http.StatusConflict)
}

// ---- System & Infrastructure (SYS) ----

// InternalError wraps an internal error as a SYS_001 error.
func InternalError(err error) *AppError {
	return Wrap("SYS_001", "Internal server error", http.StatusInternalServerError, err)
}
