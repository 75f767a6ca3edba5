package errors

import (
	"fmt"
	"net/http"
)

type ErrorCode string

const (
	AccountNotFound     ErrorCode = "account_not_found"
	DuplicateAccount    ErrorCode = "duplicate_account"
	InsufficientFunds   ErrorCode = "insufficient_funds"
	NotEnoughCredits    ErrorCode = "not_enough_credits"
	JobNotFound         ErrorCode = "job_not_found"
	JobAlreadyFinalized ErrorCode = "job_already_finalized"
	ModelFailure        ErrorCode = "model_error"
	UnknownModel        ErrorCode = "unknown_model"
	DispatchTimeout     ErrorCode = "dispatch_timeout"
	DispatchFailed      ErrorCode = "dispatch_failed"
	InvalidInput        ErrorCode = "invalid_input"
	InvalidAmount       ErrorCode = "invalid_amount"
	Unauthorized        ErrorCode = "unauthorized"
	CannotBeginTx       ErrorCode = "cannot_begin_transaction"
	InternalError       ErrorCode = "internal_error"
)

type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details string    `json:"details,omitempty"`
}

func (e AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is reports whether target is an *AppError with the same code, so wrapped
// and freshly built errors match the predefined ones with errors.Is.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

func NewAppError(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

func NewAppErrorf(code ErrorCode, format string, args ...interface{}) *AppError {
	return &AppError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// WithDetails returns a copy carrying details; predefined errors stay untouched.
func (e *AppError) WithDetails(details string) *AppError {
	c := *e
	c.Details = details
	return &c
}

// HTTPStatus maps the error code onto the status returned by the HTTP layer.
func (e *AppError) HTTPStatus() int {
	switch e.Code {
	case AccountNotFound, JobNotFound:
		return http.StatusNotFound
	case DuplicateAccount, JobAlreadyFinalized:
		return http.StatusConflict
	case InsufficientFunds, NotEnoughCredits:
		return http.StatusPaymentRequired
	case UnknownModel, InvalidInput, InvalidAmount:
		return http.StatusBadRequest
	case Unauthorized:
		return http.StatusUnauthorized
	case DispatchTimeout:
		return http.StatusGatewayTimeout
	case DispatchFailed:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// NewModelError wraps any predictor failure into the single model error kind.
func NewModelError(message string) *AppError {
	return NewAppError(ModelFailure, message)
}

// Predefined errors for common cases
var (
	ErrAccountNotFound        = NewAppError(AccountNotFound, "account not found")
	ErrDuplicateAccount       = NewAppError(DuplicateAccount, "account already exists")
	ErrInsufficientFunds      = NewAppError(InsufficientFunds, "insufficient funds")
	ErrNotEnoughCredits       = NewAppError(NotEnoughCredits, "not enough credits")
	ErrJobNotFound            = NewAppError(JobNotFound, "job not found")
	ErrJobAlreadyFinalized    = NewAppError(JobAlreadyFinalized, "job already finalized")
	ErrModelError             = NewAppError(ModelFailure, "model inference failed")
	ErrUnknownModel           = NewAppError(UnknownModel, "unknown model")
	ErrDispatchTimeout        = NewAppError(DispatchTimeout, "prediction reply timed out")
	ErrDispatchFailed         = NewAppError(DispatchFailed, "failed to dispatch prediction")
	ErrInvalidAmount          = NewAppError(InvalidAmount, "amount must be positive")
	ErrUnauthorized           = NewAppError(Unauthorized, "missing or invalid user identity")
	ErrCannotBeginTransaction = NewAppError(CannotBeginTx, "cannot begin transaction on this executor")
)
