package apperrors

import (
	"fmt"
	"net/http"
)

type ErrorType string

const (
	ErrExtraction     ErrorType = "EXTRACTION_FAILED"
	ErrNoContext      ErrorType = "NO_ACTIVE_CONTEXT"
	ErrAnalysis       ErrorType = "ANALYSIS_FAILED"
	ErrStore          ErrorType = "STORE_FAILED"
	ErrInvalidRequest ErrorType = "INVALID_REQUEST"
	ErrInternal       ErrorType = "INTERNAL_ERROR"
	ErrNotFound       ErrorType = "NOT_FOUND"
)

// AppError is the standard error struct for the application
type AppError struct {
	Type       ErrorType `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"-"`
	Cause      error     `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func New(errType ErrorType, msg string, cause error) *AppError {
	return &AppError{
		Type:       errType,
		Message:    msg,
		Cause:      cause,
		HTTPStatus: mapTypeToStatus(errType),
	}
}

func NewNotFound(msg string) *AppError {
	return New(ErrNotFound, msg, nil)
}

func NewInvalidRequest(msg string) *AppError {
	return New(ErrInvalidRequest, msg, nil)
}

// NewStoreFailure marks a profile-storage backend failure. The request
// lifecycle drops the profile instead of failing the request.
func NewStoreFailure(cause error) *AppError {
	return New(ErrStore, "profile storage failed", cause)
}

func Wrap(err error) *AppError {
	if err == nil {
		return nil
	}
	if appErr, ok := err.(*AppError); ok {
		return appErr
	}
	return New(ErrInternal, err.Error(), err)
}

func mapTypeToStatus(t ErrorType) int {
	switch t {
	case ErrInvalidRequest:
		return http.StatusBadRequest
	case ErrNotFound:
		return http.StatusNotFound
	case ErrStore:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
