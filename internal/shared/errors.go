package shared

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrNotConnected  = errors.New("not connected")
	ErrSessionActive = errors.New("transcription already active")
	ErrNoSession     = errors.New("no active transcription")
	ErrClosed        = errors.New("closed")
)

// ConnectError reports that a provider connection could not be established.
type ConnectError struct {
	Provider string
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("%s: connect: %v", e.Provider, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// TimeoutError reports that no reply arrived within the allowed window.
type TimeoutError struct {
	Op    string
	After string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: timed out after %s", e.Op, e.After)
}

// ProtocolError reports a malformed or unexpected message on a channel.
type ProtocolError struct {
	Source string
	Err    error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: protocol: %v", e.Source, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// DisconnectedError reports a send to a peer that is no longer live.
type DisconnectedError struct {
	ID string
}

func (e *DisconnectedError) Error() string {
	return fmt.Sprintf("connection %s: %v", e.ID, ErrNotConnected)
}

func (e *DisconnectedError) Unwrap() error { return ErrNotConnected }

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func NewAPIError(code, message string) *APIError {
	return &APIError{
		Code:    code,
		Message: message,
	}
}

func (e *APIError) WithDetails(details any) *APIError {
	e.Details = details
	return e
}

func (e *APIError) ToHTTP(status int) *echo.HTTPError {
	return echo.NewHTTPError(status, e)
}

func BadRequest(code, message string) *echo.HTTPError {
	return NewAPIError(code, message).ToHTTP(http.StatusBadRequest)
}

func NotFound(code, message string) *echo.HTTPError {
	return NewAPIError(code, message).ToHTTP(http.StatusNotFound)
}

func ServiceUnavailable(code, message string) *echo.HTTPError {
	return NewAPIError(code, message).ToHTTP(http.StatusServiceUnavailable)
}

func InternalError(code, message string) *echo.HTTPError {
	return NewAPIError(code, message).ToHTTP(http.StatusInternalServerError)
}
