package shared

import (
	"errors"
	"net/http"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestNewAPIError(t *testing.T) {
	err := NewAPIError("test_code", "test message")
	if err.Code != "test_code" {
		t.Errorf("expected code 'test_code', got '%s'", err.Code)
	}
	if err.Message != "test message" {
		t.Errorf("expected message 'test message', got '%s'", err.Message)
	}
	if err.Details != nil {
		t.Errorf("expected nil details, got %v", err.Details)
	}
}

func TestAPIError_WithDetails(t *testing.T) {
	err := NewAPIError("code", "message").WithDetails(map[string]int{"sessions": 2})
	d, ok := err.Details.(map[string]int)
	if !ok {
		t.Fatal("expected details to be map[string]int")
	}
	if d["sessions"] != 2 {
		t.Errorf("expected sessions 2, got %d", d["sessions"])
	}
}

func TestBadRequest(t *testing.T) {
	assertHTTPError(t, BadRequest("bad", "bad request"), http.StatusBadRequest, "bad", "bad request")
}

func TestNotFound(t *testing.T) {
	assertHTTPError(t, NotFound("notfound", "not found"), http.StatusNotFound, "notfound", "not found")
}

func TestServiceUnavailable(t *testing.T) {
	assertHTTPError(t, ServiceUnavailable("down", "not ready"), http.StatusServiceUnavailable, "down", "not ready")
}

func TestInternalError(t *testing.T) {
	assertHTTPError(t, InternalError("internal", "internal error"), http.StatusInternalServerError, "internal", "internal error")
}

func TestErrorTaxonomy(t *testing.T) {
	cause := errors.New("dial refused")

	var connectErr *ConnectError
	err := error(&ConnectError{Provider: "stt", Err: cause})
	if !errors.As(err, &connectErr) {
		t.Fatal("expected ConnectError via errors.As")
	}
	if !errors.Is(err, cause) {
		t.Error("expected ConnectError to unwrap to cause")
	}

	var protoErr *ProtocolError
	err = &ProtocolError{Source: "client", Err: cause}
	if !errors.As(err, &protoErr) || protoErr.Source != "client" {
		t.Error("expected ProtocolError via errors.As")
	}

	err = &DisconnectedError{ID: "abc"}
	if !errors.Is(err, ErrNotConnected) {
		t.Error("expected DisconnectedError to match ErrNotConnected")
	}
	if !strings.Contains(err.Error(), "abc") {
		t.Errorf("expected id in message, got %q", err.Error())
	}

	err = &TimeoutError{Op: "tts reply", After: "10s"}
	if err.Error() != "tts reply: timed out after 10s" {
		t.Errorf("unexpected timeout message %q", err.Error())
	}
}

func assertHTTPError(t *testing.T, err *echo.HTTPError, expectedStatus int, expectedCode, expectedMessage string) {
	t.Helper()
	if err.Code != expectedStatus {
		t.Errorf("expected status %d, got %d", expectedStatus, err.Code)
	}
	apiErr, ok := err.Message.(*APIError)
	if !ok {
		t.Fatal("expected message to be *APIError")
	}
	if apiErr.Code != expectedCode {
		t.Errorf("expected code '%s', got '%s'", expectedCode, apiErr.Code)
	}
	if apiErr.Message != expectedMessage {
		t.Errorf("expected message '%s', got '%s'", expectedMessage, apiErr.Message)
	}
}
