package connection

import (
	"fmt"
	"net/http"

	"google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/protobuf/proto"

	"github.com/kapiche/gcloudoem/oem"
)

// Error is a non-2xx response from the API. It matches oem.ErrConnection.
type Error struct {
	Method     string
	StatusCode int
	// Code is the google.rpc.Code from the response body, when present.
	Code    int32
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("connection: %s: %d %s", e.Method, e.StatusCode, e.Message)
}

// Is reports whether target is oem.ErrConnection.
func (e *Error) Is(target error) bool {
	return target == oem.ErrConnection
}

// Temporary reports whether the call may succeed when retried.
func (e *Error) Temporary() bool {
	return retryableStatus(e.StatusCode)
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// responseError decodes a google.rpc.Status body, falling back to the HTTP
// status text.
func responseError(method string, code int, body []byte) *Error {
	e := &Error{Method: method, StatusCode: code, Message: http.StatusText(code)}
	var st status.Status
	if len(body) > 0 && proto.Unmarshal(body, &st) == nil && st.GetMessage() != "" {
		e.Code = st.GetCode()
		e.Message = st.GetMessage()
	}
	return e
}
