package httpclient

import (
	"fmt"
	"net/http"

	"github.com/tidwall/gjson"
)

// errorBodyLimit bounds how much of an error response is read
const errorBodyLimit = 4 << 10

// HTTPError is a non-2xx answer from the remote
type HTTPError struct {
	StatusCode int
	URL        string
	// Code is the WordPress REST error code, e.g. rest_invalid_param
	Code string
	// Message is the REST error message, or the status text when the body has none
	Message string
}

// Error returns the error message
func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("HTTP %d for URL %s: %s (%s)", e.StatusCode, e.URL, e.Message, e.Code)
	}
	return fmt.Sprintf("HTTP %d for URL %s: %s", e.StatusCode, e.URL, e.Message)
}

// Temporary reports whether the remote may answer differently on a later attempt.
func (e *HTTPError) Temporary() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// NewHTTPError builds the error for a response, reading code and message from a
// {"code": ..., "message": ...} body when there is one
func NewHTTPError(statusCode int, url string, body []byte) *HTTPError {
	e := &HTTPError{
		StatusCode: statusCode,
		URL:        url,
		Message:    http.StatusText(statusCode),
	}
	if !gjson.ValidBytes(body) {
		return e
	}
	parsed := gjson.ParseBytes(body)
	if code := parsed.Get("code"); code.Type == gjson.String {
		e.Code = code.Str
	}
	if msg := parsed.Get("message"); msg.Type == gjson.String && msg.Str != "" {
		e.Message = msg.Str
	}
	return e
}
