package ai

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrUnsupportedMedia means the provider rejected the input itself; retrying cannot help.
var ErrUnsupportedMedia = errors.New("unsupported media")

// APIError is a non-2xx response from a provider.
type APIError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s api error (%d): %s", e.Provider, e.StatusCode, e.Message)
}

// Temporary reports whether the request may succeed when repeated.
func (e *APIError) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500 || e.StatusCode == http.StatusRequestTimeout
}
