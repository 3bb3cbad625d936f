package backend

import (
	"errors"
	"fmt"
	"net/http"
)

var ErrUpstreamNonJSON = errors.New("service returned non-JSON response")

// StatusError is returned for any non-2xx response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, http.StatusText(e.StatusCode))
}

// NonJSONError is returned when a JSON endpoint answers with another content
// type, typically a tunnel or proxy interstitial page.
type NonJSONError struct {
	ContentType string
	Snippet     string
}

func (e *NonJSONError) Error() string {
	return fmt.Sprintf("%s (content-type %q)", ErrUpstreamNonJSON, e.ContentType)
}

func (e *NonJSONError) Unwrap() error {
	return ErrUpstreamNonJSON
}
