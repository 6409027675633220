package fetch

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidURL is returned before any network call when the URL cannot be
	// parsed or does not use the https scheme.
	ErrInvalidURL = errors.New("invalid url")

	// ErrTooManyRedirects is returned when a fetch follows more redirects than
	// the fetcher allows.
	ErrTooManyRedirects = errors.New("too many redirects")
)

// StatusError reports a response that was neither 2xx nor a followed redirect.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("bad status %d from %s", e.Code, e.URL)
}

// TransportError wraps a network-level failure while sending the request or
// reading the response body.
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error for %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ExhaustedRetriesError is returned by FetchWithRetries once every try failed.
// Last holds the error of the final attempt.
type ExhaustedRetriesError struct {
	Tries int
	Last  error
}

func (e *ExhaustedRetriesError) Error() string {
	return fmt.Sprintf("fetch failed after %d tries: %v", e.Tries, e.Last)
}

func (e *ExhaustedRetriesError) Unwrap() error { return e.Last }
