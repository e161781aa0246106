package consul

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrSessionRequired is returned by lock operations called without a session.
var ErrSessionRequired = errors.New("consul: session is required to acquire or release a lock")

// BadURLError reports an agent address or request path that cannot be
// turned into a request URL.
type BadURLError struct {
	Address string
	Err     error
}

func (e *BadURLError) Error() string {
	return fmt.Sprintf("consul: bad url %q: %v", e.Address, e.Err)
}

func (e *BadURLError) Unwrap() error { return e.Err }

// TransportError reports a request that never produced an HTTP response:
// DNS, connect, TLS and I/O failures, and context cancellation.
type TransportError struct {
	Method string
	URL    string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("consul: %s %s: %v", e.Method, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ServerError reports a non-2xx response. Reads that get 404 are not
// ServerErrors; writes that get 404 are.
type ServerError struct {
	StatusCode int
	Body       string
}

func (e *ServerError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("consul: server returned HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("consul: server returned HTTP %d: %s", e.StatusCode, e.Body)
}

// IndexParseError reports an X-Consul-Index header that is not a uint64.
type IndexParseError struct {
	Value string
	Err   error
}

func (e *IndexParseError) Error() string {
	return fmt.Sprintf("consul: parse X-Consul-Index %q: %v", e.Value, e.Err)
}

func (e *IndexParseError) Unwrap() error { return e.Err }

// DecodeError reports a response body that does not match the expected shape.
type DecodeError struct {
	Path string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("consul: decode response from %s: %v", e.Path, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// CheckValidationError reports a check definition rejected before it was sent.
type CheckValidationError struct {
	Field  string
	Reason string
}

func (e *CheckValidationError) Error() string {
	return fmt.Sprintf("consul: invalid check definition: %s: %s", e.Field, e.Reason)
}

// StatusCode returns the HTTP status of a *ServerError in err's chain, or 0.
func StatusCode(err error) int {
	var se *ServerError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

// IsNotFound reports whether err is a ServerError with status 404.
func IsNotFound(err error) bool {
	return StatusCode(err) == http.StatusNotFound
}
