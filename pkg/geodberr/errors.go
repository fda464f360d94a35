// Package geodberr defines the closed set of error kinds returned by the geoDB client.
package geodberr

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrEmptyCredentials = errors.New("empty credentials")
	ErrUnknownAuthMode  = errors.New("unknown auth mode")
)

// AuthConfigurationError reports a strategy that cannot run with the given configuration.
// It is always returned before any network call.
type AuthConfigurationError struct {
	Mode    string
	Missing []string
	Err     error
}

func (e *AuthConfigurationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "auth configuration (%s)", e.Mode)
	if len(e.Missing) > 0 {
		fmt.Fprintf(&b, ": missing %s", strings.Join(e.Missing, ", "))
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *AuthConfigurationError) Unwrap() error { return e.Err }

// AuthTokenError carries the reason the identity provider gave for refusing an exchange.
type AuthTokenError struct {
	Status int
	Reason string
	Err    error
}

func (e *AuthTokenError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("auth token (status %d): %s", e.Status, e.Reason)
	}
	return "auth token: " + e.Reason
}

func (e *AuthTokenError) Unwrap() error { return e.Err }

type NotFoundError struct {
	Kind string // "collection" or "procedure"
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s does not exist", e.Kind, e.Name)
}

// ServerError is a non-2xx answer from the gateway or the map server.
type ServerError struct {
	Status  int
	Message string
	Body    []byte
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server status %d: %s", e.Status, e.Message)
}

type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "validation: " + e.Reason }

func Validationf(format string, args ...any) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

type InjectionGuardError struct {
	Fragment string
	Keyword  string
}

func (e *InjectionGuardError) Error() string {
	return fmt.Sprintf("query fragment rejected: contains %q", e.Keyword)
}

// TransportError means the service could not be reached at all.
type TransportError struct {
	Op  string
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Status returns the HTTP status of a ServerError anywhere in err's chain, or 0.
func Status(err error) int {
	var se *ServerError
	if errors.As(err, &se) {
		return se.Status
	}
	return 0
}

func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}
