package types

import "net/http"

// ErrorKind enumerates the rejection and failure classes reported to clients
type ErrorKind int

const (
	ErrUnauthorized ErrorKind = iota
	ErrPayloadTooLarge
	ErrExecutionFailure
	ErrExecutionTimeout
	ErrProxyForbidden
	ErrProxyUnauthorized
	ErrProxyQuotaExceeded
	ErrProxyResourceDenied
	ErrProxyUpstreamFailure
	ErrInternal
)

var errorKinds = map[ErrorKind]struct {
	label  string
	status int
}{
	ErrUnauthorized:         {"unauthorized", http.StatusUnauthorized},
	ErrPayloadTooLarge:      {"payload_too_large", http.StatusRequestEntityTooLarge},
	ErrExecutionFailure:     {"execution_failure", http.StatusBadRequest},
	ErrExecutionTimeout:     {"execution_timeout", http.StatusBadRequest},
	ErrProxyForbidden:       {"forbidden", http.StatusForbidden},
	ErrProxyUnauthorized:    {"bad_auth", http.StatusBadRequest},
	ErrProxyQuotaExceeded:   {"quota_exceeded", http.StatusBadRequest},
	ErrProxyResourceDenied:  {"resource_denied", http.StatusBadRequest},
	ErrProxyUpstreamFailure: {"upstream_failure", http.StatusInternalServerError},
	ErrInternal:             {"internal", http.StatusInternalServerError},
}

// StatusCode returns the HTTP status code for the kind
func (k ErrorKind) StatusCode() int {
	if e, ok := errorKinds[k]; ok {
		return e.status
	}
	return http.StatusInternalServerError
}

// String returns the metrics label for the kind
func (k ErrorKind) String() string {
	if e, ok := errorKinds[k]; ok {
		return e.label
	}
	return "unknown"
}

// StatusCode returns the HTTP status code for the outcome
func (o Outcome) StatusCode() int {
	switch o {
	case OutcomeFailed:
		return ErrExecutionFailure.StatusCode()
	case OutcomeKilled:
		return ErrExecutionTimeout.StatusCode()
	default:
		return http.StatusOK
	}
}
