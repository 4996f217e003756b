// Package upstream normalizes failures from outbound collaborators (issuer
// registry, ledger RPC, anomaly provider) so callers can pick a fallback.
package upstream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Category is the normalized failure taxonomy.
type Category string

const (
	CategoryTimeout        Category = "timeout"
	CategoryBadData        Category = "bad_data"
	CategoryAuthentication Category = "authentication"
	CategoryOutage         Category = "outage"
	CategoryNotFound       Category = "not_found"
	CategoryRateLimited    Category = "rate_limited"
	CategoryCircuitOpen    Category = "circuit_open"
	CategoryInternal       Category = "internal"
)

// Error wraps a collaborator failure with its category.
type Error struct {
	Category  Category
	Service   string
	Message   string
	Err       error
	Retryable bool
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s [%s]: %s: %v", e.Service, e.Category, e.Message, e.Err)
	}
	return fmt.Sprintf("%s [%s]: %s", e.Service, e.Category, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds an Error. Timeouts, outages and rate limiting are retryable.
func New(category Category, service, message string, err error) *Error {
	return &Error{
		Category:  category,
		Service:   service,
		Message:   message,
		Err:       err,
		Retryable: category == CategoryTimeout || category == CategoryOutage || category == CategoryRateLimited,
	}
}

// FromTransport categorizes an error returned by http.Client.Do.
func FromTransport(service string, err error) *Error {
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return New(CategoryTimeout, service, "request timed out", err)
	case errors.As(err, &netErr) && netErr.Timeout():
		return New(CategoryTimeout, service, "request timed out", err)
	default:
		return New(CategoryOutage, service, "request failed", err)
	}
}

// FromStatus categorizes a non-2xx response.
func FromStatus(service string, code int) *Error {
	msg := fmt.Sprintf("unexpected status %d", code)
	switch {
	case code == http.StatusNotFound:
		return New(CategoryNotFound, service, msg, nil)
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return New(CategoryAuthentication, service, msg, nil)
	case code == http.StatusTooManyRequests:
		return New(CategoryRateLimited, service, msg, nil)
	case code >= 500:
		return New(CategoryOutage, service, msg, nil)
	default:
		return New(CategoryBadData, service, msg, nil)
	}
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Retryable
	}
	return false
}

// CategoryOf returns the category carried by err, or CategoryInternal.
func CategoryOf(err error) Category {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Category
	}
	return CategoryInternal
}
