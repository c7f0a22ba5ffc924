package model

import (
	"errors"
	"fmt"
)

// ErrorKind classifies provider failures into a small set of categories
// suitable for retry decisions.
type ErrorKind string

const (
	// ErrorKindAuth indicates authentication or authorization failures,
	// including missing credentials. Never retryable.
	ErrorKindAuth ErrorKind = "auth"

	// ErrorKindInvalidRequest indicates the request is invalid and retrying
	// without changing it will not succeed.
	ErrorKindInvalidRequest ErrorKind = "invalid_request"

	// ErrorKindRateLimited indicates the provider is throttling requests.
	ErrorKindRateLimited ErrorKind = "rate_limited"

	// ErrorKindUnavailable indicates a transient failure (5xx, network)
	// where a retry may succeed.
	ErrorKindUnavailable ErrorKind = "unavailable"

	// ErrorKindUnknown indicates an unclassified failure.
	ErrorKindUnknown ErrorKind = "unknown"
)

var (
	// ErrMissingCredentials reports that the provider adapter was built
	// without the credentials it needs. Surfaced as a configuration error.
	ErrMissingCredentials = errors.New("missing provider credentials")

	// ErrRateLimited is matched by rate-limiting middleware to trigger
	// backoff. Provider adapters wrap throttling responses with it.
	ErrRateLimited = errors.New("provider rate limited")

	// ErrStreamingUnsupported is returned by Stream when the adapter or the
	// configured model cannot stream.
	ErrStreamingUnsupported = errors.New("streaming not supported")
)

// ProviderError describes a failure returned by a model provider. It crosses
// package boundaries so the activity layer can make structured retry
// decisions.
type ProviderError struct {
	// Provider identifies the adapter, for example "openai" or "anthropic".
	Provider string
	// HTTPStatus is the provider HTTP status when available, otherwise 0.
	HTTPStatus int
	// Kind is the coarse classification of the failure.
	Kind ErrorKind
	// Message is the provider error message when available.
	Message string
	// Err preserves the original error chain.
	Err error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if msg == "" {
		msg = "provider error"
	}
	if e.HTTPStatus > 0 {
		return fmt.Sprintf("%s %s (%d): %s", e.Provider, e.Kind, e.HTTPStatus, msg)
	}
	return fmt.Sprintf("%s %s: %s", e.Provider, e.Kind, msg)
}

// Unwrap returns the underlying provider error.
func (e *ProviderError) Unwrap() error {
	if e.Kind == ErrorKindRateLimited {
		// Keep errors.Is(err, ErrRateLimited) working for middleware.
		return ErrRateLimited
	}
	return e.Err
}

// Retryable reports whether retrying the call may succeed unchanged.
func (e *ProviderError) Retryable() bool {
	switch e.Kind {
	case ErrorKindRateLimited, ErrorKindUnavailable:
		return true
	}
	return false
}

// ClassifyStatus maps an HTTP status to an ErrorKind.
func ClassifyStatus(status int) ErrorKind {
	switch {
	case status == 401 || status == 403:
		return ErrorKindAuth
	case status == 429:
		return ErrorKindRateLimited
	case status >= 500:
		return ErrorKindUnavailable
	case status >= 400:
		return ErrorKindInvalidRequest
	}
	return ErrorKindUnknown
}

// AsProviderError returns the first ProviderError in err's chain, if any.
func AsProviderError(err error) (*ProviderError, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// Retryable reports whether err is a transient provider failure. Errors that
// are not ProviderErrors are treated as transient so network-level failures
// stay retryable.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrMissingCredentials) || errors.Is(err, ErrStreamingUnsupported) {
		return false
	}
	if pe, ok := AsProviderError(err); ok {
		return pe.Retryable()
	}
	return true
}
