package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies a failed model call. Only KindNetworkUnavailable
// and KindRateLimited are safe to retry automatically; KindAuthInvalid
// must surface to the user immediately.
type ErrorKind int

const (
	// KindProviderError is any provider-side failure not covered below.
	KindProviderError ErrorKind = iota

	// KindNetworkUnavailable is a transport-level failure (refused
	// connection, reset, DNS failure, timeout).
	KindNetworkUnavailable

	// KindAuthInvalid is a bad or missing credential.
	KindAuthInvalid

	// KindRateLimited is provider throttling.
	KindRateLimited
)

// String returns the kind name for logs and user-facing messages.
func (k ErrorKind) String() string {
	switch k {
	case KindNetworkUnavailable:
		return "network_unavailable"
	case KindAuthInvalid:
		return "auth_invalid"
	case KindRateLimited:
		return "rate_limited"
	default:
		return "provider_error"
	}
}

// Retryable reports whether a bounded automatic retry is appropriate.
func (k ErrorKind) Retryable() bool {
	return k == KindNetworkUnavailable || k == KindRateLimited
}

// Error wraps a provider error with its classification.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("model call failed (%s): %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the classification from err, classifying on the fly
// when err was not produced by this package.
func KindOf(err error) ErrorKind {
	var lerr *Error
	if errors.As(err, &lerr) {
		return lerr.Kind
	}
	return classify(err)
}

// wrap attaches a classification to a raw provider error.
func wrap(err error) error {
	if err == nil {
		return nil
	}
	var lerr *Error
	if errors.As(err, &lerr) {
		return err
	}
	return &Error{Kind: classify(err), Err: err}
}

// errorPatterns groups error substrings by kind, matched
// case-insensitively against err.Error().
//
// String matching is deliberate: Genkit and the provider SDKs do not
// expose typed errors for these conditions. Re-evaluate when they do.
var errorPatterns = []struct {
	kind     ErrorKind
	patterns []string
}{
	{KindAuthInvalid, []string{"401", "403", "api key", "unauthenticated", "unauthorized", "permission denied", "invalid authentication"}},
	{KindRateLimited, []string{"429", "rate limit", "quota exceeded", "resource exhausted", "too many requests"}},
	{KindNetworkUnavailable, []string{"connection refused", "connection reset", "no such host", "network is unreachable", "timeout", "deadline exceeded", "broken pipe", "eof"}},
}

func classify(err error) ErrorKind {
	if err == nil {
		return KindProviderError
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindNetworkUnavailable
	}

	msg := strings.ToLower(err.Error())
	for _, group := range errorPatterns {
		for _, p := range group.patterns {
			if strings.Contains(msg, p) {
				return group.kind
			}
		}
	}
	return KindProviderError
}
