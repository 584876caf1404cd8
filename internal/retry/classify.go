package retry

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/rpc"
)

// Class is the retry category of a failure.
type Class int

const (
	Ordinary Class = iota
	RateLimited
	Permanent
)

func (c Class) String() string {
	switch c {
	case Ordinary:
		return "ordinary"
	case RateLimited:
		return "rate_limited"
	case Permanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// ErrorClassifier decides how a failure is retried.
type ErrorClassifier interface {
	Classify(err error) Class
}

// ClassifierFunc adapts a function to ErrorClassifier.
type ClassifierFunc func(err error) Class

func (f ClassifierFunc) Classify(err error) Class { return f(err) }

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// MarkPermanent marks err so that no classifier retries it.
func MarkPermanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with MarkPermanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

var rateLimitMarkers = []string{"429", "too many requests", "rate limit"}

var revertMarkers = []string{"execution reverted", "revert"}

// MessageClassifier recognises rate limiting by HTTP status or message
// markers. Reverts and cancellations are never retried.
type MessageClassifier struct {
	// ExtraPermanent lists additional sentinel errors that must not be retried.
	ExtraPermanent []error
}

func (c MessageClassifier) Classify(err error) Class {
	if err == nil {
		return Ordinary
	}
	if IsPermanent(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Permanent
	}
	for _, target := range c.ExtraPermanent {
		if errors.Is(err, target) {
			return Permanent
		}
	}

	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusTooManyRequests {
		return RateLimited
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range rateLimitMarkers {
		if strings.Contains(msg, marker) {
			return RateLimited
		}
	}
	for _, marker := range revertMarkers {
		if strings.Contains(msg, marker) {
			return Permanent
		}
	}
	return Ordinary
}

// IsRateLimit reports whether the default classifier considers err rate limiting.
func IsRateLimit(err error) bool {
	return MessageClassifier{}.Classify(err) == RateLimited
}
