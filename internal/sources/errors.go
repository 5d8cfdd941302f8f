package sources

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies adapter failures.
type Kind string

const (
	KindNotFound        Kind = "not_found"
	KindRateLimited     Kind = "rate_limited"
	KindTransient       Kind = "transient"
	KindInvalidRequest  Kind = "invalid_request"
	KindInvalidResponse Kind = "invalid_response"
	KindUnsupported     Kind = "unsupported"
	KindCanceled        Kind = "canceled"
)

// Sentinels usable with errors.Is against any *Error of that kind.
var (
	ErrNotFound        = &Error{Kind: KindNotFound}
	ErrRateLimited     = &Error{Kind: KindRateLimited}
	ErrTransient       = &Error{Kind: KindTransient}
	ErrInvalidRequest  = &Error{Kind: KindInvalidRequest}
	ErrInvalidResponse = &Error{Kind: KindInvalidResponse}
	ErrUnsupported     = &Error{Kind: KindUnsupported}
	ErrCanceled        = &Error{Kind: KindCanceled}
)

// Error is the per-item failure returned by every adapter call.
type Error struct {
	Kind       Kind
	Source     string
	ItemID     int64
	Status     int
	RetryAfter time.Duration
	Body       string
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Source, e.Kind)
	if e.ItemID != 0 {
		msg += fmt.Sprintf(" item=%d", e.ItemID)
	}
	if e.Status != 0 {
		msg += fmt.Sprintf(" status=%d", e.Status)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind so callers can write errors.Is(err, sources.ErrNotFound).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Retryable reports whether another attempt may succeed.
func (e *Error) Retryable() bool {
	return e.Kind == KindRateLimited || e.Kind == KindTransient
}

// KindOf extracts the failure kind, defaulting to transient for foreign errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindTransient
}

// truncate keeps raw bodies short enough for a log line.
func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
