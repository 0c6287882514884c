package crawler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

var (
	// ErrNotFound is returned for unknown job ids and platforms.
	ErrNotFound = errors.New("not found")
	// ErrJobTerminal is returned when completing or failing a job that is no
	// longer processing.
	ErrJobTerminal = errors.New("job is not processing")
)

// ValidationError reports bad caller input. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
	Values []string
}

func (e *ValidationError) Error() string {
	if len(e.Values) > 0 {
		return fmt.Sprintf("invalid %s: %s: %s", e.Field, e.Reason, strings.Join(e.Values, ", "))
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// ErrorKind classifies a failed scrape attempt.
type ErrorKind string

// Error kinds recorded in the error log.
const (
	KindTimeout      ErrorKind = "timeout"
	KindRateLimit    ErrorKind = "rate_limit"
	KindNetwork      ErrorKind = "network"
	KindParse        ErrorKind = "parse"
	KindBlocked      ErrorKind = "blocked"
	KindUnknown      ErrorKind = "unknown"
	KindJobExhausted ErrorKind = "job_exhausted"
)

// Severity grades an ErrorRecord.
type Severity string

// Severity levels, LOW to CRITICAL.
const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// SeverityOf maps an error kind to its severity.
func SeverityOf(kind ErrorKind) Severity {
	switch kind {
	case KindParse:
		return SeverityLow
	case KindTimeout, KindRateLimit:
		return SeverityMedium
	case KindNetwork, KindUnknown:
		return SeverityHigh
	case KindBlocked, KindJobExhausted:
		return SeverityCritical
	default:
		return SeverityHigh
	}
}

// Recoverable reports whether waiting and retrying is expected to help.
func Recoverable(kind ErrorKind) bool {
	switch kind {
	case KindTimeout, KindRateLimit, KindNetwork, KindUnknown:
		return true
	default:
		return false
	}
}

// PlatformError is a failed attempt against an external platform.
type PlatformError struct {
	Platform   string
	Kind       ErrorKind
	StatusCode int
	Err        error
}

func (e *PlatformError) Error() string {
	msg := fmt.Sprintf("platform %s: %s", e.Platform, e.Kind)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *PlatformError) Unwrap() error {
	return e.Err
}

// Temporary reports whether the failure is a transient platform error.
func (e *PlatformError) Temporary() bool {
	return Recoverable(e.Kind)
}

// PermanentJobError is recorded when a job exhausts its attempt budget.
type PermanentJobError struct {
	JobID    string
	Attempts int
	Err      error
}

func (e *PermanentJobError) Error() string {
	return fmt.Sprintf("job %s failed after %d attempts: %v", e.JobID, e.Attempts, e.Err)
}

func (e *PermanentJobError) Unwrap() error {
	return e.Err
}

// KindForStatus maps an HTTP status code to an error kind.
func KindForStatus(code int) ErrorKind {
	switch {
	case code == http.StatusTooManyRequests:
		return KindRateLimit
	case code == http.StatusForbidden || code == http.StatusUnauthorized:
		return KindBlocked
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return KindTimeout
	case code >= 500:
		return KindNetwork
	default:
		return KindUnknown
	}
}

// Classify derives the error kind of err.
func Classify(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var pErr *PlatformError
	if errors.As(err, &pErr) && pErr.Kind != "" {
		return pErr.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return KindTimeout
		}
		return KindNetwork
	}
	return KindUnknown
}
