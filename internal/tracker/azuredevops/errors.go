package azuredevops

import (
	"errors"
	"fmt"
	"net/http"
)

// MaxErrorBodyLen caps how much of a failed response body is kept in errors.
const MaxErrorBodyLen = 1200

// ErrorKind classifies failures so callers can branch without string matching.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindConfig
	KindTransient
	KindTerminal
	KindNotFound
	KindParseSkip
)

func (k ErrorKind) String() string {
	switch k {
	case KindConfig:
		return "configuration"
	case KindTransient:
		return "transient-transport"
	case KindTerminal:
		return "terminal-transport"
	case KindNotFound:
		return "not-found"
	case KindParseSkip:
		return "parse-skip"
	default:
		return "unknown"
	}
}

// ErrNotFound marks a lookup that completed but matched nothing. It is an
// expected outcome, not a failure.
var ErrNotFound = errors.New("not found")

// ConfigError means a required connection parameter was empty.
type ConfigError struct {
	Param  string
	EnvVar string
}

func (e *ConfigError) Error() string {
	if e.EnvVar != "" {
		return fmt.Sprintf("missing required '%s' (env %s). Provide CLI arg or set env var", e.Param, e.EnvVar)
	}
	return fmt.Sprintf("missing required '%s'", e.Param)
}

// TransportError describes a failed HTTP exchange.
//
// Retryable is true when the failure was of the retryable class (network
// error, 429, 5xx gateway statuses). Final is set on the error the Transport
// returns to its caller; in-flight errors seen by retry hooks are not final.
type TransportError struct {
	Method     string
	URL        string
	StatusCode int // 0 when the server was never reached
	Body       string
	Attempts   int
	Retryable  bool
	Final      bool
	Err        error
}

func (e *TransportError) Error() string {
	prefix := fmt.Sprintf("%s %s failed", e.Method, e.URL)
	if e.Exhausted() {
		prefix = fmt.Sprintf("%s after %d attempts", prefix, e.Attempts)
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s [%d]: %s", prefix, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s: %v", prefix, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Exhausted reports whether the error ended a retry sequence.
func (e *TransportError) Exhausted() bool {
	return e.Final && e.Retryable
}

// ParseError records input that could not be interpreted and was skipped.
type ParseError struct {
	Input string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("cannot parse %q: %v", e.Input, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// KindOf maps err onto the failure taxonomy.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var cfgErr *ConfigError
	if errors.As(err, &cfgErr) {
		return KindConfig
	}
	if errors.Is(err, ErrNotFound) {
		return KindNotFound
	}
	var parseErr *ParseError
	if errors.As(err, &parseErr) {
		return KindParseSkip
	}
	var tErr *TransportError
	if errors.As(err, &tErr) {
		if tErr.Retryable && !tErr.Final {
			return KindTransient
		}
		return KindTerminal
	}
	return KindUnknown
}

// IsRetryableStatus reports whether an HTTP status is worth another attempt.
func IsRetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

func truncateBody(b []byte) string {
	if len(b) <= MaxErrorBodyLen {
		return string(b)
	}
	return string(b[:MaxErrorBodyLen])
}
