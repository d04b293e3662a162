package reliability

import (
	"context"
	"errors"
)

// Sentinel causes for a failed channel join. Transport and token code wraps
// one of these so callers can classify without string matching.
var (
	ErrGatewayUnavailable  = errors.New("audio gateway unavailable")
	ErrInvalidCredentials  = errors.New("invalid connection credentials")
	ErrPermissionDenied    = errors.New("audio capture permission denied")
	ErrOperationInProgress = errors.New("join operation already in progress")
)

// JoinErrorClass buckets join failures for retry and user-surfacing decisions.
type JoinErrorClass string

const (
	JoinErrorGatewayUnavailable  JoinErrorClass = "gateway_unavailable"
	JoinErrorInvalidCredentials  JoinErrorClass = "invalid_credentials"
	JoinErrorPermissionDenied    JoinErrorClass = "permission_denied"
	JoinErrorOperationInProgress JoinErrorClass = "operation_in_progress"
	JoinErrorUnknown             JoinErrorClass = "unknown"
)

// ClassifyJoinError maps a join failure to its class.
func ClassifyJoinError(err error) JoinErrorClass {
	switch {
	case err == nil:
		return JoinErrorUnknown
	case errors.Is(err, ErrGatewayUnavailable):
		return JoinErrorGatewayUnavailable
	case errors.Is(err, ErrInvalidCredentials):
		return JoinErrorInvalidCredentials
	case errors.Is(err, ErrPermissionDenied):
		return JoinErrorPermissionDenied
	case errors.Is(err, ErrOperationInProgress):
		return JoinErrorOperationInProgress
	case errors.Is(err, context.DeadlineExceeded):
		return JoinErrorGatewayUnavailable
	default:
		return JoinErrorUnknown
	}
}

// ShouldRetryJoin reports whether a failed join warrants the single automatic
// retry. The scope is deliberately narrow: only gateway outages and
// overlapping-operation races retry; credential and permission failures are
// surfaced immediately.
func ShouldRetryJoin(class JoinErrorClass) bool {
	switch class {
	case JoinErrorGatewayUnavailable, JoinErrorOperationInProgress:
		return true
	default:
		return false
	}
}

// IsRetryableHTTPStatus classifies retryable HTTP status codes from the
// token and room coordination services.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}
