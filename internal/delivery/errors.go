package delivery

import (
	"errors"
	"fmt"
	"strings"

	"github.com/szibis/membrane-bridge/internal/queue"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Reasons an item leaves the pipeline without being delivered. None of them is
// returned to producers; they surface in logs and in the dropped counter.
var (
	// ErrRetryExhausted marks an item dropped after exceeding the retry ceiling.
	ErrRetryExhausted = errors.New("retry limit exceeded")
	// ErrFlushFailed marks an item whose single flush attempt failed.
	ErrFlushFailed = errors.New("delivery failed during flush")
	// ErrFlushAbandoned marks an item still queued when the flush deadline elapsed.
	ErrFlushAbandoned = errors.New("abandoned at flush deadline")
	// ErrEvicted marks the oldest item removed to admit a new one into a full queue.
	ErrEvicted = errors.New("evicted from full queue")
	// ErrClosed marks items discarded because the manager was closed.
	ErrClosed = errors.New("delivery manager closed")
)

// dropReason returns the metric label for a drop sentinel.
func dropReason(err error) string {
	switch {
	case errors.Is(err, ErrRetryExhausted):
		return "retry_exhausted"
	case errors.Is(err, ErrFlushFailed):
		return "flush_failed"
	case errors.Is(err, ErrFlushAbandoned):
		return "flush_abandoned"
	case errors.Is(err, ErrEvicted):
		return "evicted"
	case errors.Is(err, ErrClosed):
		return "closed"
	default:
		return "unknown"
	}
}

// ErrorType represents a category of sink failure for metrics.
type ErrorType string

const (
	// ErrorTypeNetwork represents network-level errors (DNS, connection refused, etc.)
	ErrorTypeNetwork ErrorType = "network"
	// ErrorTypeTimeout represents timeouts and cancelled calls
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeServerError represents server-side errors
	ErrorTypeServerError ErrorType = "server_error"
	// ErrorTypeClientError represents rejected requests
	ErrorTypeClientError ErrorType = "client_error"
	// ErrorTypeAuth represents authentication/authorization errors
	ErrorTypeAuth ErrorType = "auth"
	// ErrorTypeRateLimit represents rate limiting errors
	ErrorTypeRateLimit ErrorType = "rate_limit"
	// ErrorTypeUnknown represents unclassified errors
	ErrorTypeUnknown ErrorType = "unknown"
)

// DeliveryError is a transient sink failure for one item. The drain loop
// retries items that fail with it until the retry ceiling is passed.
type DeliveryError struct {
	// Err is the error returned by the sink.
	Err error
	// Type is the classified error type.
	Type ErrorType
	// Method is the ingest method of the failed item.
	Method queue.Method
	// ItemID identifies the failed item.
	ItemID string
	// Attempt is the 1-based attempt number that failed.
	Attempt int
}

// Error implements the error interface.
func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver %s (attempt %d): %v", e.Method, e.Attempt, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *DeliveryError) Unwrap() error {
	return e.Err
}

func newDeliveryError(item *queue.Item, err error) *DeliveryError {
	return &DeliveryError{
		Err:     err,
		Type:    Classify(err),
		Method:  item.Method,
		ItemID:  item.ID,
		Attempt: item.Retries + 1,
	}
}

// Classify categorizes a sink error. gRPC status codes are used when present,
// otherwise the error text is matched against common patterns.
func Classify(err error) ErrorType {
	if err == nil {
		return ErrorTypeUnknown
	}

	if st, ok := status.FromError(err); ok && st.Code() != codes.OK {
		switch st.Code() {
		case codes.DeadlineExceeded, codes.Canceled:
			return ErrorTypeTimeout
		case codes.Unavailable:
			return ErrorTypeNetwork
		case codes.Unauthenticated, codes.PermissionDenied:
			return ErrorTypeAuth
		case codes.ResourceExhausted:
			return ErrorTypeRateLimit
		case codes.InvalidArgument, codes.FailedPrecondition, codes.OutOfRange, codes.Unimplemented, codes.NotFound:
			return ErrorTypeClientError
		case codes.Internal, codes.DataLoss, codes.Aborted:
			return ErrorTypeServerError
		}
	}

	errLower := strings.ToLower(err.Error())

	switch {
	case strings.Contains(errLower, "timeout") ||
		strings.Contains(errLower, "deadline exceeded") ||
		strings.Contains(errLower, "context canceled"):
		return ErrorTypeTimeout
	case strings.Contains(errLower, "connection refused") ||
		strings.Contains(errLower, "no such host") ||
		strings.Contains(errLower, "network is unreachable") ||
		strings.Contains(errLower, "connection reset") ||
		strings.Contains(errLower, "broken pipe") ||
		strings.Contains(errLower, "eof"):
		return ErrorTypeNetwork
	case strings.Contains(errLower, "unauthenticated") ||
		strings.Contains(errLower, "permission denied"):
		return ErrorTypeAuth
	case strings.Contains(errLower, "resource exhausted") ||
		strings.Contains(errLower, "rate limit"):
		return ErrorTypeRateLimit
	case strings.Contains(errLower, "internal") ||
		strings.Contains(errLower, "unavailable"):
		return ErrorTypeServerError
	}

	return ErrorTypeUnknown
}
