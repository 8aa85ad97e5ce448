package guard

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/zeebo/errs"
)

var (
	// ErrUnknownStrategy is returned when a request names a policy that was
	// never registered.
	ErrUnknownStrategy = errs.Class("unknown strategy")
	// ErrInvalidStrategy is returned by Register for a nil strategy or an
	// empty name.
	ErrInvalidStrategy = errs.Class("invalid strategy")
)

// ErrRateLimited matches every *RateLimitError with errors.Is.
var ErrRateLimited = errors.New("rate limited")

// RateLimitError reports a rejected unit of work. It is immutable.
type RateLimitError struct {
	message    string
	policy     string
	key        string
	retryAfter time.Duration
	context    *RequestContext
	timestamp  time.Time
}

// NewRateLimitError builds a rejection outside of a Guard, for callers
// that enforce their own limits and for tests.
func NewRateLimitError(message, policy, key string, retryAfter time.Duration, reqCtx *RequestContext, at time.Time) *RateLimitError {
	return &RateLimitError{
		message:    message,
		policy:     policy,
		key:        key,
		retryAfter: retryAfter,
		context:    reqCtx,
		timestamp:  at,
	}
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s (policy %q, key %q, retry after %s)", e.message, e.policy, e.key, e.retryAfter)
}

// Is makes errors.Is(err, ErrRateLimited) hold.
func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

func (e *RateLimitError) Message() string           { return e.message }
func (e *RateLimitError) Policy() string            { return e.policy }
func (e *RateLimitError) Key() string               { return e.key }
func (e *RateLimitError) RetryAfter() time.Duration { return e.retryAfter }
func (e *RateLimitError) Timestamp() time.Time      { return e.timestamp }

// Context returns the request context the rejection was made for, or nil.
func (e *RateLimitError) Context() *RequestContext { return e.context }

// Status is the HTTP status of a rejection.
func (e *RateLimitError) Status() int { return http.StatusTooManyRequests }

// RetryAfterSeconds rounds the retry delay up to whole seconds, as sent in
// a Retry-After header.
func (e *RateLimitError) RetryAfterSeconds() int {
	return int(math.Ceil(e.retryAfter.Seconds()))
}

type rateLimitMetadata struct {
	Strategy   string          `json:"strategy"`
	Key        string          `json:"key"`
	RetryAfter int64           `json:"retryAfter"`
	Context    *RequestContext `json:"context,omitempty"`
}

type rateLimitJSON struct {
	Name      string            `json:"name"`
	Message   string            `json:"message"`
	Status    int               `json:"status"`
	Timestamp int64             `json:"timestamp"`
	Metadata  rateLimitMetadata `json:"metadata"`
}

// MarshalJSON encodes the rejection in its wire shape. Durations and the
// timestamp are in milliseconds.
func (e *RateLimitError) MarshalJSON() ([]byte, error) {
	return json.Marshal(rateLimitJSON{
		Name:      "RateLimitError",
		Message:   e.message,
		Status:    e.Status(),
		Timestamp: e.timestamp.UnixMilli(),
		Metadata: rateLimitMetadata{
			Strategy:   e.policy,
			Key:        e.key,
			RetryAfter: e.retryAfter.Milliseconds(),
			Context:    e.context,
		},
	})
}
