package recorder

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/SmitUplenchwar2687/throttleguard/internal/guard"
)

// TrafficRecord is one unit of work presented to the guard.
type TrafficRecord struct {
	ID        string            `json:"id,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Key       string            `json:"key"`              // rate-limit key, e.g. "ip:10.0.0.1"
	Policy    string            `json:"policy,omitempty"` // empty means the default policy
	Endpoint  string            `json:"endpoint,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Request converts the record into a guard request. An endpoint of the
// form "GET /api/x" fills both the method and the path of the context.
func (r TrafficRecord) Request() guard.Request {
	method, path := splitEndpoint(r.Endpoint)
	return guard.Request{
		Key:    r.Key,
		Policy: r.Policy,
		Context: &guard.RequestContext{
			Method:   method,
			Path:     path,
			Metadata: r.Metadata,
		},
	}
}

func splitEndpoint(endpoint string) (method, path string) {
	if m, p, ok := strings.Cut(endpoint, " "); ok && m != "" && strings.HasPrefix(p, "/") {
		return m, p
	}
	return "", endpoint
}

// DecisionEvent pairs a traffic record with the guard's verdict. It is
// streamed to websocket clients and printed by replay.
type DecisionEvent struct {
	ID           string        `json:"id"`
	Record       TrafficRecord `json:"record"`
	Allowed      bool          `json:"allowed"`
	Message      string        `json:"message,omitempty"`
	RetryAfterMs int64         `json:"retry_after_ms,omitempty"`
	Error        string        `json:"error,omitempty"`
	Time         time.Time     `json:"time"`
}

// NewDecisionEvent builds the event for the error returned by the guard
// for rec: nil is an admission, a *guard.RateLimitError a rejection, and
// anything else a failure.
func NewDecisionEvent(rec TrafficRecord, err error, at time.Time) DecisionEvent {
	ev := DecisionEvent{
		ID:      uuid.NewString(),
		Record:  rec,
		Allowed: err == nil,
		Time:    at,
	}
	var rlErr *guard.RateLimitError
	switch {
	case err == nil:
	case errors.As(err, &rlErr):
		ev.Message = rlErr.Message()
		ev.RetryAfterMs = rlErr.RetryAfter().Milliseconds()
	default:
		ev.Error = err.Error()
	}
	return ev
}
