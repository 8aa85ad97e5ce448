// Package httpguard puts a guard.Guard in front of net/http handlers.
package httpguard

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/SmitUplenchwar2687/throttleguard/internal/guard"
	"github.com/SmitUplenchwar2687/throttleguard/internal/keys"
	"github.com/SmitUplenchwar2687/throttleguard/internal/strategy"
)

type ctxKey int

const keyUserID ctxKey = 0

// WithUserID marks the request as made by an authenticated user. The
// default key function then limits by user instead of by IP.
func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyUserID, id)
}

// UserIDFrom returns the user id stored by WithUserID.
func UserIDFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(keyUserID).(string)
	return id, ok && id != ""
}

// Options configure Middleware. Only Guard is required.
type Options struct {
	Guard *guard.Guard
	// Policy names the strategy to apply. Empty selects the default policy.
	Policy string
	// KeyFunc derives the rate-limit key. Defaults to DefaultKey.
	KeyFunc func(*http.Request) string
	// ContextFunc describes the request to skip rules and observers.
	// Defaults to DefaultContext.
	ContextFunc func(*http.Request) *guard.RequestContext
	// Bypass exempts a request without consulting any strategy.
	Bypass func(*http.Request) bool
	// OnRejected answers a rejected request. Defaults to WriteRejection.
	OnRejected func(http.ResponseWriter, *http.Request, *guard.RateLimitError)
	// OnError answers a request that could not be checked, e.g. because
	// the policy is not registered. Defaults to a 500.
	OnError func(http.ResponseWriter, *http.Request, error)
}

// Middleware rate limits every request passing through it.
func Middleware(opts Options) func(http.Handler) http.Handler {
	if opts.KeyFunc == nil {
		opts.KeyFunc = DefaultKey
	}
	if opts.ContextFunc == nil {
		opts.ContextFunc = DefaultContext
	}
	if opts.OnRejected == nil {
		opts.OnRejected = func(w http.ResponseWriter, _ *http.Request, err *guard.RateLimitError) {
			WriteRejection(w, err)
		}
	}
	if opts.OnError == nil {
		opts.OnError = func(w http.ResponseWriter, _ *http.Request, _ error) {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal rate limiter error"})
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			req := guard.Request{
				Key:     opts.KeyFunc(r),
				Policy:  opts.Policy,
				Context: opts.ContextFunc(r),
				Bypass:  opts.Bypass != nil && opts.Bypass(r),
			}

			err := opts.Guard.Do(r.Context(), req, func(ctx context.Context) error {
				setRemaining(w, opts.Guard, req)
				next.ServeHTTP(w, r.WithContext(ctx))
				return nil
			})

			var rlErr *guard.RateLimitError
			switch {
			case err == nil:
			case errors.As(err, &rlErr):
				opts.OnRejected(w, r, rlErr)
			default:
				opts.OnError(w, r, err)
			}
		})
	}
}

func setRemaining(w http.ResponseWriter, g *guard.Guard, req guard.Request) {
	if req.Bypass {
		return
	}
	policy := req.Policy
	if policy == "" {
		policy = guard.DefaultPolicy
	}
	s, ok := g.Strategy(policy)
	if !ok {
		return
	}
	if in, ok := s.(strategy.Inspector); ok {
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(in.Remaining(req.Key)))
	}
}

// WriteRejection answers 429 with a Retry-After header in whole seconds
// and a JSON body {"error": message, "retryAfter": milliseconds}.
func WriteRejection(w http.ResponseWriter, err *guard.RateLimitError) {
	w.Header().Set("Retry-After", strconv.Itoa(err.RetryAfterSeconds()))
	writeJSON(w, err.Status(), map[string]any{
		"error":      err.Message(),
		"retryAfter": err.RetryAfter().Milliseconds(),
	})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// DefaultKey limits by user when WithUserID was applied, else by client IP.
func DefaultKey(r *http.Request) string {
	if id, ok := UserIDFrom(r.Context()); ok {
		return keys.FromUser(id)
	}
	return keys.FromIP(ClientIP(r))
}

// DefaultContext describes r by client IP, path, method and user id.
func DefaultContext(r *http.Request) *guard.RequestContext {
	id, _ := UserIDFrom(r.Context())
	return &guard.RequestContext{
		IP:     ClientIP(r),
		Path:   r.URL.Path,
		Method: r.Method,
		UserID: id,
	}
}

// ClientIP returns the first X-Forwarded-For hop, then X-Real-IP, then the
// host part of RemoteAddr.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
