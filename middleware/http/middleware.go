// Package http provides net/http middleware that rate limits requests
// against a gobill.RateLimiter.
package http

import (
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gobill/gobill/pkg/gobill"
)

const (
	headerRateLimitLimit     = "X-RateLimit-Limit"
	headerRateLimitRemaining = "X-RateLimit-Remaining"
	headerRateLimitReset     = "X-RateLimit-Reset"
	headerRetryAfter         = "Retry-After"
)

// Options configures the rate limit middleware.
type Options struct {
	// Limiter performs the checks. Required.
	Limiter *gobill.RateLimiter

	// Config is the limit applied per key. Required.
	Config gobill.RateLimitConfig

	// APIKeyHeader names the header carrying the caller's API key. When the
	// header is present its value keys the limit; otherwise the client IP
	// does (default: "X-API-Key").
	APIKeyHeader string

	// TrustForwardedFor enables keying on the first X-Forwarded-For hop for
	// deployments behind a trusted proxy.
	TrustForwardedFor bool

	// OnRejected is called instead of the default 429 response when set.
	OnRejected func(w http.ResponseWriter, r *http.Request, info *gobill.RateLimitInfo)

	// OnError is called when the limit backend fails; the default fails open
	// and lets the request through.
	OnError func(w http.ResponseWriter, r *http.Request, err error)

	// Logger is used for structured logging (default: NoopLogger).
	Logger gobill.Logger
}

// RateLimit wraps next with per-key rate limiting. Every response carries
// X-RateLimit-* headers; rejected requests get 429 with Retry-After.
func RateLimit(opts Options) func(http.Handler) http.Handler {
	if opts.APIKeyHeader == "" {
		opts.APIKeyHeader = "X-API-Key"
	}
	if opts.Logger == nil {
		opts.Logger = &gobill.NoopLogger{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := requestKey(r, opts)

			allowed, info, err := opts.Limiter.Allow(r.Context(), key, opts.Config)
			if err != nil {
				opts.Logger.Error("rate limit check failed",
					gobill.Field{Key: "key", Value: key},
					gobill.Field{Key: "error", Value: err.Error()})
				if opts.OnError != nil {
					opts.OnError(w, r, err)
					return
				}
				// Fail open: a broken limiter backend must not take the API down.
				next.ServeHTTP(w, r)
				return
			}

			setRateLimitHeaders(w, info)
			if !allowed {
				if opts.OnRejected != nil {
					opts.OnRejected(w, r, info)
					return
				}
				retryAfter := int(time.Until(info.ResetTime).Seconds()) + 1
				if retryAfter < 1 {
					retryAfter = 1
				}
				w.Header().Set(headerRetryAfter, strconv.Itoa(retryAfter))
				http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func setRateLimitHeaders(w http.ResponseWriter, info *gobill.RateLimitInfo) {
	w.Header().Set(headerRateLimitLimit, strconv.Itoa(info.Limit))
	w.Header().Set(headerRateLimitRemaining, strconv.Itoa(info.Remaining))
	w.Header().Set(headerRateLimitReset, strconv.FormatInt(info.ResetTime.Unix(), 10))
}

// requestKey derives the limit key: API key when present, client IP
// otherwise.
func requestKey(r *http.Request, opts Options) string {
	if key := r.Header.Get(opts.APIKeyHeader); key != "" {
		return fmt.Sprintf("apikey:%s", key)
	}
	return fmt.Sprintf("ip:%s", clientIP(r, opts.TrustForwardedFor))
}

func clientIP(r *http.Request, trustForwardedFor bool) string {
	if trustForwardedFor {
		if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
			if i := strings.IndexByte(fwd, ','); i >= 0 {
				fwd = fwd[:i]
			}
			return strings.TrimSpace(fwd)
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
