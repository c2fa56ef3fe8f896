package gateway

import (
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"scg/pkg/httpx"
	"scg/pkg/ratelimit"
)

// Handler serves POST /command.
func (p *Pipeline) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := httpx.ReadBody(r)
		if err != nil {
			out := p.Reject(r, ReasonMalformedRequest, err)
			if errors.Is(err, httpx.ErrBodyTooLarge) {
				w.Header().Set("X-Request-ID", out.RequestID)
				httpx.WriteJSON(w, http.StatusRequestEntityTooLarge, out.Response())
				return
			}
			writeOutcome(w, out)
			return
		}
		writeOutcome(w, p.Process(r.Context(), body))
	}
}

// Reject records a rejection decided before the pipeline ran.
func (p *Pipeline) Reject(r *http.Request, reason Reason, err error) Outcome {
	out := Outcome{
		RequestID: p.newID(),
		Stage:     StageRejected,
		Rejection: &Rejection{Reason: reason, Stage: StageReceived, Err: err},
	}
	p.finish(r.Context(), out)
	return out
}

// RateLimit rejects clients that exceed limit requests per limiter window,
// keyed by remote IP. Run it after middleware.RealIP when behind a proxy.
func RateLimit(p *Pipeline, limiter ratelimit.Limiter, limit int) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if limiter == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := limiter.Allow(r.Context(), "command:"+clientIP(r), limit)
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			if !d.Allowed {
				out := p.Reject(r, ReasonRateLimited, errors.New("rate limit exceeded"))
				retry := d.RetryAfter(time.Now())
				w.Header().Set("Retry-After", strconv.Itoa(int(retry/time.Second)))
				writeOutcome(w, out)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeOutcome(w http.ResponseWriter, out Outcome) {
	w.Header().Set("X-Request-ID", out.RequestID)
	httpx.WriteJSON(w, out.HTTPStatus(), out.Response())
}

func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
