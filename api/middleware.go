package api

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/warp/credit-ledger/logging"
)

// UserIDHeader carries the authenticated cashier's id, set by the POS shell.
const UserIDHeader = "X-User-ID"

// requestContext puts a request-scoped logger into the context. It must run
// after middleware.RequestID.
func requestContext(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := logging.WithContext(r.Context(), logger)
			ctx = logging.WithRequestID(ctx, middleware.GetReqID(ctx))
			if uid := strings.TrimSpace(r.Header.Get(UserIDHeader)); uid != "" {
				ctx = logging.WithUserID(ctx, uid)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// requestLogger logs one line per request with the context logger.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		log := logging.FromContext(r.Context())
		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote", r.RemoteAddr),
		}
		switch {
		case status >= 500:
			log.Error("request", fields...)
		case status >= 400:
			log.Warn("request", fields...)
		default:
			log.Info("request", fields...)
		}
	})
}

// requireIdentity rejects requests without an X-User-ID header. Mutations are
// attributed to that user.
func requireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if logging.UserID(r.Context()) == "" {
			writeError(w, http.StatusUnauthorized, "missing_identity", UserIDHeader+" header is required", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// =============================================================================
// RATE LIMITING
// =============================================================================

// PaymentLimiter is a token bucket per client (user id, else remote IP).
type PaymentLimiter struct {
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	rate     rate.Limit
	burst    int
	ttl      time.Duration
	now      func() time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewPaymentLimiter returns nil when perSecond is not positive, which
// disables limiting.
func NewPaymentLimiter(perSecond float64, burst int) *PaymentLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return &PaymentLimiter{
		limiters: make(map[string]*limiterEntry),
		rate:     rate.Limit(perSecond),
		burst:    burst,
		ttl:      10 * time.Minute,
		now:      time.Now,
	}
}

func (pl *PaymentLimiter) limiter(key string) *rate.Limiter {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	now := pl.now()
	for k, e := range pl.limiters {
		if now.Sub(e.lastSeen) > pl.ttl {
			delete(pl.limiters, k)
		}
	}
	e, ok := pl.limiters[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(pl.rate, pl.burst)}
		pl.limiters[key] = e
	}
	e.lastSeen = now
	return e.limiter
}

// Middleware answers 429 with Retry-After once a client's bucket is empty.
func (pl *PaymentLimiter) Middleware(next http.Handler) http.Handler {
	if pl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := logging.UserID(r.Context())
		if key == "" {
			key = clientIP(r)
		}
		res := pl.limiter(key).ReserveN(pl.now(), 1)
		if delay := res.DelayFrom(pl.now()); delay > 0 {
			res.Cancel()
			w.Header().Set("Retry-After", strconv.Itoa(int(delay.Seconds())+1))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "too many payment requests", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
