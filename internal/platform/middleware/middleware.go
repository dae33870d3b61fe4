// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

/*
Package middleware provides the cross-cutting HTTP processing chain.

It acts as a series of decorators around the standard http.Handler, injecting
traceability and safety into every request lifecycle.

Standard Stack:

  - Address: Caller IP resolution, trusting proxy headers only from known proxies.
  - Trace: RequestID generation for log correlation.
  - Log: Structured activity logging (slog).
  - Guard: Burst throttling and CORS validation.
  - Safe: Panic recovery to prevent server crashes.

The sliding-window attempt limits for sign-in, sign-up and friends live in
the users/ratelimit package; the throttle here only protects the process
from floods.
*/
package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"runtime"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/taibuivan/passage/internal/platform/constants"
	"github.com/taibuivan/passage/internal/platform/ctxutil"
)

// # Request Tracing

// RequestID attaches a correlation ID to every request for log tracing.
func RequestID() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {

			// 1. Reuse the caller's ID when present
			requestID := request.Header.Get(constants.HeaderXRequestID)

			// 2. Otherwise mint a time-sortable one
			if requestID == "" {
				uuidV7, err := uuid.NewV7()
				if err != nil {
					requestID = uuid.New().String()
				} else {
					requestID = uuidV7.String()
				}
			}

			ctx := ctxutil.WithRequestID(request.Context(), requestID)
			writer.Header().Set(constants.HeaderXRequestID, requestID)

			next.ServeHTTP(writer, request.WithContext(ctx))
		})
	}
}

// # Activity Logging

type subjectSlotKey struct{}

// reportSubject records the authenticated subject for the access log line.
func reportSubject(ctx context.Context, subjectID string) {
	if slot, ok := ctx.Value(subjectSlotKey{}).(*string); ok {
		*slot = subjectID
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (recorder *statusRecorder) WriteHeader(code int) {
	recorder.status = code
	recorder.ResponseWriter.WriteHeader(code)
}

// StructuredLogger logs every request status and latency.
// It also injects a request-scoped logger into the context.
func StructuredLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {

			startTime := time.Now()
			requestLogger := logger.With(
				slog.String("request_id", ctxutil.GetRequestID(request.Context())),
				slog.String("method", request.Method),
				slog.String("path", request.URL.Path),
				slog.String("ip", RealIP(request)),
			)

			// Authenticate runs further down the chain and reports the subject back through this slot.
			subject := new(string)
			ctx := context.WithValue(ctxutil.WithLogger(request.Context(), requestLogger), subjectSlotKey{}, subject)
			wrappedWriter := &statusRecorder{ResponseWriter: writer, status: http.StatusOK}

			next.ServeHTTP(wrappedWriter, request.WithContext(ctx))

			logLevel := slog.LevelInfo
			if wrappedWriter.status >= 500 {
				logLevel = slog.LevelError
			} else if wrappedWriter.status >= 400 {
				logLevel = slog.LevelWarn
			}

			logAttrs := []any{
				slog.Int("status", wrappedWriter.status),
				slog.Int64("latency_ms", time.Since(startTime).Milliseconds()),
				slog.String("user_agent", request.UserAgent()),
			}
			if *subject != "" {
				logAttrs = append(logAttrs, slog.String("subject_id", *subject))
			}

			requestLogger.Log(ctx, logLevel, "http_request_finished", logAttrs...)
		})
	}
}

// # Client Address

/*
ClientIP resolves the caller address once per request and stores it for [RealIP].

Description: X-Real-IP and X-Forwarded-For are honoured only when the direct
peer lies inside trusted. X-Forwarded-For is walked from the right, skipping
trusted hops, so entries a client prepends are never chosen. With no trusted
prefixes every request is keyed on its peer address.
*/
func ClientIP(trusted []netip.Prefix) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			ip := resolveClientIP(request, trusted)
			next.ServeHTTP(writer, request.WithContext(ctxutil.WithClientIP(request.Context(), ip)))
		})
	}
}

func resolveClientIP(request *http.Request, trusted []netip.Prefix) string {
	peer := peerAddress(request)
	if !isTrusted(peer, trusted) {
		return peer
	}

	if ip, err := netip.ParseAddr(strings.TrimSpace(request.Header.Get(constants.HeaderXRealIP))); err == nil {
		return ip.Unmap().String()
	}

	hops := strings.Split(request.Header.Get(constants.HeaderXForwardedFor), ",")
	for i := len(hops) - 1; i >= 0; i-- {
		hop, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
		if err != nil {
			break
		}
		if !isTrusted(hop.String(), trusted) {
			return hop.Unmap().String()
		}
	}
	return peer
}

func isTrusted(ip string, trusted []netip.Prefix) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	return slices.ContainsFunc(trusted, func(prefix netip.Prefix) bool {
		return prefix.Contains(addr)
	})
}

// # Burst Throttling

type throttleClient struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Throttle is a per-IP token bucket guarding the whole API against floods.
type Throttle struct {
	mu      sync.Mutex
	clients map[string]*throttleClient
	limit   rate.Limit
	burst   int
}

// NewThrottle creates a throttle allowing rps requests per second per IP with the given burst.
func NewThrottle(rps float64, burst int) *Throttle {
	return &Throttle{
		clients: make(map[string]*throttleClient),
		limit:   rate.Limit(rps),
		burst:   burst,
	}
}

// RunJanitor evicts idle clients until the context is cancelled.
func (throttle *Throttle) RunJanitor(context context.Context) {
	ticker := time.NewTicker(constants.RateLimitCleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			throttle.evict(time.Now())
		case <-context.Done():
			return
		}
	}
}

func (throttle *Throttle) evict(now time.Time) {
	throttle.mu.Lock()
	defer throttle.mu.Unlock()
	for ip, client := range throttle.clients {
		if now.Sub(client.lastSeen) > constants.RateLimitClientTTL {
			delete(throttle.clients, ip)
		}
	}
}

// Allow reports whether another request from ip fits in its bucket.
func (throttle *Throttle) Allow(ip string) bool {
	throttle.mu.Lock()
	defer throttle.mu.Unlock()

	client, found := throttle.clients[ip]
	if !found {
		client = &throttleClient{limiter: rate.NewLimiter(throttle.limit, throttle.burst)}
		throttle.clients[ip] = client
	}
	client.lastSeen = time.Now()
	return client.limiter.Allow()
}

// Middleware rejects requests whose IP has exhausted its bucket.
func (throttle *Throttle) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		if !throttle.Allow(RealIP(request)) {
			writer.Header().Set(constants.HeaderRetryAfter, "1")
			writeError(writer, http.StatusTooManyRequests, "RATE_LIMITED", "Rate limit exceeded")
			return
		}
		next.ServeHTTP(writer, request)
	})
}

// # Reliability & Safety

// PanicRecovery recovers from panics, logs the stack trace, and returns 500.
func PanicRecovery(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					stackTrace := make([]byte, 2048)
					length := runtime.Stack(stackTrace, false)

					ctxutil.GetLogger(request.Context()).ErrorContext(request.Context(), "panic_recovered",
						slog.Any("error", err),
						slog.String("stack", string(stackTrace[:length])),
					)

					writeError(writer, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred")
				}
			}()

			next.ServeHTTP(writer, request)
		})
	}
}

// # Cross-Origin Resource Sharing

// AppConfig defines the behavior needed by the CORS middleware.
type AppConfig interface {
	IsDevelopment() bool
	AllowedOrigins() []string
}

// CORS handles Cross-Origin Resource Sharing based on application environment.
//
// Development accepts any origin. Elsewhere only passage.app subdomains and
// the configured extra origins are reflected.
func CORS(cfg AppConfig) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			origin := request.Header.Get(constants.HeaderOrigin)
			if origin == "" {
				next.ServeHTTP(writer, request)
				return
			}

			isAllowed := cfg.IsDevelopment() ||
				strings.HasSuffix(origin, ".passage.app") ||
				origin == "https://passage.app" ||
				slices.Contains(cfg.AllowedOrigins(), origin)

			if isAllowed {
				header := writer.Header()
				header.Set("Access-Control-Allow-Origin", origin)
				header.Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
				header.Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Authorization, X-Request-ID")
				header.Set("Access-Control-Expose-Headers", "Content-Length, X-Request-ID, Retry-After")
				header.Set("Access-Control-Allow-Credentials", "true")
				header.Set("Access-Control-Max-Age", "300")
				header.Add("Vary", constants.HeaderOrigin)
			}

			if request.Method == http.MethodOptions {
				writer.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(writer, request)
		})
	}
}

// # Middleware Helpers

// RealIP returns the caller address stored by [ClientIP], falling back to the
// direct peer. Proxy headers are never read here.
func RealIP(request *http.Request) string {
	if ip := ctxutil.GetClientIP(request.Context()); ip != "" {
		return ip
	}
	return peerAddress(request)
}

func peerAddress(request *http.Request) string {
	host, _, err := net.SplitHostPort(request.RemoteAddr)
	if err != nil {
		return request.RemoteAddr
	}
	return host
}

// writeError outputs a simple JSON error payload.
func writeError(writer http.ResponseWriter, status int, code, message string) {
	writer.Header().Set("Content-Type", "application/json; charset=utf-8")
	writer.WriteHeader(status)
	_ = json.NewEncoder(writer).Encode(map[string]string{
		constants.FieldCode:  code,
		constants.FieldError: message,
	})
}
