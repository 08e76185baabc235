package core

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"courier/internal/tracing"
	"courier/internal/types"
)

// defaultRequestTimeout applies when the config does not set one.
const defaultRequestTimeout = 30 * time.Second

// Correlation headers accepted from callers and echoed on responses.
const (
	HeaderRequestID     = "X-Request-Id"
	HeaderCorrelationID = "X-Correlation-Id"
)

// defaultRedactedHeaders lists header names whose values are masked in
// request logs.
var defaultRedactedHeaders = []string{
	"Authorization",
	"Cookie",
	"X-Twilio-Email-Event-Webhook-Signature",
}

// MountRoutes registers the global middleware chain, the /v1 group and the
// top-level operational routes.
func (s *Server) MountRoutes() {
	s.registerGlobalMiddleware()

	s.router.Route("/v1", s.mountV1)

	s.router.Get("/health", s.HandleHealth)
	if s.MetricsHandler != nil {
		s.router.Method(http.MethodGet, "/metrics", s.MetricsHandler)
	}
}

// registerGlobalMiddleware applies middleware in strict order.
//
//  1. Recoverer        - outermost, catches panics from everything below.
//  2. ContextTimeout   - soft deadline for the request.
//  3. RequestID        - request and correlation IDs in context and headers.
//  4. SecurityHeaders  - present on every response, errors included.
//  5. Tracing          - server span, continues inbound trace context.
//  6. RequestLogger    - structured access log with redacted headers.
//  7. CORS             - browser headers and preflight.
//  8. Metrics          - request latency and count.
func (s *Server) registerGlobalMiddleware() {
	s.router.Use(s.Recoverer)
	s.router.Use(ContextTimeoutMiddleware(s.requestTimeout()))
	s.router.Use(RequestIDMiddleware)
	s.router.Use(s.SecurityHeadersMiddleware)
	s.router.Use(TracingMiddleware)
	s.router.Use(RequestLogger(s.Logger, defaultRedactedHeaders))
	s.router.Use(NewCORSMiddleware(s.corsAllowedOrigins()))
	s.router.Use(s.MetricsMiddleware)
}

func (s *Server) mountV1(r chi.Router) {
	for _, registrar := range s.V1RouteRegistrars {
		registrar(r)
	}
}

func (s *Server) requestTimeout() time.Duration {
	if s.Config != nil && s.Config.Server.RequestTimeout > 0 {
		return s.Config.Server.RequestTimeout
	}
	return defaultRequestTimeout
}

func (s *Server) corsAllowedOrigins() []string {
	if s.Config != nil && len(s.Config.Server.CorsAllowedOrigins) > 0 {
		return s.Config.Server.CorsAllowedOrigins
	}
	return []string{"*"}
}

// ContextTimeoutMiddleware sets a deadline on the request context.
func ContextTimeoutMiddleware(duration time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), duration)
			defer cancel()
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequestIDMiddleware propagates or generates the request ID and the
// correlation ID. A missing correlation ID defaults to the request ID so every
// notification accepted by this request can be traced back to it.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get(HeaderRequestID)
		if requestID == "" {
			requestID = generateRequestID()
		}
		correlationID := r.Header.Get(HeaderCorrelationID)
		if correlationID == "" {
			correlationID = requestID
		}

		ctx := types.WithRequestID(r.Context(), requestID)
		ctx = types.WithCorrelationID(ctx, correlationID)

		w.Header().Set(HeaderRequestID, requestID)
		w.Header().Set(HeaderCorrelationID, correlationID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// generateRequestID returns 16 random bytes as 32 hex characters.
func generateRequestID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "fallback-" + hex.EncodeToString([]byte(time.Now().String()))
	}
	return hex.EncodeToString(b)
}

// TracingMiddleware starts a server span per request, continuing any W3C
// trace context sent by the caller. Without a configured tracer provider the
// span is a no-op.
func TracingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := tracing.Tracer().Start(ctx, r.Method+" "+r.URL.Path,
			trace.WithSpanKind(trace.SpanKindServer),
			trace.WithAttributes(
				attribute.String("http.request.method", r.Method),
				attribute.String("url.path", r.URL.Path),
				attribute.String("request.id", types.GetRequestID(ctx)),
			),
		)
		defer span.End()

		rc := &responseCapture{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rc, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.response.status_code", rc.statusCode))
		if rc.statusCode >= 500 {
			span.SetStatus(codes.Error, http.StatusText(rc.statusCode))
		}
	})
}
