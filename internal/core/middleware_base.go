package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"courier/internal/types"
)

// responseCapture records the status and body size written by downstream
// handlers.
type responseCapture struct {
	http.ResponseWriter
	statusCode int
	bytes      int
	written    bool
}

func (rc *responseCapture) WriteHeader(code int) {
	if !rc.written {
		rc.statusCode = code
		rc.written = true
	}
	rc.ResponseWriter.WriteHeader(code)
}

// Write defaults the recorded status to 200 like net/http does.
func (rc *responseCapture) Write(b []byte) (int, error) {
	if !rc.written {
		rc.statusCode = http.StatusOK
		rc.written = true
	}
	n, err := rc.ResponseWriter.Write(b)
	rc.bytes += n
	return n, err
}

// Unwrap exposes the wrapped writer to http.ResponseController.
func (rc *responseCapture) Unwrap() http.ResponseWriter {
	return rc.ResponseWriter
}

// Recoverer turns a handler panic into the standard 500 envelope. It must be
// the outermost middleware.
func (s *Server) Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rvr := recover()
			if rvr == nil {
				return
			}
			if rvr == http.ErrAbortHandler {
				panic(rvr)
			}

			requestID := types.GetRequestID(r.Context())
			s.Logger.ErrorContext(r.Context(), "panic recovered",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("request_id", requestID),
				slog.String("panic", fmt.Sprint(rvr)),
				slog.String("stack", string(debug.Stack())),
			)

			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusInternalServerError)
			_ = writeJSON(w, APIErrorResponse{Error: ErrorDetail{
				Code:      string(types.ErrCodeInternalUnexpected),
				Message:   "an unexpected error occurred",
				RequestID: requestID,
			}})
		}()

		next.ServeHTTP(w, r)
	})
}

type logFieldsKey struct{}

// logFields collects attributes handlers attach to the access log line.
type logFields struct {
	mu    sync.Mutex
	attrs []slog.Attr
}

// AnnotateLog adds attrs to the access log line of the request carrying ctx,
// e.g. the notification_id assigned at intake. It does nothing outside
// RequestLogger.
func AnnotateLog(ctx context.Context, attrs ...slog.Attr) {
	f, ok := ctx.Value(logFieldsKey{}).(*logFields)
	if !ok {
		return
	}
	f.mu.Lock()
	f.attrs = append(f.attrs, attrs...)
	f.mu.Unlock()
}

// RequestLogger writes one access log line per request: the matched route,
// status, size and duration, the request and correlation ids and whatever
// handlers added through AnnotateLog. Values of the headers named in
// redactedHeaders (case-insensitive) are masked.
func RequestLogger(logger *slog.Logger, redactedHeaders []string) func(http.Handler) http.Handler {
	redactSet := make(map[string]struct{}, len(redactedHeaders))
	for _, h := range redactedHeaders {
		redactSet[strings.ToLower(h)] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			fields := &logFields{}
			rc := &responseCapture{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rc, r.WithContext(context.WithValue(r.Context(), logFieldsKey{}, fields)))

			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.String("route", routePattern(r)),
				slog.Int("status", rc.statusCode),
				slog.Int("bytes", rc.bytes),
				slog.Duration("duration", time.Since(start)),
				slog.String("remote_addr", r.RemoteAddr),
			}
			if reqID := types.GetRequestID(r.Context()); reqID != "" {
				attrs = append(attrs, slog.String("request_id", reqID))
			}
			if corrID := types.GetCorrelationID(r.Context()); corrID != "" {
				attrs = append(attrs, slog.String("correlation_id", corrID))
			}
			fields.mu.Lock()
			attrs = append(attrs, fields.attrs...)
			fields.mu.Unlock()

			if headers := headerAttrs(r.Header, redactSet); len(headers) > 0 {
				attrs = append(attrs, slog.Group("headers", headers...))
			}

			level := slog.LevelInfo
			switch {
			case rc.statusCode >= 500:
				level = slog.LevelError
			case rc.statusCode >= 400:
				level = slog.LevelWarn
			}
			logger.LogAttrs(r.Context(), level, "request completed", attrs...)
		})
	}
}

func headerAttrs(h http.Header, redact map[string]struct{}) []any {
	out := make([]any, 0, len(h))
	for name, values := range h {
		if _, ok := redact[strings.ToLower(name)]; ok {
			out = append(out, slog.String(name, "[REDACTED]"))
			continue
		}
		out = append(out, slog.String(name, strings.Join(values, ", ")))
	}
	return out
}

// MetricsMiddleware records request latency and count. The endpoint label is
// the matched chi route pattern so path parameters do not explode label
// cardinality. A nil s.Metrics disables recording.
func (s *Server) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Metrics == nil {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()

		rc := &responseCapture{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(rc, r)

		duration := time.Since(start)
		status := strconv.Itoa(rc.statusCode)

		s.Metrics.RecordRequest(r.Method, routePattern(r), status, duration)
	})
}

// SecurityHeadersMiddleware sets the response headers for a JSON-only API.
// Notification status changes underneath clients, so nothing is cacheable.
func (s *Server) SecurityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

// NewCORSMiddleware allows the listed origins ("*" allows all) and answers
// OPTIONS preflight requests with 204.
func NewCORSMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	allowAll := false
	originSet := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAll = true
			break
		}
		originSet[o] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			var allowedOrigin string
			if allowAll {
				allowedOrigin = "*"
			} else if origin != "" {
				if _, ok := originSet[origin]; ok {
					allowedOrigin = origin
				}
			}

			if allowedOrigin != "" {
				w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-Id, X-Correlation-Id")
				w.Header().Set("Access-Control-Expose-Headers", "X-Request-Id, X-Correlation-Id")
				w.Header().Set("Access-Control-Max-Age", "86400")
				w.Header().Set("Access-Control-Allow-Credentials", "true")

				if allowedOrigin != "*" {
					w.Header().Set("Vary", "Origin")
				}
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// writeJSON formats the error envelope by hand so the panic path cannot panic
// again inside json.Marshal.
func writeJSON(w http.ResponseWriter, resp APIErrorResponse) error {
	code := escapeJSON(resp.Error.Code)
	message := escapeJSON(resp.Error.Message)
	requestID := escapeJSON(resp.Error.RequestID)

	s := fmt.Sprintf(
		`{"error":{"code":"%s","message":"%s","request_id":"%s"}}`,
		code, message, requestID,
	)
	_, err := w.Write([]byte(s))
	return err
}

// escapeJSON escapes the characters that would break a JSON string.
func escapeJSON(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	s = strings.ReplaceAll(s, "\n", `\n`)
	s = strings.ReplaceAll(s, "\r", `\r`)
	s = strings.ReplaceAll(s, "\t", `\t`)
	return s
}

// routePattern returns the matched chi route pattern, or "unmatched" for
// requests that hit no route.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}
