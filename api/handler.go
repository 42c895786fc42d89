package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/nhalm/canonlog"
)

// RequestIDHeader carries the request ID. A missing ID is generated.
const RequestIDHeader = "X-Request-ID"

// HandlerOption configures the Handler middleware.
type HandlerOption func(*handlerConfig)

type handlerConfig struct {
	canonlog       bool
	canonlogFields func(*http.Request) map[string]any
	slosEnabled    bool
}

// WithCanonlog enables canonical logging for requests.
// Logs method, path, route, status, request_id and duration_ms once per
// request. Errors set via SetError are logged with the line.
func WithCanonlog() HandlerOption {
	return func(c *handlerConfig) {
		c.canonlog = true
	}
}

// WithCanonlogFields adds custom fields to each log entry.
// Called at request start, before the handler executes.
func WithCanonlogFields(fn func(*http.Request) map[string]any) HandlerOption {
	return func(c *handlerConfig) {
		c.canonlogFields = fn
	}
}

// WithSLOs logs slo_class and slo_status (PASS or FAIL) for routes wrapped
// with SLO. Requires WithCanonlog.
func WithSLOs() HandlerOption {
	return func(c *handlerConfig) {
		c.slosEnabled = true
	}
}

// Handler returns middleware that manages response state and writes responses.
// Handlers below it report their outcome with SetResponse, SetError and
// SetHeader instead of writing to the ResponseWriter.
func Handler(opts ...HandlerOption) func(http.Handler) http.Handler {
	cfg := &handlerConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			state := &State{}
			ctx := context.WithValue(r.Context(), stateKey, state)

			requestID := r.Header.Get(RequestIDHeader)
			if requestID == "" {
				requestID = uuid.NewString()
				r.Header.Set(RequestIDHeader, requestID)
			}
			w.Header().Set(RequestIDHeader, requestID)

			var start time.Time
			if cfg.canonlog {
				ctx = canonlog.NewContext(ctx)
				start = time.Now()

				canonlog.InfoAddMany(ctx, map[string]any{
					"method":     r.Method,
					"path":       r.URL.Path,
					"request_id": requestID,
				})

				if cfg.canonlogFields != nil {
					canonlog.InfoAddMany(ctx, cfg.canonlogFields(r))
				}
			}

			r = r.WithContext(ctx)

			defer func() {
				if rec := recover(); rec != nil {
					state.mu.Lock()
					state.err = ErrInternal
					state.mu.Unlock()

					if cfg.canonlog {
						canonlog.ErrorAdd(ctx, fmt.Errorf("panic: %v", rec))
					}
				}

				if cfg.canonlog {
					state.mu.Lock()
					status := state.status
					if state.err != nil {
						status = state.err.Status
						canonlog.ErrorAdd(ctx, state.err)
					}
					state.mu.Unlock()
					if status == 0 {
						status = http.StatusOK
					}

					duration := time.Since(start)

					route := r.URL.Path
					if rctx := chi.RouteContext(ctx); rctx != nil {
						if pattern := rctx.RoutePattern(); pattern != "" {
							route = pattern
						}
					}

					canonlog.InfoAddMany(ctx, map[string]any{
						"route":       route,
						"status":      status,
						"duration_ms": duration.Milliseconds(),
					})

					if cfg.slosEnabled {
						if tier, target, ok := stateSLO(ctx, state); ok {
							sloStatus := "PASS"
							if duration > target {
								sloStatus = "FAIL"
							}
							canonlog.InfoAdd(ctx, "slo_class", string(tier))
							canonlog.InfoAdd(ctx, "slo_status", sloStatus)
						}
					}

					canonlog.Flush(ctx)
				}

				writeResponse(w, state)
			}()

			next.ServeHTTP(w, r)
		})
	}
}

func stateSLO(ctx context.Context, state *State) (SLOTier, time.Duration, bool) {
	state.mu.Lock()
	slo := state.slo
	state.mu.Unlock()
	if slo != nil {
		return slo.tier, slo.target, true
	}
	return GetSLO(ctx)
}

func writeResponse(w http.ResponseWriter, state *State) {
	state.mu.Lock()
	defer state.mu.Unlock()

	for key, values := range state.headers {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}

	if state.err != nil {
		writeJSON(w, state.err.Status, errorResponse{Error: state.err})
		return
	}

	if state.body != nil {
		writeJSON(w, state.status, state.body)
		return
	}

	if state.status != 0 {
		w.WriteHeader(state.status)
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(body); err != nil {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("Internal server error"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(buf.Bytes())
}

// logInfo adds fields to the request's canonical log line, if there is one.
func logInfo(ctx context.Context, fields map[string]any) {
	if _, ok := canonlog.TryGetLogger(ctx); ok {
		canonlog.InfoAddMany(ctx, fields)
	}
}

// logError records err on the request's canonical log line, if there is one.
func logError(ctx context.Context, err error) {
	if _, ok := canonlog.TryGetLogger(ctx); ok {
		canonlog.ErrorAdd(ctx, err)
	}
}
