package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"time"
)

// MaxBodySize returns middleware that limits request body size.
//
// Requests whose Content-Length exceeds maxBytes are rejected with 413
// before the handler runs. Every body is also wrapped with
// http.MaxBytesReader, which JSON reports as 413 for chunked or
// mislabelled bodies.
func MaxBodySize(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				SetError(r, ErrPayloadTooLarge.With("Request body too large"))
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

// APIKeyHeader is the header APIKey reads the key from.
const APIKeyHeader = "X-API-Key"

// APIKey returns middleware that rejects requests whose X-API-Key header
// does not match key with 401.
func APIKey(key string) func(http.Handler) http.Handler {
	want := []byte(key)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.Header.Get(APIKeyHeader)
			if got == "" {
				SetError(r, ErrUnauthorized.With("Missing API key"))
				return
			}
			if subtle.ConstantTimeCompare([]byte(got), want) != 1 {
				SetError(r, ErrUnauthorized.With("Invalid API key"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SLOTier represents an SLO classification level.
type SLOTier string

const (
	// SLOCritical is for essential functions (50ms latency target).
	SLOCritical SLOTier = "critical"

	// SLOHighFast is for user-facing requests requiring quick responses (100ms).
	SLOHighFast SLOTier = "high_fast"

	// SLOHighSlow is for important requests that can tolerate higher latency (1000ms).
	SLOHighSlow SLOTier = "high_slow"

	// SLOLow is for background or administrative functions (5000ms).
	SLOLow SLOTier = "low"
)

var sloTargets = map[SLOTier]time.Duration{
	SLOCritical: 50 * time.Millisecond,
	SLOHighFast: 100 * time.Millisecond,
	SLOHighSlow: 1000 * time.Millisecond,
	SLOLow:      5000 * time.Millisecond,
}

type sloContextKey string

const sloConfigKey sloContextKey = "slo_config"

type sloConfig struct {
	tier   SLOTier
	target time.Duration
}

// SLO sets a predefined SLO tier in context for Handler to evaluate.
// The tier is also recorded in the Handler state, so a Handler mounted
// above the router sees it.
func SLO(tier SLOTier) func(http.Handler) http.Handler {
	cfg := &sloConfig{tier: tier, target: sloTargets[tier]}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if state := getState(r.Context()); state != nil {
				state.mu.Lock()
				state.slo = cfg
				state.mu.Unlock()
			}
			ctx := context.WithValue(r.Context(), sloConfigKey, cfg)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetSLO retrieves the SLO tier and target from context.
func GetSLO(ctx context.Context) (SLOTier, time.Duration, bool) {
	cfg, ok := ctx.Value(sloConfigKey).(*sloConfig)
	if !ok {
		return "", 0, false
	}
	return cfg.tier, cfg.target, true
}
