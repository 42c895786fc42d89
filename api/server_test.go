package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/nhalm/limitkit"
	"github.com/nhalm/limitkit/api"
	"github.com/nhalm/limitkit/store"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestServer(t *testing.T, opts ...api.Option) (http.Handler, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(epoch)
	limiter := limitkit.NewRateLimiter(store.NewMemory(store.MemoryWithClock(clock)))
	opts = append([]api.Option{api.WithClock(clock)}, opts...)
	return api.NewServer(limiter, opts...).Router(), clock
}

func do(t *testing.T, h http.Handler, method, path, body string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, http.NoBody)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) *api.APIError {
	t.Helper()
	var body map[string]*api.APIError
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return body["error"]
}

const burstLimit = `{"namespace":"api","max_value":2,"window_ms":60000,"name":"burst","conditions":["method == GET"],"variables":["user"]}`

func TestServer_Status(t *testing.T) {
	h, _ := newTestServer(t)

	rec := do(t, h, http.MethodGet, "/status", "")
	if rec.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
}

func TestServer_Limits(t *testing.T) {
	h, _ := newTestServer(t)

	rec := do(t, h, http.MethodPost, "/limits", burstLimit)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected status %d, got %d: %s", http.StatusCreated, rec.Code, rec.Body.String())
	}

	rec = do(t, h, http.MethodGet, "/limits/api", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}
	var limits []limitkit.Limit
	if err := json.NewDecoder(rec.Body).Decode(&limits); err != nil {
		t.Fatalf("failed to decode limits: %v", err)
	}
	if len(limits) != 1 || limits[0].Name() != "burst" || limits[0].Window() != time.Minute {
		t.Fatalf("limits = %v, want the burst limit", limits)
	}

	rec = do(t, h, http.MethodDelete, "/limits/api", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, rec.Code)
	}

	rec = do(t, h, http.MethodGet, "/limits/api", "")
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("limits after delete = %s, want []", rec.Body.String())
	}
}

func TestServer_AddLimitErrors(t *testing.T) {
	h, _ := newTestServer(t)

	tests := []struct {
		name     string
		body     string
		wantType string
	}{
		{name: "malformed json", body: `{"namespace":`, wantType: "request_error"},
		{name: "missing namespace", body: `{"max_value":1,"window_ms":1000}`, wantType: "validation_error"},
		{name: "zero window", body: `{"namespace":"api","max_value":1,"window_ms":0}`, wantType: "validation_error"},
		{name: "bad condition", body: `{"namespace":"api","max_value":1,"window_ms":1000,"conditions":["method"]}`, wantType: "request_error"},
		{name: "max value out of range", body: `{"namespace":"api","max_value":18446744073709551615,"window_ms":1000}`, wantType: "request_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, h, http.MethodPost, "/limits", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
			}
			if got := decodeError(t, rec).Type; got != tt.wantType {
				t.Errorf("error type = %q, want %q", got, tt.wantType)
			}
		})
	}
}

func TestServer_APIKey(t *testing.T) {
	h, _ := newTestServer(t, api.WithAPIKey("secret"))

	if rec := do(t, h, http.MethodPost, "/limits", burstLimit); rec.Code != http.StatusUnauthorized {
		t.Errorf("POST /limits without key: expected %d, got %d", http.StatusUnauthorized, rec.Code)
	}
	if rec := do(t, h, http.MethodDelete, "/limits/api", "", api.APIKeyHeader, "wrong"); rec.Code != http.StatusUnauthorized {
		t.Errorf("DELETE /limits with wrong key: expected %d, got %d", http.StatusUnauthorized, rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/limits", burstLimit, api.APIKeyHeader, "secret"); rec.Code != http.StatusCreated {
		t.Errorf("POST /limits with key: expected %d, got %d", http.StatusCreated, rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/limits/api", ""); rec.Code != http.StatusOK {
		t.Errorf("GET /limits is not key protected: expected %d, got %d", http.StatusOK, rec.Code)
	}
}

func TestServer_CheckAndReport(t *testing.T) {
	h, clock := newTestServer(t)
	do(t, h, http.MethodPost, "/limits", burstLimit)

	req := `{"namespace":"api","values":{"method":"GET","user":"alice"}}`

	for i, wantRemaining := range []string{"1", "0"} {
		rec := do(t, h, http.MethodPost, "/check_and_report", req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected status %d, got %d", i, http.StatusOK, rec.Code)
		}
		if got := rec.Header().Get("RateLimit-Limit"); got != "2" {
			t.Errorf("RateLimit-Limit = %q, want 2", got)
		}
		if got := rec.Header().Get("RateLimit-Remaining"); got != wantRemaining {
			t.Errorf("request %d: RateLimit-Remaining = %q, want %s", i, got, wantRemaining)
		}
		if got, want := rec.Header().Get("RateLimit-Reset"), "1767225660"; got != want {
			t.Errorf("RateLimit-Reset = %q, want %s", got, want)
		}
	}

	clock.Advance(15 * time.Second)
	rec := do(t, h, http.MethodPost, "/check_and_report", req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected status %d, got %d", http.StatusTooManyRequests, rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "45" {
		t.Errorf("Retry-After = %q, want 45", got)
	}
	apiErr := decodeError(t, rec)
	if apiErr.Type != "rate_limit_error" || !strings.Contains(apiErr.Message, "burst") {
		t.Errorf("error = %+v, want rate_limit_error naming burst", apiErr)
	}

	// Another user has their own counter.
	rec = do(t, h, http.MethodPost, "/check_and_report", `{"namespace":"api","values":{"method":"GET","user":"bob"}}`)
	if rec.Code != http.StatusOK {
		t.Errorf("other user: expected status %d, got %d", http.StatusOK, rec.Code)
	}

	// Conditions that do not hold leave the request unlimited and headerless.
	rec = do(t, h, http.MethodPost, "/check_and_report", `{"namespace":"api","values":{"method":"POST","user":"alice"}}`)
	if rec.Code != http.StatusOK || rec.Header().Get("RateLimit-Limit") != "" {
		t.Errorf("non-matching request: status %d, RateLimit-Limit %q", rec.Code, rec.Header().Get("RateLimit-Limit"))
	}

	// The window is still live at the instant it expires.
	clock.Advance(45 * time.Second)
	if rec := do(t, h, http.MethodPost, "/check_and_report", req); rec.Code != http.StatusTooManyRequests {
		t.Errorf("at window end: expected status %d, got %d", http.StatusTooManyRequests, rec.Code)
	}

	clock.Advance(time.Nanosecond)
	if rec := do(t, h, http.MethodPost, "/check_and_report", req); rec.Code != http.StatusOK {
		t.Errorf("after window: expected status %d, got %d", http.StatusOK, rec.Code)
	}
}

func TestServer_RetryAfterFollowsExceededLimit(t *testing.T) {
	h, _ := newTestServer(t)
	do(t, h, http.MethodPost, "/limits", `{"namespace":"api","max_value":4,"window_ms":10000,"name":"exact"}`)
	do(t, h, http.MethodPost, "/limits", `{"namespace":"api","max_value":3,"window_ms":3600000,"name":"strict"}`)

	if rec := do(t, h, http.MethodPost, "/check_and_report", `{"namespace":"api"}`); rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}

	// delta 3 fills exact to zero without exceeding it and overruns strict.
	rec := do(t, h, http.MethodPost, "/check_and_report", `{"namespace":"api","delta":3}`)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected status %d, got %d", http.StatusTooManyRequests, rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "3600" {
		t.Errorf("Retry-After = %q, want 3600 from strict", got)
	}
	if got := rec.Header().Get("RateLimit-Limit"); got != "3" {
		t.Errorf("RateLimit-Limit = %q, want 3 from strict", got)
	}
	if apiErr := decodeError(t, rec); !strings.Contains(apiErr.Message, "strict") {
		t.Errorf("error message = %q, want it to name strict", apiErr.Message)
	}
}

func TestServer_CheckThenReport(t *testing.T) {
	h, _ := newTestServer(t)
	do(t, h, http.MethodPost, "/limits", burstLimit)

	req := `{"namespace":"api","values":{"method":"GET","user":"alice"},"delta":2}`

	if rec := do(t, h, http.MethodPost, "/check", req); rec.Code != http.StatusOK {
		t.Fatalf("check: expected status %d, got %d", http.StatusOK, rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/report", req); rec.Code != http.StatusNoContent {
		t.Fatalf("report: expected status %d, got %d", http.StatusNoContent, rec.Code)
	}
	if rec := do(t, h, http.MethodPost, "/check", `{"namespace":"api","values":{"method":"GET","user":"alice"}}`); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("check after report: expected status %d, got %d", http.StatusTooManyRequests, rec.Code)
	}

	rec := do(t, h, http.MethodGet, "/counters/api", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("counters: expected status %d, got %d", http.StatusOK, rec.Code)
	}
	var counters []struct {
		Values      map[string]string `json:"set_variables"`
		Remaining   int64             `json:"remaining"`
		ExpiresInMs int64             `json:"expires_in_ms"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&counters); err != nil {
		t.Fatalf("failed to decode counters: %v", err)
	}
	if len(counters) != 1 || counters[0].Values["user"] != "alice" || counters[0].Remaining != 0 || counters[0].ExpiresInMs != 60000 {
		t.Errorf("counters = %+v, want alice with 0 remaining", counters)
	}
}

func TestServer_CheckValidation(t *testing.T) {
	h, _ := newTestServer(t)

	rec := do(t, h, http.MethodPost, "/check", `{"values":{}}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
	}
}

func TestServer_SLOTiers(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	h, _ := newTestServer(t, api.WithHandlerOptions(api.WithCanonlog(), api.WithSLOs()))

	tests := []struct {
		method string
		path   string
		body   string
		want   api.SLOTier
	}{
		{http.MethodGet, "/status", "", api.SLOHighFast},
		{http.MethodGet, "/limits/api", "", api.SLOHighSlow},
		{http.MethodGet, "/counters/api", "", api.SLOHighSlow},
		{http.MethodPost, "/limits", burstLimit, api.SLOLow},
		{http.MethodDelete, "/limits/api", "", api.SLOLow},
		{http.MethodPost, "/check", `{"namespace":"api"}`, api.SLOCritical},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			buf.Reset()
			do(t, h, tt.method, tt.path, tt.body)

			var line map[string]any
			if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
				t.Fatalf("failed to decode log line %q: %v", buf.String(), err)
			}
			if got := line["slo_class"]; got != string(tt.want) {
				t.Errorf("slo_class = %v, want %s", got, tt.want)
			}
			if got := line["slo_status"]; got != "PASS" && got != "FAIL" {
				t.Errorf("slo_status = %v, want PASS or FAIL", got)
			}
		})
	}
}

func TestServer_NotFound(t *testing.T) {
	h, _ := newTestServer(t)

	rec := do(t, h, http.MethodGet, "/nope", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected status %d, got %d", http.StatusNotFound, rec.Code)
	}
	rec = do(t, h, http.MethodPut, "/check", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected status %d, got %d", http.StatusMethodNotAllowed, rec.Code)
	}
}

type brokenStorage struct {
	limitkit.Storage
	err error
}

func (b brokenStorage) GetLimits(context.Context, string) ([]limitkit.Limit, error) {
	return nil, b.err
}

func TestServer_StorageErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{name: "transient", err: limitkit.NewStorageError("timeout", context.DeadlineExceeded, true), wantStatus: http.StatusServiceUnavailable},
		{name: "permanent", err: limitkit.NewStorageError("bad reply", errors.New("WRONGTYPE"), false), wantStatus: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			limiter := limitkit.NewRateLimiter(brokenStorage{Storage: store.NewMemory(), err: tt.err})
			h := api.NewServer(limiter).Router()

			rec := do(t, h, http.MethodPost, "/check_and_report", `{"namespace":"api"}`)
			if rec.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, rec.Code)
			}
		})
	}
}
