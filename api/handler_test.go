package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nhalm/canonlog"
)

func TestHandler_SuccessResponse(t *testing.T) {
	handler := Handler()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		SetResponse(r, http.StatusCreated, map[string]string{"id": "123"})
	}))

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Errorf("expected status %d, got %d", http.StatusCreated, rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected Content-Type application/json, got %s", ct)
	}

	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["id"] != "123" {
		t.Errorf("expected id=123, got %s", body["id"])
	}
}

func TestHandler_ErrorTakesPrecedence(t *testing.T) {
	handler := Handler()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		SetResponse(r, http.StatusOK, map[string]string{"status": "ok"})
		SetError(r, ErrUnauthorized)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected status %d, got %d", http.StatusUnauthorized, rec.Code)
	}
}

func TestHandler_PanicRecovery(t *testing.T) {
	handler := Handler(WithCanonlog())(http.HandlerFunc(func(_ http.ResponseWriter, _ *http.Request) {
		panic("something went wrong")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected status %d, got %d", http.StatusInternalServerError, rec.Code)
	}

	var body map[string]*APIError
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["error"].Type != "internal_error" {
		t.Errorf("expected type internal_error, got %s", body["error"].Type)
	}
}

func TestHandler_StatusOnlyResponse(t *testing.T) {
	handler := Handler()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		SetResponse(r, http.StatusNoContent, nil)
	}))

	req := httptest.NewRequest(http.MethodDelete, "/", http.NoBody)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusNoContent {
		t.Errorf("expected status %d, got %d", http.StatusNoContent, rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Errorf("expected empty body, got %q", rec.Body.String())
	}
}

func TestHandler_RequestID(t *testing.T) {
	var seen string
	handler := Handler()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = r.Header.Get(RequestIDHeader)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if _, err := uuid.Parse(seen); err != nil {
		t.Errorf("generated request ID %q is not a UUID: %v", seen, err)
	}
	if got := rec.Header().Get(RequestIDHeader); got != seen {
		t.Errorf("response request ID = %q, want %q", got, seen)
	}

	req = httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	req.Header.Set(RequestIDHeader, "test-123")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if seen != "test-123" || rec.Header().Get(RequestIDHeader) != "test-123" {
		t.Errorf("incoming request ID not propagated: handler saw %q, response %q", seen, rec.Header().Get(RequestIDHeader))
	}
}

func TestHandler_Canonlog(t *testing.T) {
	var loggerFound bool
	handler := Handler(WithCanonlog(), WithSLOs())(SLO(SLOCritical)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		_, loggerFound = canonlog.TryGetLogger(r.Context())
		if tier, target, ok := GetSLO(r.Context()); !ok || tier != SLOCritical || target != 50*time.Millisecond {
			t.Errorf("GetSLO() = %v, %v, %v", tier, target, ok)
		}
		SetResponse(r, http.StatusOK, nil)
	})))

	req := httptest.NewRequest(http.MethodGet, "/", http.NoBody)
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if !loggerFound {
		t.Error("expected canonlog logger in context with WithCanonlog")
	}

	handler = Handler()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		_, loggerFound = canonlog.TryGetLogger(r.Context())
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", http.NoBody))

	if loggerFound {
		t.Error("expected no canonlog logger without WithCanonlog")
	}
}

func TestAPIError_Is(t *testing.T) {
	err := ErrNotFound.With("Namespace not found")

	if !errors.Is(err, ErrNotFound) {
		t.Error("expected errors.Is to match ErrNotFound")
	}
	if errors.Is(err, ErrUnauthorized) {
		t.Error("expected errors.Is not to match ErrUnauthorized")
	}
	if ErrNotFound.Message != "Resource not found" {
		t.Error("With() modified the sentinel")
	}
}

func TestMaxBodySize(t *testing.T) {
	type payload struct {
		Name string `json:"name" validate:"required"`
	}

	handler := Handler()(MaxBodySize(16)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		var p payload
		if !JSON(r, &p) {
			return
		}
		SetResponse(r, http.StatusOK, p)
	})))

	tests := []struct {
		name          string
		body          string
		contentLength int64
		wantStatus    int
	}{
		{name: "small body", body: `{"name":"a"}`, wantStatus: http.StatusOK},
		{name: "declared too large", body: strings.Repeat("x", 32), wantStatus: http.StatusRequestEntityTooLarge},
		{name: "undeclared too large", body: `{"name":"` + strings.Repeat("x", 32) + `"}`, contentLength: -1, wantStatus: http.StatusRequestEntityTooLarge},
		{name: "validation failure", body: `{}`, wantStatus: http.StatusBadRequest},
		{name: "unknown field", body: `{"nam":"a"}`, wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			if tt.contentLength != 0 {
				req.ContentLength = tt.contentLength
			}
			rec := httptest.NewRecorder()

			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}
		})
	}
}

func TestJSON_ValidationErrors(t *testing.T) {
	type payload struct {
		Namespace string `json:"namespace" validate:"required"`
		WindowMs  int64  `json:"window_ms" validate:"gt=0"`
	}

	handler := Handler()(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		var p payload
		JSON(r, &p)
	}))

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"window_ms":0}`))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var body errorResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body.Error.Type != "validation_error" || len(body.Error.Errors) != 2 {
		t.Fatalf("error = %+v, want two field errors", body.Error)
	}
	params := map[string]string{}
	for _, fe := range body.Error.Errors {
		params[fe.Param] = fe.Code
	}
	if params["namespace"] != "required" || params["window_ms"] != "gt" {
		t.Errorf("field errors = %v, want namespace=required window_ms=gt", params)
	}
}

func TestAPIKey(t *testing.T) {
	handler := Handler()(APIKey("secret")(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		SetResponse(r, http.StatusOK, nil)
	})))

	tests := []struct {
		name       string
		key        string
		wantStatus int
	}{
		{name: "valid", key: "secret", wantStatus: http.StatusOK},
		{name: "missing", key: "", wantStatus: http.StatusUnauthorized},
		{name: "wrong", key: "secreT", wantStatus: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", http.NoBody)
			if tt.key != "" {
				req.Header.Set(APIKeyHeader, tt.key)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, rec.Code)
			}
		})
	}
}
