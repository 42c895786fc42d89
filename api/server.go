package api

import (
	"cmp"
	"fmt"
	"math"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nhalm/limitkit"
)

// Server serves the HTTP surface of a RateLimiter.
//
//	GET    /status
//	GET    /limits/{namespace}
//	POST   /limits                 (API key)
//	DELETE /limits/{namespace}     (API key)
//	GET    /counters/{namespace}
//	POST   /check
//	POST   /report
//	POST   /check_and_report
type Server struct {
	limiter      *limitkit.RateLimiter
	clock        limitkit.Clock
	apiKey       string
	maxBodyBytes int64
	handlerOpts  []HandlerOption
}

// Option configures a Server.
type Option func(*Server)

// WithAPIKey requires key in the X-API-Key header of mutating admin routes.
// An empty key disables the check.
func WithAPIKey(key string) Option {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithMaxBodyBytes caps request bodies. Defaults to 1 MiB.
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) {
		s.maxBodyBytes = n
	}
}

// WithClock sets the clock used for RateLimit-Reset. Defaults to the wall clock.
func WithClock(clock limitkit.Clock) Option {
	return func(s *Server) {
		s.clock = clock
	}
}

// WithHandlerOptions passes options to the Handler middleware.
func WithHandlerOptions(opts ...HandlerOption) Option {
	return func(s *Server) {
		s.handlerOpts = append(s.handlerOpts, opts...)
	}
}

// NewServer creates a Server over limiter. It panics if limiter is nil.
func NewServer(limiter *limitkit.RateLimiter, opts ...Option) *Server {
	if limiter == nil {
		panic("api: limiter must not be nil")
	}
	s := &Server{
		limiter:      limiter,
		clock:        limitkit.SystemClock(),
		maxBodyBytes: 1 << 20,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router returns the chi router serving every route.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(Handler(s.handlerOpts...))
	r.Use(MaxBodySize(s.maxBodyBytes))

	r.NotFound(func(_ http.ResponseWriter, r *http.Request) {
		SetError(r, ErrNotFound)
	})
	r.MethodNotAllowed(func(_ http.ResponseWriter, r *http.Request) {
		SetError(r, ErrMethodNotAllowed)
	})

	r.With(SLO(SLOHighFast)).Get("/status", s.status)

	r.Group(func(r chi.Router) {
		r.Use(SLO(SLOHighSlow))
		r.Get("/limits/{namespace}", s.getLimits)
		r.Get("/counters/{namespace}", s.getCounters)
	})

	r.Group(func(r chi.Router) {
		r.Use(SLO(SLOLow))
		if s.apiKey != "" {
			r.Use(APIKey(s.apiKey))
		}
		r.Post("/limits", s.addLimit)
		r.Delete("/limits/{namespace}", s.deleteLimits)
	})

	r.Group(func(r chi.Router) {
		r.Use(SLO(SLOCritical))
		r.Post("/check", s.check)
		r.Post("/report", s.report)
		r.Post("/check_and_report", s.checkAndReport)
	})

	return r
}

type limitRequest struct {
	Namespace  string   `json:"namespace" validate:"required"`
	MaxValue   uint64   `json:"max_value"`
	WindowMs   int64    `json:"window_ms" validate:"gt=0"`
	Name       string   `json:"name"`
	Conditions []string `json:"conditions" validate:"dive,required"`
	Variables  []string `json:"variables" validate:"dive,required"`
}

type checkRequest struct {
	Namespace string            `json:"namespace" validate:"required"`
	Values    map[string]string `json:"values"`
	// Delta defaults to 1.
	Delta *uint64 `json:"delta"`
}

func (c checkRequest) delta() uint64 {
	if c.Delta == nil {
		return 1
	}
	return *c.Delta
}

type counterResponse struct {
	Limit       limitkit.Limit    `json:"limit"`
	Values      map[string]string `json:"set_variables"`
	Remaining   int64             `json:"remaining"`
	ExpiresInMs int64             `json:"expires_in_ms"`
}

type checkResponse struct {
	Limited   bool              `json:"limited"`
	LimitName string            `json:"limit_name,omitempty"`
	Counters  []counterResponse `json:"counters,omitempty"`
}

func (s *Server) status(_ http.ResponseWriter, r *http.Request) {
	SetResponse(r, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) getLimits(_ http.ResponseWriter, r *http.Request) {
	ns := chi.URLParam(r, "namespace")
	logInfo(r.Context(), map[string]any{"namespace": ns})

	limits, err := s.limiter.GetLimits(r.Context(), ns)
	if err != nil {
		s.fail(r, err)
		return
	}
	slices.SortFunc(limits, func(a, b limitkit.Limit) int {
		return cmp.Compare(a.String(), b.String())
	})
	SetResponse(r, http.StatusOK, limits)
}

func (s *Server) addLimit(_ http.ResponseWriter, r *http.Request) {
	var req limitRequest
	if !JSON(r, &req) {
		return
	}
	logInfo(r.Context(), map[string]any{"namespace": req.Namespace})

	limit, err := limitkit.NewLimit(req.Namespace, req.MaxValue, time.Duration(req.WindowMs)*time.Millisecond,
		limitkit.WithName(req.Name),
		limitkit.WithConditions(req.Conditions...),
		limitkit.WithVariables(req.Variables...),
	)
	if err != nil {
		SetError(r, ErrBadRequest.With(err.Error()))
		return
	}

	if err := s.limiter.AddLimit(r.Context(), limit); err != nil {
		s.fail(r, err)
		return
	}
	SetResponse(r, http.StatusCreated, limit)
}

func (s *Server) deleteLimits(_ http.ResponseWriter, r *http.Request) {
	ns := chi.URLParam(r, "namespace")
	logInfo(r.Context(), map[string]any{"namespace": ns})

	if err := s.limiter.DeleteLimits(r.Context(), ns); err != nil {
		s.fail(r, err)
		return
	}
	SetResponse(r, http.StatusNoContent, nil)
}

func (s *Server) getCounters(_ http.ResponseWriter, r *http.Request) {
	ns := chi.URLParam(r, "namespace")
	logInfo(r.Context(), map[string]any{"namespace": ns})

	snapshots, err := s.limiter.GetCounters(r.Context(), ns)
	if err != nil {
		s.fail(r, err)
		return
	}

	out := make([]counterResponse, len(snapshots))
	for i, snap := range snapshots {
		out[i] = counterResponse{
			Limit:       snap.Counter.Limit(),
			Values:      snap.Counter.Values(),
			Remaining:   snap.Value,
			ExpiresInMs: snap.ExpiresIn.Milliseconds(),
		}
	}
	slices.SortFunc(out, func(a, b counterResponse) int {
		return cmp.Compare(fmt.Sprint(a.Limit, a.Values), fmt.Sprint(b.Limit, b.Values))
	})
	SetResponse(r, http.StatusOK, out)
}

func (s *Server) check(_ http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if !JSON(r, &req) {
		return
	}
	s.logCheck(r, req)

	auth, err := s.limiter.CheckRateLimited(r.Context(), req.Namespace, req.Values, req.delta())
	if err != nil {
		s.fail(r, err)
		return
	}
	if auth.Limited {
		s.limited(r, auth)
		return
	}
	SetResponse(r, http.StatusOK, checkResponse{})
}

func (s *Server) report(_ http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if !JSON(r, &req) {
		return
	}
	s.logCheck(r, req)

	if err := s.limiter.UpdateCounters(r.Context(), req.Namespace, req.Values, req.delta()); err != nil {
		s.fail(r, err)
		return
	}
	SetResponse(r, http.StatusNoContent, nil)
}

func (s *Server) checkAndReport(_ http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if !JSON(r, &req) {
		return
	}
	s.logCheck(r, req)

	result, err := s.limiter.CheckRateLimitedAndUpdate(r.Context(), req.Namespace, req.Values, req.delta())
	if err != nil {
		s.fail(r, err)
		return
	}

	if len(result.Counters) > 0 {
		s.setRateLimitHeaders(r, result)
	}
	if result.Limited {
		s.limited(r, result.Authorization)
		return
	}

	resp := checkResponse{Counters: make([]counterResponse, len(result.Counters))}
	for i, cs := range result.Counters {
		resp.Counters[i] = counterResponse{
			Limit:       cs.Counter.Limit(),
			Values:      cs.Counter.Values(),
			Remaining:   int64(min(cs.State.Remaining, math.MaxInt64)),
			ExpiresInMs: cs.State.ExpiresIn.Milliseconds(),
		}
	}
	SetResponse(r, http.StatusOK, resp)
}

// setRateLimitHeaders reports one counter of result: the first exceeded
// counter when limited, which is the one the outcome names, otherwise the
// one with the least remaining budget. RateLimit-Reset is a Unix timestamp.
// Retry-After is added when limited.
func (s *Server) setRateLimitHeaders(r *http.Request, result limitkit.CheckResult) {
	tightest := reportedCounter(result)

	reset := s.clock.Now().Add(tightest.State.ExpiresIn)
	SetHeader(r, "RateLimit-Limit", strconv.FormatUint(tightest.Counter.MaxValue(), 10))
	SetHeader(r, "RateLimit-Remaining", strconv.FormatUint(tightest.State.Remaining, 10))
	SetHeader(r, "RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))

	if result.Limited {
		retry := int64(math.Ceil(tightest.State.ExpiresIn.Seconds()))
		SetHeader(r, "Retry-After", strconv.FormatInt(retry, 10))
	}
}

func reportedCounter(result limitkit.CheckResult) limitkit.CounterStatus {
	if result.Limited {
		for _, cs := range result.Counters {
			if cs.State.Exceeded {
				return cs
			}
		}
	}
	tightest := result.Counters[0]
	for _, cs := range result.Counters[1:] {
		if cs.State.Remaining < tightest.State.Remaining {
			tightest = cs
		}
	}
	return tightest
}

func (s *Server) limited(r *http.Request, auth limitkit.Authorization) {
	logInfo(r.Context(), map[string]any{"limited": true, "limit_name": auth.LimitName})

	msg := "Rate limit exceeded"
	if auth.LimitName != "" {
		msg = fmt.Sprintf("Rate limit %q exceeded", auth.LimitName)
	}
	SetError(r, ErrRateLimited.With(msg))
}

func (s *Server) logCheck(r *http.Request, req checkRequest) {
	logInfo(r.Context(), map[string]any{
		"namespace": req.Namespace,
		"delta":     req.delta(),
	})
}

func (s *Server) fail(r *http.Request, err error) {
	logError(r.Context(), err)
	SetError(r, storageError(err))
}
