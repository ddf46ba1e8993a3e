// Package httpapi exposes the check coordinator over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haukened/sbguard/internal/sb/common/log"
	"github.com/haukened/sbguard/internal/sb/common/urlutil"
	"github.com/haukened/sbguard/internal/sb/domain"
	"github.com/haukened/sbguard/internal/sb/repos/threatstore"
	"github.com/haukened/sbguard/internal/sb/services/coordinator"
)

// Checker is the part of the coordinator the API drives.
type Checker interface {
	CheckURL(rawURL string, client coordinator.Client) bool
	CancelCheck(client coordinator.Client)
	ShouldWarnUser(viewID, domainName string, verdict domain.Verdict) bool
	RecordUserProceeded(viewID, domainName string, verdict domain.Verdict)
	ForgetView(viewID string)
	Stats() coordinator.Stats
	ResetDatabase(ctx context.Context) error
	Suspend()
	Resume()
}

// StoreStatser reports threat store counters. Optional.
type StoreStatser interface {
	Stats() threatstore.StoreStats
}

var _ Checker = (*coordinator.Coordinator)(nil)

const defaultCheckTimeout = 5 * time.Second

// Options configures a Server.
type Options struct {
	Checker      Checker
	Store        StoreStatser
	Gatherer     prometheus.Gatherer
	CheckTimeout time.Duration
	Logger       log.Logger
}

// Server serves the HTTP API.
type Server struct {
	checker      Checker
	store        StoreStatser
	gatherer     prometheus.Gatherer
	checkTimeout time.Duration
	logger       log.Logger
}

// New creates a Server. Checker is required.
func New(opts Options) (*Server, error) {
	if opts.Checker == nil {
		return nil, errors.New("httpapi: checker is required")
	}
	if opts.CheckTimeout <= 0 {
		opts.CheckTimeout = defaultCheckTimeout
	}
	if opts.Logger == nil {
		opts.Logger = log.Component("httpapi")
	}
	return &Server{
		checker:      opts.Checker,
		store:        opts.Store,
		gatherer:     opts.Gatherer,
		checkTimeout: opts.CheckTimeout,
		logger:       opts.Logger,
	}, nil
}

// Router builds the route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { writeText(w, http.StatusOK, "ok\n") })
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/check", s.check)
		r.Post("/proceed", s.proceed)
		r.Delete("/views/{view}", s.forgetView)
		r.Get("/stats", s.stats)
		r.Post("/reset", s.reset)
		r.Post("/suspend", s.suspend)
		r.Post("/resume", s.resume)
	})
	return r
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug(map[string]any{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"duration":   time.Since(start).String(),
			"request_id": middleware.GetReqID(r.Context()),
		}, "request")
	})
}

// waiter receives the asynchronous verdict for a single request.
type waiter struct {
	verdicts chan domain.Verdict
}

func (w *waiter) OnCheckResult(_ string, verdict domain.Verdict) {
	select {
	case w.verdicts <- verdict:
	default:
	}
}

type checkResponse struct {
	URL      string `json:"url"`
	Verdict  string `json:"verdict"`
	Warn     bool   `json:"warn"`
	Async    bool   `json:"async"`
	TimedOut bool   `json:"timed_out,omitempty"`
}

func (s *Server) check(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("url")
	if raw == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "url is required"})
		return
	}
	view := r.URL.Query().Get("view")

	resp := checkResponse{URL: raw, Verdict: domain.VerdictSafe.String()}
	cl := &waiter{verdicts: make(chan domain.Verdict, 1)}
	if s.checker.CheckURL(raw, cl) {
		writeJSON(w, http.StatusOK, resp)
		return
	}
	resp.Async = true

	timer := time.NewTimer(s.checkTimeout)
	defer timer.Stop()

	verdict := domain.VerdictSafe
	select {
	case verdict = <-cl.verdicts:
	case <-r.Context().Done():
		s.checker.CancelCheck(cl)
		return
	case <-timer.C:
		s.checker.CancelCheck(cl)
		resp.TimedOut = true
		s.logger.Warn(map[string]any{"url": raw, "timeout": s.checkTimeout.String()}, "check timed out; reporting safe")
	}

	resp.Verdict = verdict.String()
	if verdict.IsThreat() {
		resp.Warn = s.checker.ShouldWarnUser(view, urlutil.CanonicalHost(raw), verdict)
	}
	writeJSON(w, http.StatusOK, resp)
}

type proceedRequest struct {
	View    string `json:"view"`
	Domain  string `json:"domain"`
	Verdict string `json:"verdict"`
}

func (s *Server) proceed(w http.ResponseWriter, r *http.Request) {
	var req proceedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json"})
		return
	}
	if req.View == "" || req.Domain == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "view and domain are required"})
		return
	}
	verdict, err := domain.ParseVerdict(req.Verdict)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}
	s.checker.RecordUserProceeded(req.View, req.Domain, verdict)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) forgetView(w http.ResponseWriter, r *http.Request) {
	s.checker.ForgetView(chi.URLParam(r, "view"))
	w.WriteHeader(http.StatusNoContent)
}

type filterStats struct {
	Bits              uint32  `json:"bits"`
	HashKeys          int     `json:"hash_keys"`
	SetBits           uint    `json:"set_bits"`
	FalsePositiveRate float64 `json:"false_positive_rate"`
}

type storeStats struct {
	Lists        int        `json:"lists"`
	AddChunks    int        `json:"add_chunks"`
	SubChunks    int        `json:"sub_chunks"`
	Prefixes     int        `json:"prefixes"`
	CachedHashes int        `json:"cached_hashes"`
	CacheHits    uint64     `json:"cache_hits"`
	CacheMisses  uint64     `json:"cache_misses"`
	LastUpdate   *time.Time `json:"last_update,omitempty"`
	LastCompact  *time.Time `json:"last_compact,omitempty"`
}

type statsResponse struct {
	Enabled     bool         `json:"enabled"`
	Available   bool         `json:"available"`
	Suspended   bool         `json:"suspended"`
	Pending     int          `json:"pending"`
	WaitQueues  int          `json:"wait_queues"`
	Whitelisted int          `json:"whitelisted"`
	Filter      *filterStats `json:"filter,omitempty"`
	Store       *storeStats  `json:"store,omitempty"`
}

func (s *Server) stats(w http.ResponseWriter, _ *http.Request) {
	cs := s.checker.Stats()
	resp := statsResponse{
		Enabled:     cs.Enabled,
		Available:   cs.Available,
		Suspended:   cs.Suspended,
		Pending:     cs.Pending,
		WaitQueues:  cs.WaitQueues,
		Whitelisted: cs.Whitelisted,
	}
	if cs.Filter != nil {
		resp.Filter = &filterStats{
			Bits:              cs.Filter.Bits,
			HashKeys:          cs.Filter.HashKeys,
			SetBits:           cs.Filter.SetBits,
			FalsePositiveRate: cs.Filter.FalsePositiveRate,
		}
	}
	if s.store != nil {
		st := s.store.Stats()
		resp.Store = &storeStats{
			Lists:        st.Lists,
			AddChunks:    st.AddChunks,
			SubChunks:    st.SubChunks,
			Prefixes:     st.Prefixes,
			CachedHashes: st.CachedHashes,
			CacheHits:    st.CacheHits,
			CacheMisses:  st.CacheMisses,
			LastUpdate:   timeOrNil(st.LastUpdate),
			LastCompact:  timeOrNil(st.LastCompact),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) reset(w http.ResponseWriter, r *http.Request) {
	if err := s.checker.ResetDatabase(r.Context()); err != nil {
		s.logger.Error(map[string]any{"error": err.Error()}, "database reset failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// suspend pauses feed polling, e.g. before the host sleeps. Checks keep working.
func (s *Server) suspend(w http.ResponseWriter, _ *http.Request) {
	s.checker.Suspend()
	s.logger.Info(nil, "update polling suspended")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) resume(w http.ResponseWriter, _ *http.Request) {
	s.checker.Resume()
	s.logger.Info(nil, "update polling resumed")
	w.WriteHeader(http.StatusNoContent)
}

func timeOrNil(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeText(w http.ResponseWriter, status int, s string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(s))
}
