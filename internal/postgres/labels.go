package postgres

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
)

type labelKey int

const (
	httpMethodKey labelKey = iota
	jobKey
	dbStatsKey
)

// QueryObserver receives per-query metrics (wired by main for Prometheus).
// source is the HTTP method or "JOB" for background work; route is the chi
// route pattern or the job name.
type QueryObserver interface {
	ObserveQuery(ctx context.Context, source, route, outcome string, dur time.Duration)
}

// QueryObserverFunc adapts a plain function to QueryObserver.
type QueryObserverFunc func(ctx context.Context, source, route, outcome string, dur time.Duration)

// ObserveQuery implements QueryObserver.
func (f QueryObserverFunc) ObserveQuery(ctx context.Context, source, route, outcome string, dur time.Duration) {
	f(ctx, source, route, outcome, dur)
}

type observerBox struct{ QueryObserver }

var observer atomic.Pointer[observerBox]

// SetQueryObserver installs the process-wide query observer. nil removes it.
func SetQueryObserver(o QueryObserver) {
	if o == nil {
		observer.Store(nil)
		return
	}
	observer.Store(&observerBox{QueryObserver: o})
}

func currentObserver() QueryObserver {
	if b := observer.Load(); b != nil {
		return b.QueryObserver
	}
	return nil
}

// WithHTTPMethod labels queries issued while serving a request.
func WithHTTPMethod(ctx context.Context, method string) context.Context {
	if method == "" {
		return ctx
	}
	return context.WithValue(ctx, httpMethodKey, method)
}

// WithJob labels queries issued by background work such as the scheduler.
func WithJob(ctx context.Context, name string) context.Context {
	if name == "" {
		return ctx
	}
	return context.WithValue(ctx, jobKey, name)
}

// queryLabels returns the metric labels for a query issued under ctx.
func queryLabels(ctx context.Context) (source, route string) {
	source, route = "UNKNOWN", "unknown"
	if m, ok := ctx.Value(httpMethodKey).(string); ok {
		source = m
		if rc := chi.RouteContext(ctx); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		return source, route
	}
	if job, ok := ctx.Value(jobKey).(string); ok {
		return "JOB", job
	}
	return source, route
}

// ReqDBStats accumulates database usage for one request or one tick.
type ReqDBStats struct {
	mu            sync.Mutex
	QueryCount    int
	TotalDuration time.Duration
	ErrorCount    int
}

// AddQuery records a single query execution.
func (s *ReqDBStats) AddQuery(dur time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.QueryCount++
	s.TotalDuration += dur
	if err != nil {
		s.ErrorCount++
	}
}

// NewReqDBStatsContext returns a context carrying an empty ReqDBStats.
func NewReqDBStatsContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, dbStatsKey, &ReqDBStats{})
}

// ReqDBStatsFromContext returns the ReqDBStats attached to ctx, if any.
func ReqDBStatsFromContext(ctx context.Context) (*ReqDBStats, bool) {
	s, ok := ctx.Value(dbStatsKey).(*ReqDBStats)
	return s, ok
}
