package postgres

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestReqDBStats_AddQuery(t *testing.T) {
	t.Parallel()

	s := &ReqDBStats{}
	s.AddQuery(10*time.Millisecond, nil)
	s.AddQuery(20*time.Millisecond, errors.New("timeout"))
	s.AddQuery(5*time.Millisecond, nil)

	if s.QueryCount != 3 {
		t.Errorf("QueryCount = %d, want 3", s.QueryCount)
	}
	if s.TotalDuration != 35*time.Millisecond {
		t.Errorf("TotalDuration = %v, want 35ms", s.TotalDuration)
	}
	if s.ErrorCount != 1 {
		t.Errorf("ErrorCount = %d, want 1", s.ErrorCount)
	}
}

func TestReqDBStatsContext(t *testing.T) {
	t.Parallel()

	if _, ok := ReqDBStatsFromContext(context.Background()); ok {
		t.Error("plain context carries stats")
	}

	ctx := NewReqDBStatsContext(context.Background())
	got, ok := ReqDBStatsFromContext(ctx)
	if !ok || got == nil {
		t.Fatal("stats missing from context")
	}
	got.AddQuery(time.Millisecond, nil)
	again, _ := ReqDBStatsFromContext(ctx)
	if again.QueryCount != 1 {
		t.Errorf("QueryCount = %d, want 1 (same pointer)", again.QueryCount)
	}
}

func TestQueryLabels(t *testing.T) {
	t.Parallel()

	bg := context.Background()
	tests := []struct {
		name       string
		ctx        context.Context
		wantSource string
		wantRoute  string
	}{
		{"unlabelled", bg, "UNKNOWN", "unknown"},
		{"http without route", WithHTTPMethod(bg, "POST"), "POST", "unknown"},
		{"empty method ignored", WithHTTPMethod(bg, ""), "UNKNOWN", "unknown"},
		{"job", WithJob(bg, "scheduler"), "JOB", "scheduler"},
		{"empty job ignored", WithJob(bg, ""), "UNKNOWN", "unknown"},
		{"http wins over job", WithHTTPMethod(WithJob(bg, "scheduler"), "GET"), "GET", "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			source, route := queryLabels(tt.ctx)
			if source != tt.wantSource || route != tt.wantRoute {
				t.Errorf("queryLabels = (%q, %q), want (%q, %q)", source, route, tt.wantSource, tt.wantRoute)
			}
		})
	}
}

func TestSetQueryObserver(t *testing.T) {
	defer SetQueryObserver(nil)

	called := false
	SetQueryObserver(QueryObserverFunc(func(_ context.Context, _, _, _ string, _ time.Duration) {
		called = true
	}))
	got := currentObserver()
	if got == nil {
		t.Fatal("observer not installed")
	}
	got.ObserveQuery(context.Background(), "GET", "/test", "ok", time.Millisecond)
	if !called {
		t.Error("observer was not called")
	}

	SetQueryObserver(nil)
	if got := currentObserver(); got != nil {
		t.Errorf("observer after Set(nil) = %v, want nil", got)
	}
}
