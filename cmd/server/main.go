// Outreach classifies inbound leads and drives them through multi-step
// nurture sequences over email, voice, SMS and social channels.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/linnemanlabs/go-core/health"
	"github.com/linnemanlabs/go-core/httpserver"
	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/metrics"
	"github.com/linnemanlabs/go-core/opshttp"
	"github.com/linnemanlabs/go-core/otelx"
	"github.com/linnemanlabs/go-core/prof"
	v "github.com/linnemanlabs/go-core/version"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/outreach/internal/authmw"
	"github.com/linnemanlabs/outreach/internal/classify/classcache"
	"github.com/linnemanlabs/outreach/internal/drip"
	"github.com/linnemanlabs/outreach/internal/notify/slack"
	"github.com/linnemanlabs/outreach/internal/outreachapi"
	"github.com/linnemanlabs/outreach/internal/postgres"
)

const (
	appName   = "outreach"
	component = "server"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal error:", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	v.AppName = appName
	v.Component = component
	vi := v.Get()

	s, err := parseSettings(flag.CommandLine, os.Args[1:], os.Stderr)
	if err != nil {
		return err
	}
	if s.showVersion {
		fmt.Printf("%s (%s) %s (commit=%s, commit_date=%s, build_id=%s, build_date=%s, go=%s, dirty=%v)\n",
			vi.AppName, vi.Component, vi.Version, vi.Commit, vi.CommitDate, vi.BuildId, vi.BuildDate, vi.GoVersion,
			vi.VCSDirty != nil && *vi.VCSDirty,
		)
		return nil
	}
	appCfg := &s.app

	lg, err := log.New(s.log.ToOptions(v.AppName))
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = lg.Sync() }()
	L := lg.With("component", vi.Component)
	ctx = log.WithContext(ctx, L)

	L.Info(ctx, "initializing application",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"http_port", appCfg.APIPort,
		"admin_port", s.ops.Port,
		"gateway", appCfg.GatewayKind,
		"tick_interval", appCfg.TickInterval,
		"workers", appCfg.Workers,
		"batch_size", appCfg.BatchSize,
		"enable_pprof", s.ops.EnablePprof,
		"enable_pyroscope", s.prof.EnablePyroscope,
		"enable_tracing", s.trace.EnableTracing,
		"otlp_endpoint", s.trace.OTLPEndpoint,
		"trusted_proxy_hops", s.mw.TrustedProxyHops,
	)

	// profiling first so it covers startup
	profOpts := s.prof.ToOptions()
	profOpts.AppName = v.AppName
	profOpts.Tags = map[string]string{
		"app":       v.AppName,
		"component": v.Component,
		"version":   vi.Version,
		"commit":    vi.Commit,
		"build_id":  vi.BuildId,
	}
	stopProf, profErr := prof.Start(ctx, profOpts)
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", s.prof.PyroServer)
	}
	if stopProf != nil {
		defer stopProf()
	}

	traceOpts := s.trace.ToOptions()
	traceOpts.Service = v.AppName
	traceOpts.Component = v.Component
	traceOpts.Version = v.Version
	shutdownOtel, err := otelx.Init(ctx, traceOpts)
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}

	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, component, &vi)
	m.SetProfilingActive(profErr == nil && s.prof.EnablePyroscope)
	observeDBQueries(m.Registry())

	store, closers, err := openStore(ctx, appCfg, L)
	if err != nil {
		return err
	}
	defer func() { closeAll(context.Background(), L, closers) }()

	catalog, resolver, err := loadCatalog(appCfg.SequencesFile)
	if err != nil {
		return fmt.Errorf("load sequences: %w", err)
	}
	L.Info(ctx, "sequence catalog loaded", "sequences", len(catalog.List()), "file", appCfg.SequencesFile)

	sender, senderClosers, err := buildSender(appCfg, L)
	if err != nil {
		return fmt.Errorf("gateway init: %w", err)
	}
	closers = append(closers, senderClosers...)
	L.Info(ctx, "delivery gateway ready", "kind", appCfg.GatewayKind)

	// must stay a nil interface when slack is off
	var notifier drip.Notifier
	if appCfg.SlackWebhookURL != "" {
		notifier = slack.New(appCfg.SlackWebhookURL, L)
		L.Info(ctx, "notifier enabled", "type", "slack")
	}

	var classifier outreachapi.Classifier
	if appCfg.ClassCacheDir != "" {
		cache, err := classcache.Open(appCfg.ClassCacheDir, appCfg.ClassCacheTTL, L)
		if err != nil {
			return fmt.Errorf("classification cache: %w", err)
		}
		closers = append(closers, closer{"classification cache", cache.Close})
		if err := cache.Register(m.Registry()); err != nil {
			return fmt.Errorf("classification cache metrics: %w", err)
		}
		classifier = cache
		L.Info(ctx, "classification cache enabled", "dir", appCfg.ClassCacheDir, "ttl", appCfg.ClassCacheTTL)
	}

	hooks := drip.NewMetrics(m.Registry()).Hooks()
	sequencer := drip.NewSequencer(store, catalog, resolver, sender, L, hooks, sequencerOptions(appCfg, notifier))
	enrollSvc := drip.NewService(store, catalog, sequencer, L, drip.ServiceConfig{
		ClaimWait: appCfg.ClaimWait,
		ClaimTTL:  appCfg.ClaimTTL,
		MaxBatch:  appCfg.MaxBatch,
		Hooks:     hooks,
	})
	stopScheduler := startScheduler(ctx, sequencer, appCfg.TickInterval)

	// readiness fails once the gate closes at shutdown
	var gate health.ShutdownGate
	readiness := health.All(gate.Probe())
	liveness := health.Fixed(true, "")

	// ops listener carries metrics, probes and pprof; the security group
	// and opshttp middleware keep it internal
	opsOpts := s.ops.ToOptions()
	opsOpts.Metrics = m.Handler()
	opsOpts.Health = liveness
	opsOpts.Readiness = readiness
	opsOpts.UseRecoverMW = true
	opsOpts.OnPanic = m.IncHttpPanic
	stopOps, err := opshttp.Start(ctx, L, opsOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return err
	}

	r := newRouter()
	r.Get(healthyPath, health.HealthzHandler(liveness))
	r.Get(readyPath, health.ReadyzHandler(readiness))
	outreachapi.New(L, enrollSvc, catalog, classifier).
		RegisterRoutes(r, authmw.BearerToken(authmw.SplitTokens(appCfg.APIToken)...))
	if appCfg.APIToken == "" {
		L.Warn(ctx, "api authentication disabled, no api-token configured")
	}

	apiOpts, err := s.http.ToOptions()
	if err != nil {
		L.Error(ctx, err, "invalid http config")
		_ = stopOps(context.Background())
		return err
	}
	h := wrapHandler(r, L, s.mw.TrustedProxyHops, m.Middleware)
	stopAPI, err := httpserver.Start(ctx, fmt.Sprintf(":%d", appCfg.APIPort), h, L, apiOpts)
	if err != nil {
		L.Error(ctx, err, "failed to start api http listener")
		_ = stopOps(context.Background())
		return err
	}

	if err := sdNotify("READY=1"); err != nil {
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	<-ctx.Done()
	L.Info(context.Background(), "shutdown signal received")
	_ = sdNotify("STOPPING=1")

	gate.Set("draining")
	drain(L, time.Duration(appCfg.DrainSeconds)*time.Second)

	// api first so no new work arrives, then the scheduler finishes its tick
	stopAll(L, time.Duration(appCfg.ShutdownBudgetSeconds)*time.Second, []stopFn{
		{"api http server", stopAPI},
		{"scheduler", stopScheduler},
		{"ops http server", stopOps},
		{"otel", shutdownOtel},
	})

	L.Info(context.Background(), "shutdown complete")
	return nil
}

// observeDBQueries registers the per-query histogram and installs it as the
// postgres query observer.
func observeDBQueries(reg prometheus.Registerer) {
	hist := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "outreach_db_query_duration_seconds",
		Help:    "Duration of individual database queries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"source", "route", "outcome"})
	reg.MustRegister(hist)

	postgres.SetQueryObserver(postgres.QueryObserverFunc(
		func(_ context.Context, source, route, outcome string, dur time.Duration) {
			hist.WithLabelValues(source, route, outcome).Observe(dur.Seconds())
		},
	))
}
