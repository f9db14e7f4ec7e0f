package main

import (
	"context"
	"fmt"
	"os"

	"github.com/linnemanlabs/go-core/log"

	vc "github.com/linnemanlabs/outreach/internal/cfg"
	"github.com/linnemanlabs/outreach/internal/drip"
	"github.com/linnemanlabs/outreach/internal/drip/memstore"
	"github.com/linnemanlabs/outreach/internal/drip/pgstore"
	"github.com/linnemanlabs/outreach/internal/drip/sqlitestore"
	"github.com/linnemanlabs/outreach/internal/gateway"
	"github.com/linnemanlabs/outreach/internal/gateway/rabbit"
	"github.com/linnemanlabs/outreach/internal/gateway/webhook"
	"github.com/linnemanlabs/outreach/internal/postgres"
	"github.com/linnemanlabs/outreach/internal/sequence"
	"github.com/linnemanlabs/outreach/internal/template"
)

// closer releases a resource on shutdown.
type closer struct {
	name string
	fn   func() error
}

// openStore picks the enrollment store: postgres when a database URL is set,
// then SQLite, then the in-memory store.
func openStore(ctx context.Context, c *vc.Config, L log.Logger) (drip.Store, []closer, error) {
	switch {
	case c.DatabaseURL != "":
		postgres.SetSlowQueryThreshold(c.SlowQuery)
		pool, err := postgres.NewPool(ctx, c.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("postgres pool: %w", err)
		}
		st, err := pgstore.New(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("pgstore init: %w", err)
		}
		L.Info(ctx, "using postgres store")
		return st, []closer{{"postgres pool", func() error { pool.Close(); return nil }}}, nil

	case c.SQLitePath != "":
		st, err := sqlitestore.Open(ctx, c.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("sqlite store: %w", err)
		}
		L.Info(ctx, "using sqlite store", "path", c.SQLitePath)
		return st, []closer{{"sqlite store", st.Close}}, nil

	default:
		L.Warn(ctx, "using in-memory store, enrollments are lost on restart")
		return memstore.New(), nil, nil
	}
}

// loadCatalog returns the built-in sequences and templates with the
// definitions from path layered over them. Every template a sequence
// references must resolve.
func loadCatalog(path string) (*sequence.Catalog, *template.Resolver, error) {
	catalog := sequence.Builtin()
	res := template.NewResolver(catalog, template.Builtin())

	if path != "" {
		seqs, err := sequence.LoadFile(path)
		if err != nil {
			return nil, nil, err
		}
		for _, s := range seqs {
			if err := catalog.Register(s); err != nil {
				return nil, nil, fmt.Errorf("register sequence %q: %w", s.ID, err)
			}
		}
		tpls, err := template.LoadFile(path)
		if err != nil {
			return nil, nil, err
		}
		res.Add(tpls)
	}

	if missing := res.Missing(catalog.List()); len(missing) > 0 {
		return nil, nil, fmt.Errorf("sequences reference undefined templates: %v", missing)
	}
	return catalog, res, nil
}

// buildSender assembles the delivery gateway. Email always goes through the
// configured gateway. With -gateway=amqp only the channels listed in
// -amqp-channels are published to the broker and the rest are logged.
func buildSender(c *vc.Config, L log.Logger) (gateway.Sender, []closer, error) {
	logSender := gateway.NewLogSender(L.With("gateway", vc.GatewayLog))

	switch c.GatewayKind {
	case vc.GatewayWebhook:
		return webhook.New(c.WebhookURL, c.WebhookToken), nil, nil

	case vc.GatewayAMQP:
		rs, err := rabbit.Dial(c.AMQPURL, c.AMQPExchange)
		if err != nil {
			return nil, nil, err
		}
		r := gateway.NewRouter(logSender)
		for _, ch := range c.Channels() {
			r.Route(sequence.Channel(ch), rs)
		}
		return r, []closer{{"amqp connection", rs.Close}}, nil

	default:
		return logSender, nil, nil
	}
}

// workerID defaults to the hostname so claim owners can be traced to a host.
func workerID(c *vc.Config) string {
	if c.WorkerID != "" {
		return c.WorkerID
	}
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return appName
}

func sequencerOptions(c *vc.Config, notifier drip.Notifier) drip.Options {
	return drip.Options{
		WorkerID:       workerID(c),
		Workers:        c.Workers,
		BatchSize:      c.BatchSize,
		GatewayTimeout: c.GatewayTimeout,
		ClaimTTL:       c.ClaimTTL,
		MaxRetries:     c.MaxRetries,
		RetryBackoff:   c.RetryBackoff,
		Pace:           c.Pace,
		Notifier:       notifier,
	}
}

func closeAll(ctx context.Context, L log.Logger, closers []closer) {
	// reverse order of acquisition
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i].fn(); err != nil {
			L.Error(ctx, err, closers[i].name+" close")
		}
	}
}

// waitStopped waits for done to close or ctx to expire.
func waitStopped(ctx context.Context, done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
