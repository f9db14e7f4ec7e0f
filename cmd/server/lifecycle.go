package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/outreach/internal/drip"
	"github.com/linnemanlabs/outreach/internal/postgres"
)

// stopFn shuts one component down within ctx.
type stopFn struct {
	name string
	fn   func(context.Context) error
}

// startScheduler runs the sequencer loop until the returned stop function is
// called. The loop ignores the signal context so a tick in progress when
// SIGTERM arrives can finish during shutdown.
func startScheduler(ctx context.Context, seq *drip.Sequencer, interval time.Duration) func(context.Context) error {
	runCtx, cancel := context.WithCancel(postgres.WithJob(context.WithoutCancel(ctx), "scheduler"))
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = seq.Run(runCtx, interval)
	}()
	return func(c context.Context) error {
		cancel()
		return waitStopped(c, done)
	}
}

// drain holds the process for d so load balancers notice the failing
// readiness probe. A second signal cuts it short.
func drain(L log.Logger, d time.Duration) {
	ctx := context.Background()
	L.Info(ctx, "sleeping for drain period", "drain", d)

	force := make(chan os.Signal, 1)
	signal.Notify(force, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(force)

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		L.Info(ctx, "drain period complete")
	case <-force:
		L.Warn(ctx, "second signal received, skipping drain")
	}
}

// stopAll runs stops in order. Each gets an equal slice of budget, and the
// whole sequence never exceeds it. Nil functions are skipped.
func stopAll(L log.Logger, budget time.Duration, stops []stopFn) {
	if len(stops) == 0 {
		return
	}
	per := budget / time.Duration(len(stops))
	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()

	for _, s := range stops {
		if s.fn == nil {
			continue
		}
		cctx, ccancel := context.WithTimeout(ctx, per)
		if err := s.fn(cctx); err != nil {
			L.Error(context.Background(), err, s.name+" shutdown")
		}
		ccancel()
	}
}

// sdNotify sends state to systemd's notify socket, when the unit runs with
// Type=notify.
func sdNotify(state string) error {
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return fmt.Errorf("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr) //nolint:gosec,noctx // addr comes from systemd; unixgram dial has no context variant
	if err != nil {
		return fmt.Errorf("systemd notify %s: dial failed: %w", state, err)
	}
	defer func() { _ = conn.Close() }()
	if _, err := conn.Write([]byte(state)); err != nil {
		return fmt.Errorf("systemd notify %s: write failed: %w", state, err)
	}
	return nil
}
