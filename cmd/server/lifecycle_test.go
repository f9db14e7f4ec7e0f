package main

import (
	"context"
	"errors"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/outreach/internal/drip"
	"github.com/linnemanlabs/outreach/internal/drip/memstore"
)

func TestSdNotify_NoSocket(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")

	err := sdNotify("READY=1")
	if err == nil || !strings.Contains(err.Error(), "NOTIFY_SOCKET not set") {
		t.Fatalf("sdNotify() = %v, want NOTIFY_SOCKET not set", err)
	}
}

func TestSdNotify_MissingSocket(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", filepath.Join(t.TempDir(), "gone.sock"))

	err := sdNotify("READY=1")
	if err == nil || !strings.Contains(err.Error(), "dial failed") {
		t.Fatalf("sdNotify() = %v, want dial failure", err)
	}
}

func TestSdNotify_States(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "notify.sock")
	var lc net.ListenConfig
	conn, err := lc.ListenPacket(context.Background(), "unixgram", sock)
	if err != nil {
		t.Fatalf("listen unixgram: %v", err)
	}
	defer func() { _ = conn.Close() }()
	t.Setenv("NOTIFY_SOCKET", sock)

	for _, state := range []string{"READY=1", "STOPPING=1"} {
		if err := sdNotify(state); err != nil {
			t.Fatalf("sdNotify(%q) = %v", state, err)
		}
		buf := make([]byte, 64)
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if got := string(buf[:n]); got != state {
			t.Errorf("payload = %q, want %q", got, state)
		}
	}
}

func TestStopAll(t *testing.T) {
	t.Parallel()

	var order []string
	record := func(name string, err error) func(context.Context) error {
		return func(ctx context.Context) error {
			if _, ok := ctx.Deadline(); !ok {
				t.Errorf("%s: context has no deadline", name)
			}
			order = append(order, name)
			return err
		}
	}
	stopAll(log.Nop(), time.Second, []stopFn{
		{"api", record("api", nil)},
		{"skipped", nil},
		{"scheduler", record("scheduler", errors.New("stuck"))},
		{"ops", record("ops", nil)},
	})
	if got := strings.Join(order, ","); got != "api,scheduler,ops" {
		t.Errorf("stop order = %s", got)
	}

	stopAll(log.Nop(), time.Second, nil)
}

func TestStopAll_PerComponentBudget(t *testing.T) {
	t.Parallel()

	var slices []time.Duration
	measure := func(ctx context.Context) error {
		dl, _ := ctx.Deadline()
		slices = append(slices, time.Until(dl))
		return nil
	}
	stopAll(log.Nop(), 400*time.Millisecond, []stopFn{{"a", measure}, {"b", measure}, {"c", measure}, {"d", measure}})
	for i, d := range slices {
		if d > 100*time.Millisecond {
			t.Errorf("component %d got %v, want at most 100ms", i, d)
		}
	}
}

func TestDrain_Elapses(t *testing.T) {
	start := time.Now()
	drain(log.Nop(), 20*time.Millisecond)
	if time.Since(start) < 20*time.Millisecond {
		t.Error("drain returned before its period")
	}
}

func TestStartScheduler_Stops(t *testing.T) {
	t.Parallel()

	c := defaultConfig(t)
	catalog, resolver, err := loadCatalog("")
	if err != nil {
		t.Fatalf("loadCatalog: %v", err)
	}
	sender, _, err := buildSender(&c, log.Nop())
	if err != nil {
		t.Fatalf("buildSender: %v", err)
	}
	seq := drip.NewSequencer(memstore.New(), catalog, resolver, sender, log.Nop(), drip.Hooks{}, sequencerOptions(&c, nil))

	ctx, cancel := context.WithCancel(context.Background())
	stop := startScheduler(ctx, seq, time.Hour)
	// the loop must survive cancellation of the parent context
	cancel()

	sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer scancel()
	if err := stop(sctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
}
