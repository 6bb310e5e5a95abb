package outbox

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type fakeGate struct {
	online atomic.Bool
	checks int32
}

func (g *fakeGate) Reachable(context.Context) bool {
	atomic.AddInt32(&g.checks, 1)
	return g.online.Load()
}

func newTestMonitor(t *testing.T, gate Reachability, store *Store, remote RemoteApply, opts MonitorOptions) *Monitor {
	t.Helper()
	drainer, err := NewDrainer(store, remote, nil)
	if err != nil {
		t.Fatalf("new drainer: %v", err)
	}
	monitor, err := NewMonitor(gate, drainer, opts)
	if err != nil {
		t.Fatalf("new monitor: %v", err)
	}
	return monitor
}

func TestCheckUpdatesIndicator(t *testing.T) {
	gate := &fakeGate{}
	monitor := newTestMonitor(t, gate, NewStore(), newFakeRemote(), MonitorOptions{})

	if monitor.Online() {
		t.Fatalf("indicator must start offline")
	}
	gate.online.Store(true)
	if !monitor.Check(context.Background()) || !monitor.Online() {
		t.Fatalf("check must flip the indicator online")
	}
	if monitor.LastChecked().IsZero() {
		t.Fatalf("check must record the probe time")
	}
	gate.online.Store(false)
	if monitor.Check(context.Background()) || monitor.Online() {
		t.Fatalf("check must flip the indicator offline")
	}
}

func TestOnChangeFiresOnlyOnTransition(t *testing.T) {
	gate := &fakeGate{}
	gate.online.Store(true)
	var transitions int32
	monitor := newTestMonitor(t, gate, NewStore(), newFakeRemote(), MonitorOptions{
		OnChange: func(bool) { atomic.AddInt32(&transitions, 1) },
	})

	monitor.Check(context.Background())
	monitor.Check(context.Background())
	monitor.Check(context.Background())
	if got := atomic.LoadInt32(&transitions); got != 1 {
		t.Fatalf("repeated identical answers must fire onChange once, got %d", got)
	}
	gate.online.Store(false)
	monitor.Check(context.Background())
	if got := atomic.LoadInt32(&transitions); got != 2 {
		t.Fatalf("going offline must fire onChange, got %d", got)
	}
}

func TestSyncKindRefusesOffline(t *testing.T) {
	gate := &fakeGate{}
	store := NewStore()
	remote := newFakeRemote()
	mustEnqueue(t, store, KindValidate, "1", map[string]any{})
	monitor := newTestMonitor(t, gate, store, remote, MonitorOptions{})

	if _, err := monitor.SyncKind(context.Background(), KindValidate, nil); !errors.Is(err, ErrOffline) {
		t.Fatalf("expected ErrOffline, got %v", err)
	}
	if got := remote.callCount("validate"); got != 0 {
		t.Fatalf("offline sync must not touch the remote, got %d calls", got)
	}
	if got := store.Count(KindValidate); got != 1 {
		t.Fatalf("offline sync must leave records queued, count %d", got)
	}
}

func TestSyncKindDrainsAndRefreshes(t *testing.T) {
	gate := &fakeGate{}
	gate.online.Store(true)
	store := NewStore()
	remote := newFakeRemote()
	mustEnqueue(t, store, KindCancel, "9", map[string]any{})
	monitor := newTestMonitor(t, gate, store, remote, MonitorOptions{})

	var refreshed int32
	result, err := monitor.SyncKind(context.Background(), KindCancel, func() {
		atomic.AddInt32(&refreshed, 1)
	})
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if result.Applied != 1 || store.Count(KindCancel) != 0 {
		t.Fatalf("sync must drain the kind: %+v", result)
	}
	if atomic.LoadInt32(&refreshed) != 1 {
		t.Fatalf("refresh callback must run after a successful drain")
	}
}

func TestSyncAllDrainsEveryKind(t *testing.T) {
	gate := &fakeGate{}
	gate.online.Store(true)
	store := NewStore()
	remote := newFakeRemote()
	mustEnqueue(t, store, KindValidate, "1", map[string]any{})
	mustEnqueue(t, store, KindLineUpdate, "1:4", map[string]any{"quantity": 2})
	monitor := newTestMonitor(t, gate, store, remote, MonitorOptions{})

	results, err := monitor.SyncAll(context.Background(), nil)
	if err != nil {
		t.Fatalf("sync all failed: %v", err)
	}
	if len(results) != len(Kinds()) {
		t.Fatalf("expected one result per kind, got %d", len(results))
	}
	for _, kind := range Kinds() {
		if store.Count(kind) != 0 {
			t.Fatalf("kind %s not drained", kind)
		}
	}
}

func TestRunChecksPeriodically(t *testing.T) {
	gate := &fakeGate{}
	gate.online.Store(true)
	monitor := newTestMonitor(t, gate, NewStore(), newFakeRemote(), MonitorOptions{
		Interval: 10 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		monitor.Run(ctx)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for atomic.LoadInt32(&gate.checks) < 3 {
		select {
		case <-deadline:
			t.Fatalf("expected repeated checks, got %d", atomic.LoadInt32(&gate.checks))
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done
}

func TestJitteredInterval(t *testing.T) {
	base := 10 * time.Second
	if got := jitteredInterval(base, 0, 0.9); got != base {
		t.Fatalf("zero jitter must return the base interval, got %s", got)
	}
	if got := jitteredInterval(base, 0.2, 0); got != 8*time.Second {
		t.Fatalf("sample 0 with 20%% jitter must give 8s, got %s", got)
	}
	if got := jitteredInterval(base, 0.2, 1); got != 12*time.Second {
		t.Fatalf("sample 1 with 20%% jitter must give 12s, got %s", got)
	}
	if got := jitteredInterval(base, 5, 0); got < time.Millisecond {
		t.Fatalf("jitter ratio must clamp, got %s", got)
	}
}
