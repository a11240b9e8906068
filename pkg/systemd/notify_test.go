package systemd

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "serialbot/pkg/logx"
)

type recorder struct {
	mu     sync.Mutex
	states []string
	sent   bool
	err    error
}

func (r *recorder) notify(_ bool, state string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
	return r.sent, r.err
}

func (r *recorder) count(state string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, s := range r.states {
		if s == state {
			n++
		}
	}
	return n
}

func TestNotifierStates(t *testing.T) {
	t.Parallel()
	rec := &recorder{sent: true}
	n := New(logx.Nop())
	n.notify = rec.notify

	if !n.Ready() || !n.Status("serving") || !n.Stopping() {
		t.Fatal("expected notifications to be sent")
	}
	for _, s := range []string{daemon.SdNotifyReady, "STATUS=serving", daemon.SdNotifyStopping} {
		if rec.count(s) != 1 {
			t.Errorf("state %q sent %d times", s, rec.count(s))
		}
	}
}

func TestNotifierOutsideSystemd(t *testing.T) {
	t.Parallel()
	n := New(logx.Nop())
	n.notify = (&recorder{}).notify
	if n.Ready() {
		t.Fatal("Ready reported true without a notify socket")
	}

	n.notify = (&recorder{err: errors.New("socket gone")}).notify
	if n.Stopping() {
		t.Fatal("Stopping reported true on error")
	}
}

func TestWatchdogDisabled(t *testing.T) {
	t.Parallel()
	n := New(logx.Nop())
	n.watchdogEnabled = func(bool) (time.Duration, error) { return 0, nil }
	done := make(chan error, 1)
	go func() { done <- n.Watchdog(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatal(err)
		}
	case <-time.After(time.Second):
		t.Fatal("Watchdog blocked although disabled")
	}
}

func TestWatchdogPings(t *testing.T) {
	t.Parallel()
	rec := &recorder{sent: true}
	n := New(logx.Nop())
	n.notify = rec.notify
	n.watchdogEnabled = func(bool) (time.Duration, error) { return 20 * time.Millisecond, nil }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Watchdog(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for rec.count(daemon.SdNotifyWatchdog) < 3 {
		if time.Now().After(deadline) {
			t.Fatal("watchdog did not ping")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}
