package presence

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/synckit-go/replicate/internal/client/replicator"
)

type callRecord struct {
	action replicator.PresenceAction
	opts   replicator.PresenceOptions
}

type fakeLink struct {
	mu       sync.Mutex
	calls    []callRecord
	err      error
	hang     chan struct{}
	release  chan struct{}
	hangOnce sync.Once
}

func newFakeLink() *fakeLink {
	return &fakeLink{}
}

// Presence blocks on hang/release exactly once, for whichever call
// arrives first — enough to simulate "a call is currently in flight"
// without also blocking every coalesced call dispatched afterward.
func (f *fakeLink) Presence(ctx context.Context, action replicator.PresenceAction, opts replicator.PresenceOptions) error {
	f.hangOnce.Do(func() {
		if f.hang != nil {
			f.hang <- struct{}{}
			<-f.release
		}
	})
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, callRecord{action: action, opts: opts})
	return f.err
}

func (f *fakeLink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeLink) last() callRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func TestJoinTransitionsToActive(t *testing.T) {
	ctx := context.Background()
	link := newFakeLink()
	c := New(link, "docs", "a", "client-1", time.Hour)
	defer c.Destroy(ctx)

	if err := c.Join(ctx, replicator.PresenceOptions{User: "alice"}); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if c.State() != StateActive {
		t.Fatalf("expected StateActive, got %s", c.State())
	}
	if link.count() != 1 {
		t.Fatalf("expected 1 call, got %d", link.count())
	}
	if link.last().opts.Document != "a" {
		t.Fatalf("expected opts to carry the coordinator's document, got %+v", link.last().opts)
	}
}

func TestLeaveTransitionsToIdle(t *testing.T) {
	ctx := context.Background()
	link := newFakeLink()
	c := New(link, "docs", "a", "client-1", time.Hour)
	defer c.Destroy(ctx)

	if err := c.Join(ctx, replicator.PresenceOptions{}); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if err := c.Leave(ctx); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if c.State() != StateIdle {
		t.Fatalf("expected StateIdle, got %s", c.State())
	}
}

func TestConcurrentCallsCoalesceIntoPending(t *testing.T) {
	ctx := context.Background()
	link := newFakeLink()
	link.hang = make(chan struct{})
	link.release = make(chan struct{})
	c := New(link, "docs", "a", "client-1", time.Hour)
	defer c.Destroy(ctx)

	done := make(chan struct{})
	go func() {
		c.Join(ctx, replicator.PresenceOptions{})
		close(done)
	}()

	<-link.hang // first call is now in flight inside link.Presence

	// Two more calls arrive while the first is in flight; both should
	// coalesce into a single pending call rather than each blocking.
	if err := c.Leave(ctx); err != nil {
		t.Fatalf("Leave: %v", err)
	}
	if err := c.Join(ctx, replicator.PresenceOptions{User: "bob"}); err != nil {
		t.Fatalf("Join: %v", err)
	}

	close(link.release)
	<-done

	deadline := time.After(time.Second)
	for link.count() < 2 {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for coalesced call to dispatch, got %d calls", link.count())
		case <-time.After(5 * time.Millisecond):
		}
	}
	if link.count() != 2 {
		t.Fatalf("expected exactly 2 calls (first in-flight + one coalesced), got %d", link.count())
	}
	if link.last().opts.User != "bob" {
		t.Fatalf("expected the coalesced call to carry the most recent request, got %+v", link.last().opts)
	}
}

func TestSetVisibleLeavesWhenHiddenAndRejoinsWhenVisible(t *testing.T) {
	ctx := context.Background()
	link := newFakeLink()
	c := New(link, "docs", "a", "client-1", time.Hour)
	defer c.Destroy(ctx)

	if err := c.Join(ctx, replicator.PresenceOptions{}); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if err := c.SetVisible(ctx, false); err != nil {
		t.Fatalf("SetVisible(false): %v", err)
	}
	if c.State() != StateIdle {
		t.Fatalf("expected leave on invisible, got %s", c.State())
	}

	if err := c.SetVisible(ctx, true); err != nil {
		t.Fatalf("SetVisible(true): %v", err)
	}
	if c.State() != StateActive {
		t.Fatalf("expected rejoin on visible, got %s", c.State())
	}
	if link.count() != 3 {
		t.Fatalf("expected join, leave, join = 3 calls, got %d", link.count())
	}
}

func TestSetVisibleDoesNotRejoinIfNeverActive(t *testing.T) {
	ctx := context.Background()
	link := newFakeLink()
	c := New(link, "docs", "a", "client-1", time.Hour)
	defer c.Destroy(ctx)

	if err := c.SetVisible(ctx, false); err != nil {
		t.Fatalf("SetVisible(false): %v", err)
	}
	if err := c.SetVisible(ctx, true); err != nil {
		t.Fatalf("SetVisible(true): %v", err)
	}
	if link.count() != 0 {
		t.Fatalf("expected no presence calls when never active, got %d", link.count())
	}
}

func TestDestroyIsTerminalAndIssuesBestEffortLeave(t *testing.T) {
	ctx := context.Background()
	link := newFakeLink()
	c := New(link, "docs", "a", "client-1", time.Hour)

	if err := c.Join(ctx, replicator.PresenceOptions{}); err != nil {
		t.Fatalf("Join: %v", err)
	}
	c.Destroy(ctx)
	if c.State() != StateDestroyed {
		t.Fatalf("expected StateDestroyed, got %s", c.State())
	}

	if err := c.Join(ctx, replicator.PresenceOptions{}); err == nil {
		t.Fatalf("expected Join after Destroy to fail")
	}
	if link.count() != 2 {
		t.Fatalf("expected join + best-effort leave = 2 calls, got %d", link.count())
	}
}

func TestHeartbeatRefreshesWhileActiveAndVisible(t *testing.T) {
	ctx := context.Background()
	link := newFakeLink()
	c := New(link, "docs", "a", "client-1", 15*time.Millisecond)
	defer c.Destroy(ctx)

	if err := c.Join(ctx, replicator.PresenceOptions{}); err != nil {
		t.Fatalf("Join: %v", err)
	}

	deadline := time.After(time.Second)
	for link.count() < 2 {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for a heartbeat refresh, got %d calls", link.count())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestJoinErrorDoesNotAdvanceToActive(t *testing.T) {
	ctx := context.Background()
	link := newFakeLink()
	link.err = fmt.Errorf("server rejected join")
	c := New(link, "docs", "a", "client-1", time.Hour)
	defer c.Destroy(ctx)

	if err := c.Join(ctx, replicator.PresenceOptions{}); err == nil {
		t.Fatalf("expected Join to surface the link error")
	}
	if c.State() == StateActive {
		t.Fatalf("expected state to stay off Active after a failed join")
	}
}
