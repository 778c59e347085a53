// Package presence implements PresenceCoordinator: the client-side
// state machine that joins/leaves a document's awareness roster and
// keeps it alive with a heartbeat, coalescing overlapping calls the
// way SessionRegistry expects exactly one in-flight update per peer.
package presence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/synckit-go/replicate/internal/client/replicator"
	"github.com/synckit-go/replicate/internal/logging"
)

// State is one node of the coordinator's lifecycle.
type State string

const (
	StateIdle      State = "idle"
	StateJoining   State = "joining"
	StateActive    State = "active"
	StateLeaving   State = "leaving"
	StateDestroyed State = "destroyed"
)

// Link is the subset of ServerLink the coordinator needs; satisfied
// directly by replicator.ServerLink (and by replicator.WSLink).
type Link interface {
	Presence(ctx context.Context, action replicator.PresenceAction, opts replicator.PresenceOptions) error
}

type pendingCall struct {
	action replicator.PresenceAction
	opts   replicator.PresenceOptions
}

// Coordinator drives one peer's presence for one (collection,
// document). Construct one per document a peer has open.
type Coordinator struct {
	link       Link
	collection string
	document   string
	client     string
	interval   time.Duration
	log        zerolog.Logger

	mu                    sync.Mutex
	state                 State
	opts                  replicator.PresenceOptions
	visible               bool
	wasActiveBeforeHidden bool
	inFlight              bool
	pending               *pendingCall
	heartbeatStarted      bool
	done                  chan struct{}
}

func New(link Link, collection, document, client string, interval time.Duration) *Coordinator {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Coordinator{
		link: link, collection: collection, document: document, client: client,
		interval: interval, state: StateIdle, visible: true,
		log:  logging.WithComponent("presence"),
		done: make(chan struct{}),
	}
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Join transitions idle/leaving → joining and issues the join call,
// starting the heartbeat loop on first use.
func (c *Coordinator) Join(ctx context.Context, opts replicator.PresenceOptions) error {
	c.mu.Lock()
	if c.state == StateDestroyed {
		c.mu.Unlock()
		return fmt.Errorf("presence: coordinator destroyed")
	}
	opts.Collection, opts.Document, opts.Client = c.collection, c.document, c.client
	if opts.Interval == 0 {
		opts.Interval = c.interval.Milliseconds()
	}
	c.state = StateJoining
	c.opts = opts
	startHeartbeat := !c.heartbeatStarted
	c.heartbeatStarted = true
	c.mu.Unlock()

	if startHeartbeat {
		go c.heartbeatLoop(ctx)
	}
	return c.dispatch(ctx, replicator.PresenceJoin, opts)
}

// Leave transitions active/joining → leaving and issues the leave
// call. The heartbeat loop keeps running but goes idle (it checks
// state on every tick), so a later Join resumes it without
// relaunching the goroutine.
func (c *Coordinator) Leave(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateDestroyed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateLeaving
	opts := c.opts
	c.mu.Unlock()
	return c.dispatch(ctx, replicator.PresenceLeave, opts)
}

// SetVisible implements the visibility policy: going invisible issues
// leave if currently active; becoming visible again re-issues join
// only if the coordinator was active right before it went invisible.
func (c *Coordinator) SetVisible(ctx context.Context, visible bool) error {
	c.mu.Lock()
	if visible == c.visible || c.state == StateDestroyed {
		c.visible = visible
		c.mu.Unlock()
		return nil
	}
	c.visible = visible

	if !visible {
		c.wasActiveBeforeHidden = c.state == StateActive
		c.mu.Unlock()
		if c.wasActiveBeforeHidden {
			return c.Leave(ctx)
		}
		return nil
	}

	reactivate := c.wasActiveBeforeHidden
	opts := c.opts
	c.mu.Unlock()
	if reactivate {
		return c.Join(ctx, opts)
	}
	return nil
}

// Destroy is terminal: it fixes the state first so no racing
// heartbeat tick or coalesced call can resurrect this coordinator,
// then stops the heartbeat loop, then issues a best-effort leave.
func (c *Coordinator) Destroy(ctx context.Context) {
	c.mu.Lock()
	if c.state == StateDestroyed {
		c.mu.Unlock()
		return
	}
	wasStarted := c.heartbeatStarted
	opts := c.opts
	c.state = StateDestroyed
	c.mu.Unlock()

	if wasStarted {
		close(c.done)
	}
	if err := c.link.Presence(ctx, replicator.PresenceLeave, opts); err != nil {
		c.log.Debug().Err(err).Msg("best-effort leave on destroy failed")
	}
}

func (c *Coordinator) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			active := c.state == StateActive && c.visible
			opts := c.opts
			c.mu.Unlock()
			if !active {
				continue
			}
			if err := c.dispatch(ctx, replicator.PresenceJoin, opts); err != nil {
				c.log.Debug().Err(err).Msg("presence heartbeat failed")
			}
		case <-c.done:
			return
		}
	}
}

// dispatch enforces the single in-flight call rule: a call arriving
// while one is already running replaces any previously queued pending
// call and returns immediately — it is dispatched once the current
// call completes.
func (c *Coordinator) dispatch(ctx context.Context, action replicator.PresenceAction, opts replicator.PresenceOptions) error {
	c.mu.Lock()
	if c.inFlight {
		c.pending = &pendingCall{action: action, opts: opts}
		c.mu.Unlock()
		return nil
	}
	c.inFlight = true
	c.mu.Unlock()

	err := c.run(ctx, action, opts)

	c.mu.Lock()
	c.inFlight = false
	next := c.pending
	c.pending = nil
	c.mu.Unlock()

	if next != nil {
		go c.dispatch(ctx, next.action, next.opts)
	}
	return err
}

func (c *Coordinator) run(ctx context.Context, action replicator.PresenceAction, opts replicator.PresenceOptions) error {
	err := c.link.Presence(ctx, action, opts)

	c.mu.Lock()
	if c.state != StateDestroyed && err == nil {
		switch action {
		case replicator.PresenceJoin:
			c.state = StateActive
		case replicator.PresenceLeave:
			c.state = StateIdle
		}
	}
	c.mu.Unlock()
	return err
}
