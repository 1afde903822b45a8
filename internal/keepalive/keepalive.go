// Package keepalive reference-counts the callers that need continuous
// positioning and runs the provider stream while any remain.
package keepalive

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"fieldtracker/internal/config"
	"fieldtracker/internal/events"
	"fieldtracker/internal/geo"
	"fieldtracker/internal/provider"
)

// Controller holds the set of owner tokens that currently want the
// continuous stream live. The stream runs iff the set is non-empty; the
// set mutation and the start/stop decision are one atomic unit under mu.
type Controller struct {
	source provider.Source
	bus    *events.Bus[geo.Sample]

	mu       sync.Mutex
	owners   map[string]struct{}
	interval time.Duration
	cancel   context.CancelFunc
	done     chan struct{}
}

func New(source provider.Source, interval time.Duration) *Controller {
	return &Controller{
		source:   source,
		bus:      events.NewBus[geo.Sample](),
		owners:   make(map[string]struct{}),
		interval: config.ClampInterval(interval),
	}
}

// Acquire registers an owner token. Duplicate acquires by the same owner
// collapse to one membership. The stream starts on the empty -> non-empty
// transition only.
func (c *Controller) Acquire(owner string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.owners[owner]; ok {
		return
	}
	c.owners[owner] = struct{}{}
	log.Printf("keepalive acquire owner=%s holders=%d", owner, len(c.owners))
	if len(c.owners) == 1 {
		c.startLocked()
	}
}

// Release removes an owner token. The stream stops on the non-empty ->
// empty transition. Releasing an unknown owner is a no-op.
func (c *Controller) Release(owner string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.owners[owner]; !ok {
		return
	}
	delete(c.owners, owner)
	log.Printf("keepalive release owner=%s holders=%d", owner, len(c.owners))
	if len(c.owners) == 0 {
		c.stopLocked()
	}
}

// Observe returns a channel of every sample emitted while the stream is
// live, plus a cancel function. Subscribing does not keep the stream
// alive; it only observes whatever the current owners have started.
func (c *Controller) Observe() (<-chan geo.Sample, func()) {
	return c.bus.Subscribe()
}

// Active reports whether the continuous stream is currently running.
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancel != nil
}

// Owners returns the currently held tokens, sorted.
func (c *Controller) Owners() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.owners))
	for o := range c.owners {
		out = append(out, o)
	}
	sort.Strings(out)
	return out
}

// SetInterval updates the sampling interval. Takes effect the next time
// the stream starts.
func (c *Controller) SetInterval(d time.Duration) {
	d = config.ClampInterval(d)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.interval != d {
		log.Printf("keepalive interval %s -> %s", c.interval, d)
		c.interval = d
	}
}

// Close force-stops the stream regardless of held owners and releases the
// underlying source. Used on shutdown.
func (c *Controller) Close() error {
	c.mu.Lock()
	c.owners = make(map[string]struct{})
	c.stopLocked()
	c.mu.Unlock()
	return c.source.Close()
}

func (c *Controller) startLocked() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.pump(ctx, c.done, c.interval)
	log.Printf("keepalive stream started interval=%s", c.interval)
}

func (c *Controller) stopLocked() {
	if c.cancel == nil {
		return
	}
	c.cancel()
	c.cancel = nil
	<-c.done
	c.done = nil
	log.Print("keepalive stream stopped")
}

// pump keeps a provider stream open until ctx is cancelled, reopening it
// after transient failures so a flaky source does not silently end
// continuous tracking while owners still hold the controller.
func (c *Controller) pump(ctx context.Context, done chan struct{}, interval time.Duration) {
	defer close(done)
	for {
		ch, err := c.source.Watch(ctx, interval)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("keepalive stream open: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(interval):
				continue
			}
		}
		for s := range ch {
			c.bus.Publish(s)
		}
		if ctx.Err() != nil {
			return
		}
		log.Print("keepalive stream ended, reopening")
	}
}
