package provider

import (
	"context"
	"errors"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"fieldtracker/internal/geo"
)

// Composite arbitrates between a primary and a secondary Source according
// to a runtime-mutable strategy. The strategy is read at the start of each
// request; requests already in flight are not re-routed.
type Composite struct {
	primary   Source
	secondary Source
	strategy  atomic.Int32

	closeMu sync.Mutex
	closed  bool
}

func NewComposite(primary, secondary Source, strategy Strategy) *Composite {
	c := &Composite{primary: primary, secondary: secondary}
	c.strategy.Store(int32(strategy))
	return c
}

func (c *Composite) Name() string { return "composite" }

// Strategy returns the currently active strategy.
func (c *Composite) Strategy() Strategy {
	return Strategy(c.strategy.Load())
}

// SetStrategy switches the arbitration policy, effective on the next request.
func (c *Composite) SetStrategy(s Strategy) {
	old := Strategy(c.strategy.Swap(int32(s)))
	if old != s {
		log.Printf("provider strategy %s -> %s", old, s)
	}
}

// Current resolves a single fix per the active strategy. Ordinary source
// failures never cross this boundary for AUTO until both sources are
// exhausted; cancellation always does.
func (c *Composite) Current(ctx context.Context) (geo.Sample, error) {
	switch c.Strategy() {
	case StrategyPrimaryOnly:
		return c.primary.Current(ctx)
	case StrategySecondaryOnly:
		return c.secondary.Current(ctx)
	}

	s, err := c.primary.Current(ctx)
	if err == nil {
		return s, nil
	}
	if isCancellation(err) {
		return geo.Sample{}, err
	}
	log.Printf("primary source %s failed, falling back: %v", c.primary.Name(), err)
	s, err = c.secondary.Current(ctx)
	if err == nil {
		return s, nil
	}
	if isCancellation(err) {
		return geo.Sample{}, err
	}
	return geo.Sample{}, geo.ErrNoProvider
}

// Watch opens a continuous stream from the source chosen by the strategy
// at call time. For AUTO, a secondary stream is opened only if the primary
// stream cannot be established at all.
func (c *Composite) Watch(ctx context.Context, interval time.Duration) (<-chan geo.Sample, error) {
	switch c.Strategy() {
	case StrategyPrimaryOnly:
		return c.primary.Watch(ctx, interval)
	case StrategySecondaryOnly:
		return c.secondary.Watch(ctx, interval)
	}

	ch, err := c.primary.Watch(ctx, interval)
	if err == nil {
		return ch, nil
	}
	if isCancellation(err) {
		return nil, err
	}
	log.Printf("primary stream %s unavailable, using %s: %v", c.primary.Name(), c.secondary.Name(), err)
	return c.secondary.Watch(ctx, interval)
}

// Close releases both underlying sources. Safe to call repeatedly and when
// no native resources were ever acquired.
func (c *Composite) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if err := c.primary.Close(); err != nil {
		log.Printf("close primary source: %v", err)
	}
	if err := c.secondary.Close(); err != nil {
		log.Printf("close secondary source: %v", err)
	}
	return nil
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
