package sync

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/matheus3301/feedsync/internal/bus"
	"github.com/matheus3301/feedsync/internal/feed"
	"go.uber.org/zap"
)

// Engine writes the mounted feed back to the cache. It subscribes to
// "feed." events on the bus and flushes at most once per interval.
type Engine struct {
	host     *Host
	bus      *bus.Bus
	logger   *zap.Logger
	interval time.Duration
	dirty    atomic.Bool
	flushes  atomic.Int64
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewEngine creates a new cache engine.
func NewEngine(host *Host, b *bus.Bus, logger *zap.Logger, interval time.Duration) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Engine{
		host:     host,
		bus:      b,
		logger:   logger,
		interval: interval,
	}
}

// Start subscribes to feed changes on the bus.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.done = make(chan struct{})
	ch, unsub := e.bus.Subscribe("feed.", 256)

	go func() {
		defer close(e.done)
		defer unsub()
		tick := time.NewTicker(e.interval)
		defer tick.Stop()
		for {
			select {
			case evt := <-ch:
				e.handleEvent(evt)
			case <-tick.C:
				if e.dirty.Load() {
					e.Flush()
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine and writes any outstanding change.
func (e *Engine) Stop() {
	if e.cancel == nil {
		return
	}
	e.cancel()
	<-e.done
	if e.dirty.Load() {
		e.Flush()
	}
}

func (e *Engine) handleEvent(evt bus.Event) {
	change, ok := evt.Payload.(feed.Change)
	if !ok || change.Scope != HomeScope {
		return
	}
	// Optimistic state is written once the server has answered, and a
	// reset only happens to a view that is going away.
	if change.Reason == feed.ReasonOptimistic || change.Reason == feed.ReasonReset {
		return
	}
	e.dirty.Store(true)
}

// Flush persists the mounted feed now.
func (e *Engine) Flush() {
	e.dirty.Store(false)
	if err := e.host.Persist(); err != nil {
		e.dirty.Store(true)
		e.logger.Error("failed to persist feed", zap.Error(err))
		return
	}
	e.flushes.Add(1)
}

// Flushes returns how many successful flushes ran.
func (e *Engine) Flushes() int64 {
	return e.flushes.Load()
}
