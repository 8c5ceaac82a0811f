package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Sternrassler/nft-collection-archiver/pkg/ratelimit"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Handler runs one collection. It owns its own error handling.
type Handler func(ctx context.Context, collectionID string)

// Pool runs queued collections on a fixed number of workers. A collection
// already running in this process is never started a second time; the
// duplicate id is dropped.
type Pool struct {
	queue   Queue
	handler Handler
	workers int
	sleep   ratelimit.SleepFunc
	logger  zerolog.Logger

	mu      sync.Mutex
	active  map[string]struct{}
	dropped atomic.Int64
}

// NewPool creates a Pool.
func NewPool(queue Queue, handler Handler, workers int) *Pool {
	if workers <= 0 {
		workers = 1
	}
	return &Pool{
		queue:   queue,
		handler: handler,
		workers: workers,
		sleep:   ratelimit.Sleep,
		logger:  log.With().Str("component", "pool").Logger(),
		active:  make(map[string]struct{}),
	}
}

// Run starts the workers and blocks until ctx is cancelled and every
// in-flight collection has returned.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		workerID := i
		g.Go(func() error {
			return p.work(ctx, workerID)
		})
	}
	p.logger.Info().Int("workers", p.workers).Msg("Worker pool started")
	err := g.Wait()
	p.logger.Info().Msg("Worker pool stopped")
	return err
}

// Active returns the number of collections currently running.
func (p *Pool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// Dropped returns how many duplicate ids were discarded.
func (p *Pool) Dropped() int64 {
	return p.dropped.Load()
}

func (p *Pool) work(ctx context.Context, workerID int) error {
	logger := p.logger.With().Int("worker_id", workerID).Logger()

	for {
		id, err := p.queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			logger.Warn().Err(err).Msg("Dequeue failed")
			if err := p.sleep(ctx, time.Second); err != nil {
				return nil
			}
			continue
		}

		if !p.acquire(id) {
			p.dropped.Add(1)
			logger.Debug().Str("collection", id).Msg("Collection already running - dropping duplicate")
			continue
		}

		logger.Debug().Str("collection", id).Msg("Processing collection")
		p.runOne(ctx, id)
		p.release(id)
	}
}

// runOne calls the handler, turning a panic into a log line so the worker survives.
func (p *Pool) runOne(ctx context.Context, id string) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Str("collection", id).Str("panic", fmt.Sprint(r)).Msg("Handler panicked")
		}
	}()
	p.handler(ctx, id)
}

func (p *Pool) acquire(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.active[id]; ok {
		return false
	}
	p.active[id] = struct{}{}
	return true
}

func (p *Pool) release(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.active, id)
}
