package download

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Pool runs WorkItems through an Engine using a fixed number of worker
// goroutines reading off a single bounded channel. Only the producer writes
// to the queue; live-photo video companions are handled inline by the
// engine, so workers never enqueue.
type Pool struct {
	Engine  *Engine
	Workers int
	Logger  *slog.Logger

	queue   chan WorkItem
	results chan Result
}

// queueMultiplier sizes the bounded channel at 2x worker count for
// producer backpressure.
const queueMultiplier = 2

// maxWorkers bounds threads-num regardless of the configured value.
const maxWorkers = 16

// NewPool builds a Pool. workers is clamped to [1, 16].
func NewPool(engine *Engine, workers int, logger *slog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}

	if workers > maxWorkers {
		workers = maxWorkers
	}

	return &Pool{
		Engine:  engine,
		Workers: workers,
		Logger:  logger,
		queue:   make(chan WorkItem, workers*queueMultiplier),
		results: make(chan Result, workers*queueMultiplier),
	}
}

// Enqueue pushes item onto the bounded queue, blocking for backpressure if
// it is full. Returns ctx.Err() if ctx is canceled first.
func (p *Pool) Enqueue(ctx context.Context, item WorkItem) error {
	select {
	case p.queue <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CloseQueue signals that no more items will be enqueued; workers exit
// once the queue drains.
func (p *Pool) CloseQueue() {
	close(p.queue)
}

// Results returns the channel of per-rendition outcomes. Closed once all
// workers have exited.
func (p *Pool) Results() <-chan Result {
	return p.results
}

// Run starts Workers goroutines draining the queue until it is closed and
// empty, or ctx is canceled. A re-authentication exhaustion from any
// worker cancels the group: nothing downstream can succeed without a
// session, so the whole run ends.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < p.Workers; i++ {
		g.Go(func() error {
			return p.worker(gctx)
		})
	}

	err := g.Wait()
	close(p.results)

	return err
}

func (p *Pool) worker(ctx context.Context) error {
	for {
		select {
		case item, ok := <-p.queue:
			if !ok {
				return nil
			}

			if err := p.process(ctx, item); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// process runs one item (and any inline video companion) through the
// engine. It returns a non-nil error only for the fatal
// re-authentication-exhausted case.
func (p *Pool) process(ctx context.Context, item WorkItem) error {
	var fatal error

	for _, result := range p.Engine.Run(ctx, item) {
		p.sendResult(ctx, result)

		if errors.Is(result.Err, ErrReauthExhausted) {
			fatal = result.Err
		}
	}

	return fatal
}

func (p *Pool) sendResult(ctx context.Context, r Result) {
	select {
	case p.results <- r:
	case <-ctx.Done():
	}
}
