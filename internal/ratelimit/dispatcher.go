// Package ratelimit keeps the volume of backend calls under the provider's
// rate ceiling by queuing calls rather than rejecting them.
package ratelimit

import (
	"context"
	"errors"
	"time"

	"golang.org/x/time/rate"
)

// ErrClosed is returned by Wait once the dispatcher has been closed.
var ErrClosed = errors.New("rate limit dispatcher closed")

// Dispatcher releases queued callers one at a time at a fixed cadence.
// A single goroutine drains the queue; each caller blocks on its own ticket
// until the drainer releases it.
type Dispatcher struct {
	limiter *rate.Limiter
	queue   chan *ticket

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

type ticket struct {
	ctx      context.Context
	released chan struct{}
}

// NewDispatcher starts a dispatcher that releases one queued call per
// interval.
func NewDispatcher(interval time.Duration) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		limiter: rate.NewLimiter(rate.Every(interval), 1),
		queue:   make(chan *ticket, 256),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go d.drain()
	return d
}

func (d *Dispatcher) drain() {
	defer close(d.done)
	for {
		select {
		case <-d.ctx.Done():
			return
		case t := <-d.queue:
			// Callers that gave up while queued do not consume a tick.
			if t.ctx.Err() != nil {
				continue
			}
			if err := d.limiter.Wait(d.ctx); err != nil {
				return
			}
			close(t.released)
		}
	}
}

// Wait queues the caller and blocks until the drainer releases it, ctx is
// done, or the dispatcher is closed.
func (d *Dispatcher) Wait(ctx context.Context) error {
	t := &ticket{ctx: ctx, released: make(chan struct{})}

	select {
	case d.queue <- t:
	case <-ctx.Done():
		return ctx.Err()
	case <-d.done:
		return ErrClosed
	}

	select {
	case <-t.released:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-d.done:
		select {
		case <-t.released:
			return nil
		default:
			return ErrClosed
		}
	}
}

// Do runs fn once the dispatcher releases the caller.
func (d *Dispatcher) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := d.Wait(ctx); err != nil {
		return err
	}
	return fn(ctx)
}

// Close stops the drainer. Queued callers receive ErrClosed.
func (d *Dispatcher) Close() {
	d.cancel()
	<-d.done
}
