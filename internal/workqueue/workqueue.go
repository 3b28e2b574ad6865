// Package workqueue is an at-least-once job queue. A job is acknowledged only after its handler returns
// nil; a failed handler or a crashed consumer puts the job back for another delivery.
package workqueue

import (
	"context"
)

// Handler processes one job. Returning an error requeues the job.
type Handler func(ctx context.Context, body []byte) error

type Queue interface {
	Publish(ctx context.Context, body []byte) error
	// Consume delivers jobs to h until ctx is done, then waits for running handlers to return.
	Consume(ctx context.Context, h Handler, opts ...ConsumeOption) error
	Close() error
}

type consumeOptions struct {
	concurrency int
	ready       func(ctx context.Context) error
}

type ConsumeOption func(o *consumeOptions)

// WithConcurrency bounds the number of handlers running at the same time.
func WithConcurrency(n int) ConsumeOption {
	return func(o *consumeOptions) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithReady installs a hook that is called before taking each job. It may block, e.g. while the
// consumer is paused.
func WithReady(fn func(ctx context.Context) error) ConsumeOption {
	return func(o *consumeOptions) {
		o.ready = fn
	}
}

func newConsumeOptions(opts []ConsumeOption) consumeOptions {
	o := consumeOptions{
		concurrency: 1,
		ready:       func(ctx context.Context) error { return ctx.Err() },
	}

	for _, opt := range opts {
		opt(&o)
	}

	return o
}
