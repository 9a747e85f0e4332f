// Package shutdown coordinates draining: once triggered, new requests are
// rejected while the process stays up for a fixed grace period.
package shutdown

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"s3-proxy-go/internal/metrics"
)

// Coordinator holds the process-wide draining flag.
//
// In-flight requests are not tracked; the grace period is the only bound on
// how long they get to finish.
type Coordinator struct {
	draining atomic.Bool
	grace    time.Duration
	once     sync.Once
	done     chan struct{}

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates a Coordinator in the running state.
// The metrics parameter is optional; pass nil to skip the draining gauge.
func New(grace time.Duration, logger *slog.Logger, m *metrics.Metrics) *Coordinator {
	return &Coordinator{
		grace:   grace,
		done:    make(chan struct{}),
		logger:  logger.With("component", "shutdown"),
		metrics: m,
	}
}

// InitiateShutdown switches to draining and starts the grace timer.
// Only the first call has any effect.
func (c *Coordinator) InitiateShutdown() {
	c.once.Do(func() {
		c.draining.Store(true)
		if c.metrics != nil {
			c.metrics.Draining.Set(1)
		}
		c.logger.Info("draining: rejecting new requests", "grace", c.grace)

		time.AfterFunc(c.grace, func() {
			c.logger.Info("grace period elapsed")
			close(c.done)
		})
	})
}

// IsDraining reports whether shutdown has been initiated.
func (c *Coordinator) IsDraining() bool {
	return c.draining.Load()
}

// Done is closed when the grace period after InitiateShutdown has elapsed.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Drain initiates shutdown and blocks until the grace period elapses or ctx is done.
func (c *Coordinator) Drain(ctx context.Context) error {
	c.InitiateShutdown()

	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
