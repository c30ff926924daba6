// Package shutdowncoordinator holds the one-shot handle a processor uses to
// ask an integration to wind down and to wait until it has.
package shutdowncoordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/marvin-hansen/iggy-streaming-system-sub001/services"
)

var ErrShutdownTimeout = errors.New("integration did not quiesce in time")

type Coordinator struct {
	target services.Shutdowner
	once   sync.Once
	lock   sync.Mutex
	done   chan struct{}
	asked  bool
	err    error
}

// New returns a coordinator for target. A nil target has nothing to wind down
// and completes as soon as it is requested.
func New(target services.Shutdowner) *Coordinator {
	return &Coordinator{
		target: target,
		done:   make(chan struct{}),
	}
}

// Request starts the integration shutdown in the background. Only the first
// call has an effect; ctx bounds the integration's Shutdown call.
func (c *Coordinator) Request(ctx context.Context) {
	c.once.Do(func() {
		c.lock.Lock()
		c.asked = true
		c.lock.Unlock()

		go func() {
			var err error
			if c.target != nil {
				err = c.target.Shutdown(ctx)
			}
			c.lock.Lock()
			c.err = err
			c.lock.Unlock()
			close(c.done)
		}()
	})
}

func (c *Coordinator) Requested() bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.asked
}

// Done is closed once the integration reported quiescence or failure.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Err is the result of the integration's Shutdown, valid after Done.
func (c *Coordinator) Err() error {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.err
}

// Wait blocks until the integration has quiesced or ctx expires.
func (c *Coordinator) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		if err := c.Err(); err != nil {
			return fmt.Errorf("integration shutdown: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrShutdownTimeout, ctx.Err())
	}
}
