package errctx

import (
	"context"

	"go.uber.org/atomic"
)

// ErrCenter keeps the first error reported by any party and cancels every
// context derived from it when that happens.
type ErrCenter struct {
	hasErr atomic.Bool
	errVal atomic.Error
	doneCh chan struct{}
}

func NewErrCenter() *ErrCenter {
	return &ErrCenter{
		doneCh: make(chan struct{}),
	}
}

// OnError records err. Only the first non-nil error is kept.
func (c *ErrCenter) OnError(err error) {
	if err == nil {
		return
	}
	if c.hasErr.Swap(true) {
		return
	}
	c.errVal.Store(err)
	close(c.doneCh)
}

// CheckError returns the recorded error, if any.
func (c *ErrCenter) CheckError() error {
	return c.errVal.Load()
}

// Done is closed once an error is recorded.
func (c *ErrCenter) Done() <-chan struct{} {
	return c.doneCh
}

// DeriveContext returns a child of parent that is cancelled when an error is
// recorded. Its Err returns the recorded error. The cancel func must be
// called to release the watcher.
func (c *ErrCenter) DeriveContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-c.doneCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	return &errCtx{Context: ctx, center: c}, cancel
}

type errCtx struct {
	context.Context
	center *ErrCenter
}

func (c *errCtx) Err() error {
	if err := c.center.CheckError(); err != nil {
		return err
	}
	return c.Context.Err()
}
