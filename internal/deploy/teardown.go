package deploy

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Teardown is a LIFO queue of cleanup functions accumulated while a deploy
// creates resources. The first resource created is the last one destroyed.
type Teardown struct {
	mu    sync.Mutex
	stack []func(context.Context) error
	done  chan struct{}
}

func NewTeardown() *Teardown {
	return &Teardown{
		stack: make([]func(context.Context) error, 0),
		done:  make(chan struct{}),
	}
}

func (t *Teardown) Add(f func(ctx context.Context) error) error {
	select {
	case <-t.done:
		return fmt.Errorf("teardown already done")
	default:
		t.mu.Lock()
		defer t.mu.Unlock()

		t.stack = append(t.stack, f)
		return nil
	}
}

// Unwind calls the accumulated cleanups in reverse order, joining every
// error encountered so a single failed cleanup doesn't strand the rest.
func (t *Teardown) Unwind(ctx context.Context) error {
	t.mu.Lock()
	select {
	case <-t.done:
		t.mu.Unlock()
		return fmt.Errorf("teardown already done")
	default:
		close(t.done)
		t.mu.Unlock()
	}

	var errs error
	for i := len(t.stack) - 1; i >= 0; i-- {
		errs = errors.Join(errs, t.stack[i](ctx))
	}

	return errs
}
