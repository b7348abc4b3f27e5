package listener

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	errListenerStopped = errors.New("listener stopped")
)

// Listener runs handler for every value received from in, one at a time,
// until Stop is called or in is closed.
type Listener[T any] struct {
	handler func(ctx context.Context, input T) error
	onError func(error)

	in     <-chan T
	wg     sync.WaitGroup
	cancel func()
}

type Option[T any] func(*Listener[T])

// WithErrorHandler receives handler errors. Without it they are dropped.
func WithErrorHandler[T any](fn func(error)) Option[T] {
	return func(l *Listener[T]) {
		l.onError = fn
	}
}

func New[T any](
	in <-chan T,
	handler func(context.Context, T) error,
	opts ...Option[T],
) *Listener[T] {
	l := &Listener[T]{
		in:      in,
		handler: handler,
		onError: func(error) {},
		cancel:  func() {},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Listener[T]) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)

	go func() {
		defer l.wg.Done()
		for {
			err := l.run(ctx)
			switch {
			case errors.Is(err, errListenerStopped):
				return
			case err != nil:
				l.onError(err)
			}
		}
	}()
}

func (l *Listener[T]) run(ctx context.Context) error {
	select {
	case inp, ok := <-l.in:
		if !ok {
			return errListenerStopped
		}
		if err := l.handler(ctx, inp); err != nil {
			if ctx.Err() != nil {
				return errListenerStopped
			}
			return fmt.Errorf("failed to handle input: %w", err)
		}
	case <-ctx.Done():
		return errListenerStopped
	}

	return nil
}

// Stop cancels the listener and waits for the running handler to return.
func (l *Listener[T]) Stop() {
	l.cancel()
	l.wg.Wait()
}

// Wait blocks until the listener exits because in was closed.
func (l *Listener[T]) Wait() {
	l.wg.Wait()
}
