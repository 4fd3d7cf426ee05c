// Package stream has small channel combinators. Every stage runs in its own
// goroutine, closes its output when its input closes, and stops early when
// the context ends.
package stream

import "context"

// Send delivers v on out unless ctx ends first.
func Send[T any](ctx context.Context, out chan<- T, v T) bool {
	select {
	case out <- v:
		return true
	case <-ctx.Done():
		return false
	}
}

// Of emits the given values in order.
func Of[T any](ctx context.Context, values ...T) <-chan T {
	out := make(chan T)
	go func() {
		defer close(out)
		for _, v := range values {
			if !Send(ctx, out, v) {
				return
			}
		}
	}()
	return out
}

// FromCall runs fn once and emits its value. On error nothing is emitted.
func FromCall[T any](ctx context.Context, fn func(context.Context) (T, error), onErr func(error)) <-chan T {
	out := make(chan T)
	go func() {
		defer close(out)
		v, err := fn(ctx)
		if err != nil {
			if onErr != nil {
				onErr(err)
			}
			return
		}
		Send(ctx, out, v)
	}()
	return out
}

// Map applies fn to every value.
func Map[T, U any](ctx context.Context, in <-chan T, fn func(T) U) <-chan U {
	out := make(chan U)
	go func() {
		defer close(out)
		for v := range in {
			if !Send(ctx, out, fn(v)) {
				return
			}
		}
	}()
	return out
}

// Last drains in and returns the final value. ok is false when in closed
// empty or ctx ended first.
func Last[T any](ctx context.Context, in <-chan T) (last T, ok bool) {
	for {
		select {
		case v, open := <-in:
			if !open {
				return last, ok
			}
			last, ok = v, true
		case <-ctx.Done():
			var zero T
			return zero, false
		}
	}
}

// First returns the first value of in.
func First[T any](ctx context.Context, in <-chan T) (T, bool) {
	select {
	case v, ok := <-in:
		return v, ok
	case <-ctx.Done():
		var zero T
		return zero, false
	}
}

// Wait consumes in until it closes. It ignores any context, so it only
// returns once the producer has exited.
func Wait[T any](in <-chan T) {
	for range in {
	}
}
