package stream

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect[T any](t *testing.T, in <-chan T) []T {
	t.Helper()
	var out []T
	timeout := time.After(2 * time.Second)
	for {
		select {
		case v, ok := <-in:
			if !ok {
				return out
			}
			out = append(out, v)
		case <-timeout:
			t.Fatal("stream did not close")
			return nil
		}
	}
}

func TestOfEmitsInOrder(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, []int{1, 2, 3}, collect(t, Of(ctx, 1, 2, 3)))
}

func TestMap(t *testing.T) {
	ctx := context.Background()

	labels := collect(t, Map(ctx, Of(ctx, 1, 2, 3), func(v int) string { return "n" + strconv.Itoa(v*2) }))
	assert.Equal(t, []string{"n2", "n4", "n6"}, labels)
}

func TestFromCall(t *testing.T) {
	ctx := context.Background()

	values := collect(t, FromCall(ctx, func(context.Context) (string, error) { return "ok", nil }, nil))
	assert.Equal(t, []string{"ok"}, values)

	var reported error
	failed := collect(t, FromCall(ctx, func(context.Context) (string, error) {
		return "", errors.New("boom")
	}, func(err error) { reported = err }))
	assert.Empty(t, failed)
	require.Error(t, reported)
	assert.Equal(t, "boom", reported.Error())
}

func TestFirstAndLast(t *testing.T) {
	ctx := context.Background()

	v, ok := First(ctx, Of(ctx, 7, 8))
	assert.True(t, ok)
	assert.Equal(t, 7, v)

	v, ok = Last(ctx, Of(ctx, 7, 8, 9))
	assert.True(t, ok)
	assert.Equal(t, 9, v)

	_, ok = Last(ctx, Of[int](ctx))
	assert.False(t, ok)
}

func TestCancelStopsStages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	in := make(chan int)
	out := Map(ctx, in, func(v int) int { return v })

	cancel()
	in <- 1
	close(in)

	collect(t, out)
}

func TestWaitOutlivesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	release := make(chan struct{})
	var finished bool
	in := FromCall(ctx, func(context.Context) (int, error) {
		<-release
		finished = true
		return 0, errors.New("cancelled")
	}, nil)

	cancel()
	_, ok := Last(ctx, in)
	assert.False(t, ok)

	close(release)
	Wait(in)
	assert.True(t, finished)
}
