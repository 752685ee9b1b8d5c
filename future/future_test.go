// Copyright © 2018 The ELPS authors

package future

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFuture_ResolveOnce(t *testing.T) {
	t.Parallel()
	f := New[int]()
	assert.False(t, f.Settled())
	assert.True(t, f.Resolve(1))
	assert.False(t, f.Resolve(2))
	assert.False(t, f.Reject(errors.New("late")))

	v, err := f.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	assert.True(t, f.Settled())
}

func TestFuture_Reject(t *testing.T) {
	t.Parallel()
	boom := errors.New("boom")
	f := Rejected[string](boom)
	_, err := f.Await(context.Background())
	assert.ErrorIs(t, err, boom)
}

func TestFuture_AwaitContext(t *testing.T) {
	t.Parallel()
	f := New[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := f.Await(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, f.Settled(), "cancelling a waiter must not settle the future")
}
