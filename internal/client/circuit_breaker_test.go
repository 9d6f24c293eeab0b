package client

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreaker(t *testing.T) {
	// 3 failures, 50ms cool-down
	cb := NewCircuitBreaker(3, 50*time.Millisecond)
	boom := errors.New("boom")
	fail := func() error { return boom }
	ok := func() error { return nil }

	assert.Equal(t, StateClosed, cb.State())
	require.NoError(t, cb.Do(ok))

	assert.ErrorIs(t, cb.Do(fail), boom)
	assert.ErrorIs(t, cb.Do(fail), boom)
	assert.Equal(t, StateClosed, cb.State(), "should remain closed after 2 failures")

	assert.ErrorIs(t, cb.Do(fail), boom)
	assert.Equal(t, StateOpen, cb.State())
	assert.ErrorIs(t, cb.Do(ok), ErrCircuitOpen)

	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.State())

	// Trial call fails: open again.
	assert.ErrorIs(t, cb.Do(fail), boom)
	assert.Equal(t, StateOpen, cb.State())

	time.Sleep(80 * time.Millisecond)

	// Trial call succeeds: closed.
	require.NoError(t, cb.Do(ok))
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, "closed", cb.State().String())
}

func TestCircuitBreaker_SingleHalfOpenCall(t *testing.T) {
	cb := NewCircuitBreaker(1, 20*time.Millisecond)
	_ = cb.Do(func() error { return errors.New("down") })
	require.Equal(t, StateOpen, cb.State())
	time.Sleep(40 * time.Millisecond)

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- cb.Do(func() error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	called := false
	err := cb.Do(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen, "only one trial call while half-open")
	assert.False(t, called)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_Do(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Hour)
	boom := errors.New("boom")

	assert.NoError(t, cb.Do(func() error { return nil }))
	assert.ErrorIs(t, cb.Do(func() error { return boom }), boom)
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Do(func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}
