package statusstream_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tombee/conductor-flow/internal/statusstream"
)

func TestEmitter_DispatchesToRegisteredTransitionOnly(t *testing.T) {
	e := statusstream.NewEmitter()

	var ranCount, failCount int32
	e.On(statusstream.Success, func(ctx context.Context, ev *statusstream.Event) error {
		atomic.AddInt32(&ranCount, 1)
		return nil
	})
	e.On(statusstream.Failed, func(ctx context.Context, ev *statusstream.Event) error {
		atomic.AddInt32(&failCount, 1)
		return nil
	})

	err := e.Emit(context.Background(), &statusstream.Event{Transition: statusstream.Success, StepID: "s1"})
	require.NoError(t, err)
	require.EqualValues(t, 1, atomic.LoadInt32(&ranCount))
	require.EqualValues(t, 0, atomic.LoadInt32(&failCount))
}

func TestEmitter_SyncReturnsLastListenerError(t *testing.T) {
	e := statusstream.NewEmitter()
	e.On(statusstream.Failed, func(ctx context.Context, ev *statusstream.Event) error {
		return errors.New("boom")
	})

	err := e.Emit(context.Background(), &statusstream.Event{Transition: statusstream.Failed, StepID: "s1"})
	require.Error(t, err)
}

func TestEmitter_AsyncRunsAllListeners(t *testing.T) {
	e := statusstream.NewEmitter()
	e.Async = true

	var count int32
	for i := 0; i < 5; i++ {
		e.On(statusstream.Running, func(ctx context.Context, ev *statusstream.Event) error {
			atomic.AddInt32(&count, 1)
			return nil
		})
	}

	err := e.Emit(context.Background(), &statusstream.Event{Transition: statusstream.Running, StepID: "s1"})
	require.NoError(t, err)
	require.EqualValues(t, 5, atomic.LoadInt32(&count))
}

type fakeStore struct{ puts int }

func (f *fakeStore) Put(ctx context.Context, v any) (string, error) {
	f.puts++
	return "sha256:deadbeef", nil
}

func TestEmitter_ClaimChecksOversizedPayload(t *testing.T) {
	e := statusstream.NewEmitter()
	store := &fakeStore{}
	e.Store = store
	e.InlineThresholdBytes = 8

	var captured *statusstream.Event
	e.On(statusstream.Success, func(ctx context.Context, ev *statusstream.Event) error {
		captured = ev
		return nil
	})

	err := e.Emit(context.Background(), &statusstream.Event{
		Transition: statusstream.Success,
		StepID:     "s1",
		Payload:    "this payload is definitely over eight bytes",
	})
	require.NoError(t, err)
	require.Equal(t, 1, store.puts)
	require.Nil(t, captured.Payload)
	require.Equal(t, "sha256:deadbeef", captured.ClaimCheck)
}

func TestEmitter_SmallPayloadStaysInline(t *testing.T) {
	e := statusstream.NewEmitter()
	store := &fakeStore{}
	e.Store = store
	e.InlineThresholdBytes = statusstream.InlineThresholdBytes

	var captured *statusstream.Event
	e.On(statusstream.Success, func(ctx context.Context, ev *statusstream.Event) error {
		captured = ev
		return nil
	})

	err := e.Emit(context.Background(), &statusstream.Event{
		Transition: statusstream.Success,
		StepID:     "s1",
		Payload:    "tiny",
	})
	require.NoError(t, err)
	require.Equal(t, 0, store.puts)
	require.Equal(t, "tiny", captured.Payload)
	require.Empty(t, captured.ClaimCheck)
}
