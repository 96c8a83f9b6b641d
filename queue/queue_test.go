package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaykv/relaykv/backend/backendtest"
	"github.com/relaykv/relaykv/model"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	fake := backendtest.NewFake()
	return New("T", "Q", fake.Client(), nil, nil)
}

func TestPushPopConfirm(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	msg := model.Message{Type: "X", Meta: map[string]any{}, OccurredAt: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	n, err := q.Push(ctx, msg)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	size, err := q.Size(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, size)

	got, err := q.PopNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.MutationType("X"), got.Message.Type)

	size, err = q.Size(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, size)

	require.NoError(t, q.Confirm(ctx, got.Handle))
	err = q.Confirm(ctx, got.Handle)
	assert.ErrorIs(t, err, ErrConfirmMismatch)
}

func TestPopWithoutConfirmIsSticky(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	msg := model.Message{Type: "X", Meta: map[string]any{}}
	_, err := q.Push(ctx, msg)
	require.NoError(t, err)

	first, err := q.PopNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := q.PopNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, first.Handle, second.Handle)
}

func TestPopNextOnEmptyQueueReturnsNil(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	got, err := q.PopNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestWaitForSignalWakesOnPush(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	start := time.Now()
	resultCh := make(chan struct {
		payload string
		err     error
	}, 1)
	go func() {
		payload, err := q.WaitForSignal(ctx, &Control{})
		resultCh <- struct {
			payload string
			err     error
		}{payload, err}
	}()

	time.Sleep(200 * time.Millisecond) // let the subscriber attach
	_, err := q.Push(ctx, model.Message{Type: "X", Meta: map[string]any{}})
	require.NoError(t, err)

	select {
	case res := <-resultCh:
		require.NoError(t, res.err)
		assert.Equal(t, "PUSH", res.payload)
		assert.WithinDuration(t, start, time.Now(), 3*time.Second)
	case <-time.After(3 * time.Second):
		t.Fatal("WaitForSignal did not wake up on push")
	}
}

func TestWaitForSignalHonoursCancellation(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	control := &Control{}
	start := time.Now()
	go func() {
		time.Sleep(300 * time.Millisecond)
		control.Cancelled.Store(true)
	}()

	_, err := q.WaitForSignal(ctx, control)
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRestartRequeuesProcessingListInOrder(t *testing.T) {
	ctx := context.Background()
	fake := backendtest.NewFake()
	q := New("T", "Q", fake.Client(), nil, nil)

	for i := 0; i < 3; i++ {
		_, err := q.Push(ctx, model.Message{Type: model.MutationType(string(rune('A' + i))), Meta: map[string]any{}})
		require.NoError(t, err)
	}
	// pop three times, never confirming: each PopNext first drains the
	// previous unconfirmed message back to the tail, so the pops return A, B
	// and C and C is left in flight, simulating a crash.
	for i := 0; i < 3; i++ {
		_, err := q.PopNext(ctx)
		require.NoError(t, err)
	}

	// A fresh Queue handle (simulating a restarted processor) drains the
	// processing list back to the tail of the incoming list, in order.
	restarted := New("T", "Q", fake.Client(), nil, nil)
	got, err := restarted.PopNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.MutationType("A"), got.Message.Type)
}
