package reader

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaykv/relaykv/backend/backendtest"
	"github.com/relaykv/relaykv/diff"
	"github.com/relaykv/relaykv/keys"
	"github.com/relaykv/relaykv/model"
)

func TestFetchStateMissingIsNotAnError(t *testing.T) {
	fake := backendtest.NewFake()
	r := New("T", fake.Client(), nil, 0)

	_, ok, err := r.FetchState(context.Background(), "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFetchStatePopulatesCache(t *testing.T) {
	fake := backendtest.NewFake()
	client := fake.Client()
	ctx := context.Background()

	sv := model.StateVersion{Version: 1, WrittenAt: time.Now().UTC(), Value: map[string]any{"a": 1.0}}
	body, err := json.Marshal(sv)
	require.NoError(t, err)
	require.NoError(t, client.Set(ctx, keys.State("T", "K"), string(body)))

	r := New("T", client, nil, 16)
	got, ok, err := r.FetchState(ctx, "K")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, got.Version)

	r.cacheMu.Lock()
	cached, hit := r.cache.Get("K")
	r.cacheMu.Unlock()
	require.True(t, hit)
	assert.Equal(t, 1, cached.Version)
}

func TestSubscribeMissingStateReportsError(t *testing.T) {
	fake := backendtest.NewFake()
	r := New("T", fake.Client(), nil, 0)

	var reported error
	unsub, err := r.Subscribe(context.Background(), "K",
		func(model.StateVersion) {},
		func(model.DiffMessage) {},
		func(e error) { reported = e },
	)
	require.NoError(t, err)
	defer unsub()

	assert.ErrorIs(t, reported, ErrMissingState)
}

func TestSubscribeDeliversFullThenInSequenceDeltas(t *testing.T) {
	fake := backendtest.NewFake()
	client := fake.Client()
	ctx := context.Background()

	sv := model.StateVersion{Version: 1, WrittenAt: time.Now().UTC(), Value: map[string]any{"stage": 1.0}}
	body, err := json.Marshal(sv)
	require.NoError(t, err)
	require.NoError(t, client.Set(ctx, keys.State("T", "K"), string(body)))

	r := New("T", client, nil, 0)

	fullCh := make(chan model.StateVersion, 1)
	deltaCh := make(chan model.DiffMessage, 8)
	unsub, err := r.Subscribe(ctx, "K",
		func(sv model.StateVersion) { fullCh <- sv },
		func(d model.DiffMessage) { deltaCh <- d },
		func(error) {},
	)
	require.NoError(t, err)
	defer unsub()

	select {
	case got := <-fullCh:
		assert.Equal(t, 1, got.Version)
	case <-time.After(time.Second):
		t.Fatal("onFull not called")
	}

	ops := diff.Diff(map[string]any{"stage": 1.0}, map[string]any{"stage": 2.0})
	inSequence := model.DiffMessage{FromVersion: 1, ToVersion: 2, WrittenAt: time.Now().UTC(), DeltaPayload: ops}
	stale := model.DiffMessage{FromVersion: 0, ToVersion: 1, WrittenAt: time.Now().UTC(), DeltaPayload: ops}

	staleBody, err := json.Marshal(stale)
	require.NoError(t, err)
	require.NoError(t, client.Publish(ctx, keys.StateDelta("T", "K"), string(staleBody)))

	inSeqBody, err := json.Marshal(inSequence)
	require.NoError(t, err)
	require.NoError(t, client.Publish(ctx, keys.StateDelta("T", "K"), string(inSeqBody)))

	select {
	case got := <-deltaCh:
		assert.Equal(t, 1, got.FromVersion)
		assert.Equal(t, 2, got.ToVersion)
	case <-time.After(time.Second):
		t.Fatal("in-sequence delta was not delivered")
	}

	select {
	case <-deltaCh:
		t.Fatal("stale delta should have been discarded")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSubscribeReconnectRefetchesSnapshot(t *testing.T) {
	fake := backendtest.NewFake()
	client := fake.Client()
	ctx := context.Background()

	sv := model.StateVersion{Version: 1, WrittenAt: time.Now().UTC(), Value: map[string]any{"stage": 1.0}}
	body, err := json.Marshal(sv)
	require.NoError(t, err)
	require.NoError(t, client.Set(ctx, keys.State("T", "K"), string(body)))

	r := New("T", client, nil, 0)

	fullCh := make(chan model.StateVersion, 4)
	unsub, err := r.Subscribe(ctx, "K",
		func(sv model.StateVersion) { fullCh <- sv },
		func(model.DiffMessage) {},
		func(error) {},
	)
	require.NoError(t, err)
	defer unsub()

	select {
	case got := <-fullCh:
		assert.Equal(t, 1, got.Version)
	case <-time.After(time.Second):
		t.Fatal("initial onFull not called")
	}

	sv2 := model.StateVersion{Version: 5, WrittenAt: time.Now().UTC(), Value: map[string]any{"stage": 5.0}}
	body2, err := json.Marshal(sv2)
	require.NoError(t, err)
	require.NoError(t, client.Set(ctx, keys.State("T", "K"), string(body2)))

	fake.SimulateReconnect(keys.StateDelta("T", "K"))

	select {
	case got := <-fullCh:
		assert.Equal(t, 5, got.Version)
	case <-time.After(time.Second):
		t.Fatal("onFull was not re-invoked after reconnect")
	}
}

func TestSubscribeRejectsDuplicateKeyOnSameReader(t *testing.T) {
	fake := backendtest.NewFake()
	client := fake.Client()
	ctx := context.Background()

	sv := model.StateVersion{Version: 1, WrittenAt: time.Now().UTC(), Value: map[string]any{}}
	body, err := json.Marshal(sv)
	require.NoError(t, err)
	require.NoError(t, client.Set(ctx, keys.State("T", "K"), string(body)))

	r := New("T", client, nil, 0)
	unsub, err := r.Subscribe(ctx, "K", func(model.StateVersion) {}, func(model.DiffMessage) {}, func(error) {})
	require.NoError(t, err)
	defer unsub()

	_, err = r.Subscribe(ctx, "K", func(model.StateVersion) {}, func(model.DiffMessage) {}, func(error) {})
	assert.Error(t, err)
}

func TestUnsubscribeIsIdempotentAndReportsOnce(t *testing.T) {
	fake := backendtest.NewFake()
	client := fake.Client()
	ctx := context.Background()

	sv := model.StateVersion{Version: 1, WrittenAt: time.Now().UTC(), Value: map[string]any{}}
	body, err := json.Marshal(sv)
	require.NoError(t, err)
	require.NoError(t, client.Set(ctx, keys.State("T", "K"), string(body)))

	r := New("T", client, nil, 0)

	errs := make(chan error, 4)
	unsub, err := r.Subscribe(ctx, "K", func(model.StateVersion) {}, func(model.DiffMessage) {}, func(e error) { errs <- e })
	require.NoError(t, err)

	unsub()
	unsub()

	require.Len(t, errs, 1)
	assert.ErrorIs(t, <-errs, ErrUnsubscribed)
}
