package processor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaykv/relaykv/backend/backendtest"
	"github.com/relaykv/relaykv/keys"
	"github.com/relaykv/relaykv/model"
	"github.com/relaykv/relaykv/queue"
)

func startProcessor(t *testing.T, fake *backendtest.Fake) (*Processor, func()) {
	t.Helper()
	p := New("T", "Q", fake.Client(), nil, nil)
	require.NoError(t, p.Start(context.Background()))
	return p, p.Stop
}

func TestApplyWriteSimpleValue(t *testing.T) {
	fake := backendtest.NewFake()
	p, stop := startProcessor(t, fake)
	defer stop()

	q := queue.New("T", "Q", fake.Client(), nil, nil)
	_, err := q.Push(context.Background(), model.Message{
		Type: model.WriteSimpleValue,
		Meta: map[string]any{"key": "greeting", "value": `"hi"`},
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		v, ok, _ := fake.Client().Get(context.Background(), keys.Value("T", "greeting"))
		return ok && v == `"hi"`
	}, 2*time.Second, 20*time.Millisecond)
	_ = p
}

func TestApplyUnknownTypeIsConfirmedAsNoop(t *testing.T) {
	fake := backendtest.NewFake()
	_, stop := startProcessor(t, fake)
	defer stop()

	q := queue.New("T", "Q", fake.Client(), nil, nil)
	_, err := q.Push(context.Background(), model.Message{Type: "SOMETHING_ELSE", Meta: map[string]any{}})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		n, _ := q.Size(context.Background())
		return n == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestStateVersioningAndDeltas(t *testing.T) {
	fake := backendtest.NewFake()
	_, stop := startProcessor(t, fake)
	defer stop()

	ctx := context.Background()
	sub, err := fake.Client().Subscribe(ctx, keys.StateDelta("T", "K"))
	require.NoError(t, err)
	defer sub.Close()

	q := queue.New("T", "Q", fake.Client(), nil, nil)
	_, err = q.Push(ctx, model.Message{
		Type: model.WriteStateObject,
		Meta: map[string]any{"key": "K", "value": `{"stage":1}`},
	})
	require.NoError(t, err)

	var first model.DiffMessage
	select {
	case payload := <-sub.Channel():
		require.NoError(t, json.Unmarshal([]byte(payload), &first))
	case <-time.After(2 * time.Second):
		t.Fatal("no diff published for first write")
	}
	assert.Equal(t, 0, first.FromVersion)
	assert.Equal(t, 1, first.ToVersion)

	raw, ok, err := fake.Client().Get(ctx, keys.State("T", "K"))
	require.NoError(t, err)
	require.True(t, ok)
	var sv model.StateVersion
	require.NoError(t, json.Unmarshal([]byte(raw), &sv))
	assert.Equal(t, 1, sv.Version)

	_, err = q.Push(ctx, model.Message{
		Type: model.WriteStateObject,
		Meta: map[string]any{"key": "K", "value": `{"stage":2}`},
	})
	require.NoError(t, err)

	var second model.DiffMessage
	select {
	case payload := <-sub.Channel():
		require.NoError(t, json.Unmarshal([]byte(payload), &second))
	case <-time.After(2 * time.Second):
		t.Fatal("no diff published for second write")
	}
	assert.Equal(t, 1, second.FromVersion)
	assert.Equal(t, 2, second.ToVersion)
}

func TestDeletionResetsVersioning(t *testing.T) {
	fake := backendtest.NewFake()
	_, stop := startProcessor(t, fake)
	defer stop()

	ctx := context.Background()
	q := queue.New("T", "Q", fake.Client(), nil, nil)

	_, err := q.Push(ctx, model.Message{Type: model.WriteStateObject, Meta: map[string]any{"key": "K", "value": `{"a":1}`}})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok, _ := fake.Client().Get(ctx, keys.State("T", "K"))
		return ok
	}, 2*time.Second, 20*time.Millisecond)

	_, err = q.Push(ctx, model.Message{Type: model.WriteStateObject, Meta: map[string]any{"key": "K", "value": `{}`}})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok, _ := fake.Client().Get(ctx, keys.State("T", "K"))
		return !ok
	}, 2*time.Second, 20*time.Millisecond)

	_, err = q.Push(ctx, model.Message{Type: model.WriteStateObject, Meta: map[string]any{"key": "K", "value": `{"a":2}`}})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		raw, ok, _ := fake.Client().Get(ctx, keys.State("T", "K"))
		if !ok {
			return false
		}
		var sv model.StateVersion
		_ = json.Unmarshal([]byte(raw), &sv)
		return sv.Version == 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestWriteHashmapNullMapsToHDel(t *testing.T) {
	fake := backendtest.NewFake()
	_, stop := startProcessor(t, fake)
	defer stop()

	ctx := context.Background()
	q := queue.New("T", "Q", fake.Client(), nil, nil)

	_, err := q.Push(ctx, model.Message{
		Type: model.WriteHashmapValue,
		Meta: map[string]any{"key": "K", "field": "f", "value": `"v"`},
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		v, ok, _ := fake.Client().HGet(ctx, keys.Map("T", "K"), "f")
		return ok && v == `"v"`
	}, 2*time.Second, 20*time.Millisecond)

	_, err = q.Push(ctx, model.Message{
		Type: model.WriteHashmapValue,
		Meta: map[string]any{"key": "K", "field": "f", "value": nil},
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, ok, _ := fake.Client().HGet(ctx, keys.Map("T", "K"), "f")
		return !ok
	}, 2*time.Second, 20*time.Millisecond)
}

func TestAddAndRemoveStringSetIdempotent(t *testing.T) {
	fake := backendtest.NewFake()
	_, stop := startProcessor(t, fake)
	defer stop()

	ctx := context.Background()
	q := queue.New("T", "Q", fake.Client(), nil, nil)

	push := func(mtype model.MutationType, values []string) {
		_, err := q.Push(ctx, model.Message{Type: mtype, Meta: map[string]any{"key": "K", "values": values}})
		require.NoError(t, err)
	}

	push(model.AddStringsToSet, []string{"a", "b"})
	push(model.AddStringsToSet, []string{"a", "b"})
	require.Eventually(t, func() bool {
		n, _ := fake.Client().SMembers(ctx, keys.Set("T", "K"))
		return len(n) == 2
	}, 2*time.Second, 20*time.Millisecond)

	push(model.RemoveStringsFromSet, []string{"a"})
	push(model.RemoveStringsFromSet, []string{"a"})
	require.Eventually(t, func() bool {
		members, _ := fake.Client().SMembers(ctx, keys.Set("T", "K"))
		return len(members) == 1 && members[0] == "b"
	}, 2*time.Second, 20*time.Millisecond)
}
