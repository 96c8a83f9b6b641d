// Package producer implements component F: typed helpers that encode a
// mutation and push it onto the incoming queue as a model.Message. It is
// a thin convenience layer; everything it does, a caller could do by
// hand with package codec and queue.Push directly.
package producer

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/relaykv/relaykv/codec"
	"github.com/relaykv/relaykv/model"
	"github.com/relaykv/relaykv/queue"
)

// Producer pushes typed mutations onto one queue.
type Producer struct {
	q *queue.Queue
}

func New(q *queue.Queue) *Producer {
	return &Producer{q: q}
}

func (p *Producer) push(ctx context.Context, mtype model.MutationType, meta map[string]any) (int64, error) {
	return p.q.Push(ctx, model.Message{
		Type:       mtype,
		Meta:       meta,
		OccurredAt: time.Now().UTC(),
	})
}

// WriteValue enqueues a WRITE_SIMPLE_VALUE mutation. value is codec-encoded
// before being embedded in the message.
func (p *Producer) WriteValue(ctx context.Context, key string, value any) (int64, error) {
	encoded, err := codec.Encode(value)
	if err != nil {
		return 0, errors.Wrap(err, "producer: encode value")
	}
	return p.push(ctx, model.WriteSimpleValue, map[string]any{"key": key, "value": encoded})
}

// WriteState enqueues a WRITE_STATE_OBJECT mutation. An empty map[string]any{}
// (or nil) deletes the state object and resets its version sequence.
func (p *Producer) WriteState(ctx context.Context, key string, value any) (int64, error) {
	if value == nil {
		value = map[string]any{}
	}
	encoded, err := codec.Encode(value)
	if err != nil {
		return 0, errors.Wrap(err, "producer: encode state")
	}
	return p.push(ctx, model.WriteStateObject, map[string]any{"key": key, "value": encoded})
}

// WriteHashField enqueues a WRITE_HASHMAP_VALUE mutation. A nil value maps
// to an HDEL of field rather than an HSET.
func (p *Producer) WriteHashField(ctx context.Context, key, field string, value any) (int64, error) {
	if value == nil {
		return p.push(ctx, model.WriteHashmapValue, map[string]any{"key": key, "field": field, "value": nil})
	}
	encoded, err := codec.Encode(value)
	if err != nil {
		return 0, errors.Wrap(err, "producer: encode hash field")
	}
	return p.push(ctx, model.WriteHashmapValue, map[string]any{"key": key, "field": field, "value": encoded})
}

// DeleteHashField enqueues a WRITE_HASHMAP_VALUE mutation with a nil value.
func (p *Producer) DeleteHashField(ctx context.Context, key, field string) (int64, error) {
	return p.WriteHashField(ctx, key, field, nil)
}

// AddToSet enqueues an ADD_STRINGS_TO_SET mutation.
func (p *Producer) AddToSet(ctx context.Context, key string, values ...string) (int64, error) {
	return p.push(ctx, model.AddStringsToSet, map[string]any{"key": key, "values": values})
}

// RemoveFromSet enqueues a REMOVE_STRINGS_FROM_SET mutation.
func (p *Producer) RemoveFromSet(ctx context.Context, key string, values ...string) (int64, error) {
	return p.push(ctx, model.RemoveStringsFromSet, map[string]any{"key": key, "values": values})
}
