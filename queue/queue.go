// Package queue implements the reliable, at-least-once queue relaykv's
// producers and storage processor share (spec.md §4.B): a two-list
// move-and-confirm protocol backed by a Redis-style list pair, plus a
// wake-up pub/sub channel so a consumer can park instead of polling.
//
// The queue owns two backend lists per (namespace, qid): the incoming
// list producers push onto, and a processing list that holds messages a
// consumer has popped but not yet confirmed. A message only ever leaves
// the processing list via Confirm or via being drained back to the
// incoming list at the start of the next popNext, never by expiry, so a
// crash between pop and confirm can never silently lose a message.
package queue

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/relaykv/relaykv/backend"
	"github.com/relaykv/relaykv/keys"
	"github.com/relaykv/relaykv/model"
	"github.com/relaykv/relaykv/utils"
)

// ErrConfirmMismatch signals confirm() removed a count other than
// exactly 1 from the processing list: a double-confirm, or evidence of
// a second processor sharing the same queue. Spec.md §7 treats this as
// fatal: it must be allowed to escalate the caller into back-off.
var ErrConfirmMismatch = errors.New("queue: confirm removed an unexpected number of entries")

// ErrCancelled is returned by WaitForSignal when its control flag was set.
var ErrCancelled = errors.New("queue: wait cancelled")

// Control is a cooperative cancellation flag for WaitForSignal, polled
// roughly once a second. Zero value is "not cancelled". Cancelled is
// written by the run-loop's watcher goroutine and read from
// WaitForSignal's ticker branch concurrently, so it's an atomic.Bool
// rather than a plain bool.
type Control struct {
	Cancelled atomic.Bool
}

// Queue is a handle onto one namespace/qid pair's incoming+processing
// list. It holds no in-process state beyond that; every call reads or
// mutates the backend directly, so multiple Queue values (even in
// different processes) safely share the same backend lists.
type Queue struct {
	ns      string
	qid     string
	backend backend.Client
	log     utils.Logger
	metrics *utils.Metrics
}

func New(ns, qid string, c backend.Client, log utils.Logger, m *utils.Metrics) *Queue {
	if log == nil {
		log = utils.NewDefaultLogger(0)
	}
	return &Queue{ns: ns, qid: qid, backend: c, log: log, metrics: m}
}

// Push serializes msg, appends it to the tail of the incoming list, and
// publishes the wake signal. A publish failure is surfaced as an error
// but the push itself has already succeeded; a duplicate PUSH signal
// downstream is harmless, so callers should not retry the whole push.
func (q *Queue) Push(ctx context.Context, msg model.Message) (newLength int64, err error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return 0, errors.Wrap(err, "queue: marshal message")
	}
	newLength, err = q.backend.LPush(ctx, keys.Queue(q.ns, q.qid), string(body))
	if err != nil {
		return 0, errors.Wrap(err, "queue: push")
	}
	if q.metrics != nil {
		q.metrics.QueueDepth.WithLabelValues(q.qid).Set(float64(newLength))
	}
	if err := q.backend.Publish(ctx, keys.QueueChannel(q.ns, q.qid), keys.PushSignal); err != nil {
		return newLength, errors.Wrap(err, "queue: publish wake signal")
	}
	return newLength, nil
}

// PopNext first drains any messages left in the processing list back to
// the incoming list's tail (recovering work orphaned by a prior crash,
// logging a warning per move), then atomically moves the oldest queued
// message into the processing list. It returns nil, nil on an empty
// queue.
func (q *Queue) PopNext(ctx context.Context) (*model.MessageWithHandle, error) {
	if err := q.drainProcessingList(ctx); err != nil {
		return nil, err
	}
	handle, ok, err := q.backend.LMove(ctx, keys.Queue(q.ns, q.qid), keys.Processing(q.ns, q.qid), false, true)
	if err != nil {
		return nil, errors.Wrap(err, "queue: pop")
	}
	if !ok {
		return nil, nil
	}
	var msg model.Message
	if err := json.Unmarshal([]byte(handle), &msg); err != nil {
		return nil, errors.Wrapf(err, "queue: decode popped message %q", handle)
	}
	return &model.MessageWithHandle{Message: msg, Handle: handle}, nil
}

// drainProcessingList moves every entry still sitting in the processing
// list back onto the incoming list's tail, oldest first, so a restarted
// consumer reprocesses work orphaned by a prior crash after everything
// already queued.
func (q *Queue) drainProcessingList(ctx context.Context) error {
	proc := keys.Processing(q.ns, q.qid)
	src := keys.Queue(q.ns, q.qid)
	for {
		n, err := q.backend.LLen(ctx, proc)
		if err != nil {
			return errors.Wrap(err, "queue: check processing list length")
		}
		if n == 0 {
			return nil
		}
		val, ok, err := q.backend.LMove(ctx, proc, src, false, true)
		if err != nil {
			return errors.Wrap(err, "queue: drain processing list")
		}
		if !ok {
			return nil
		}
		q.log.Warn("queue: recovered orphaned message from processing list", "qid", q.qid, "message", val)
	}
}

// Confirm removes handle from the processing list. Exactly one entry
// must be removed; any other count is ErrConfirmMismatch.
func (q *Queue) Confirm(ctx context.Context, handle string) error {
	n, err := q.backend.LRem(ctx, keys.Processing(q.ns, q.qid), 1, handle)
	if err != nil {
		return errors.Wrap(err, "queue: confirm")
	}
	if n != 1 {
		if q.metrics != nil {
			q.metrics.ConfirmMismatch.Inc()
		}
		return errors.Wrapf(ErrConfirmMismatch, "removed %d entries, expected 1", n)
	}
	return nil
}

// WaitForSignal duplicates the backend connection, subscribes to the
// queue's wake channel, and blocks until either a push is signaled, the
// control flag is set (polled every second), or ctx is done. The
// duplicated connection is released on every exit path.
func (q *Queue) WaitForSignal(ctx context.Context, control *Control) (string, error) {
	sub, err := q.backend.Subscribe(ctx, keys.QueueChannel(q.ns, q.qid))
	if err != nil {
		return "", errors.Wrap(err, "queue: subscribe to wake channel")
	}
	defer sub.Close()

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case payload, ok := <-sub.Channel():
			if !ok {
				return "", errors.New("queue: wake subscription closed")
			}
			return payload, nil
		case <-ticker.C:
			if control != nil && control.Cancelled.Load() {
				return "", ErrCancelled
			}
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// Size returns the current length of the incoming list.
func (q *Queue) Size(ctx context.Context) (int64, error) {
	n, err := q.backend.LLen(ctx, keys.Queue(q.ns, q.qid))
	return n, errors.Wrap(err, "queue: size")
}

// DeleteQueue removes both the incoming and processing lists. Testing
// and administration only; never called from the normal data path.
func (q *Queue) DeleteQueue(ctx context.Context) error {
	return errors.Wrap(q.backend.Del(ctx, keys.Queue(q.ns, q.qid), keys.Processing(q.ns, q.qid)), "queue: delete")
}
