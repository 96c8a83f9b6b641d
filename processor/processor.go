// Package processor implements component C: the singleton-locked
// run-loop that drains the incoming queue, applies typed mutations to
// the backend, and publishes versioned diffs for state-object writes
// (spec.md §4.C). It is the other half of relaykv's hard engineering,
// alongside package queue.
package processor

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/relaykv/relaykv/backend"
	"github.com/relaykv/relaykv/codec"
	"github.com/relaykv/relaykv/diff"
	"github.com/relaykv/relaykv/keys"
	"github.com/relaykv/relaykv/lock"
	"github.com/relaykv/relaykv/model"
	"github.com/relaykv/relaykv/queue"
	"github.com/relaykv/relaykv/utils"
)

// MaxHang bounds how long the run-loop can sit in WaitForSignal on an
// empty queue before it cycles anyway. BackoffFor is the back-off window
// entered whenever an unconfirmed error escapes the loop body; PollEvery
// is how often the back-off window is checked for expiry or cancellation.
const (
	MaxHang    = 300 * time.Second
	BackoffFor = 300 * time.Second
	PollEvery  = 500 * time.Millisecond
)

// Processor owns the run-loop for one (namespace, qid). Only one
// run-loop iteration runs at a time per Processor; Producers and readers act on
// the same backend independently and concurrently.
type Processor struct {
	ns  string
	qid string

	backend backend.Client
	queue   *queue.Queue
	lock    *lock.Lock
	log     utils.Logger
	metrics *utils.Metrics

	stopping atomic.Bool
	paused   atomic.Bool
	stopped  chan struct{}

	backoffMu    sync.Mutex
	waitingUntil time.Time
	triggerCh    chan struct{}
}

func New(ns, qid string, c backend.Client, log utils.Logger, m *utils.Metrics) *Processor {
	if log == nil {
		log = utils.NewDefaultLogger(0)
	}
	p := &Processor{
		ns:        ns,
		qid:       qid,
		backend:   c,
		queue:     queue.New(ns, qid, c, log, m),
		lock:      lock.New(ns, c, log, m),
		log:       log,
		metrics:   m,
		stopped:   make(chan struct{}),
		triggerCh: make(chan struct{}, 1),
	}
	c.OnReady(p.triggerWaitingCycle)
	return p
}

// Start acquires the singleton lock and, on success, launches the
// run-loop in a new goroutine. A lock failure (ErrAttemptsExceeded or
// ErrViolation) is fatal at start and is returned directly; the caller
// decides whether that means process exit.
func (p *Processor) Start(ctx context.Context) error {
	if err := p.lock.Acquire(ctx); err != nil {
		return errors.Wrap(err, "processor: acquire singleton lock")
	}
	go p.runLoop(ctx)
	return nil
}

// Stop requests the run-loop exit at its next check point and blocks
// until it has. Safe to call once; a second call is a no-op.
func (p *Processor) Stop() {
	p.stopping.Store(true)
	p.triggerWaitingCycle()
	<-p.stopped
	p.lock.Release()
}

// Pause/Resume let an operator suspend mutation application without
// releasing the singleton lock, e.g. during a maintenance window.
func (p *Processor) Pause()  { p.paused.Store(true) }
func (p *Processor) Resume() { p.paused.Store(false) }

func (p *Processor) triggerWaitingCycle() {
	p.backoffMu.Lock()
	p.waitingUntil = time.Time{}
	p.backoffMu.Unlock()
	select {
	case p.triggerCh <- struct{}{}:
	default:
	}
}

func (p *Processor) runLoop(ctx context.Context) {
	defer close(p.stopped)
	for {
		if p.stopping.Load() {
			return
		}
		if p.paused.Load() {
			time.Sleep(PollEvery)
			continue
		}
		if !p.backend.Connected() {
			p.enterBackoff(errors.New("processor: backend disconnected"))
			continue
		}

		if err := p.drain(ctx); err != nil {
			p.enterBackoff(err)
			continue
		}
		if p.stopping.Load() {
			return
		}

		waitCtx, cancel := context.WithTimeout(ctx, MaxHang)
		control := &queue.Control{}
		stopWatch := make(chan struct{})
		go func() {
			ticker := time.NewTicker(time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-waitCtx.Done():
					return
				case <-stopWatch:
					return
				case <-ticker.C:
					if p.stopping.Load() {
						control.Cancelled.Store(true)
						return
					}
				}
			}
		}()
		_, err := p.queue.WaitForSignal(waitCtx, control)
		close(stopWatch)
		cancel()
		if err != nil {
			// Both a MaxHang timeout and a transport hiccup are expected
			// here: log and loop back to the drain phase.
			p.log.Debug("processor: wait for signal ended", "reason", err)
		}
	}
}

func (p *Processor) drain(ctx context.Context) error {
	for {
		if p.stopping.Load() {
			return nil
		}
		msg, err := p.queue.PopNext(ctx)
		if err != nil {
			return errors.Wrap(err, "processor: pop next")
		}
		if msg == nil {
			return nil
		}
		start := time.Now()
		applyErr := p.apply(ctx, msg.Message)
		if p.metrics != nil {
			p.metrics.ApplyLatency.WithLabelValues(string(msg.Message.Type)).Observe(time.Since(start).Seconds())
		}
		if applyErr != nil {
			if p.metrics != nil {
				p.metrics.ApplyTotal.WithLabelValues(string(msg.Message.Type), "error").Inc()
			}
			return errors.Wrapf(applyErr, "processor: apply %s", msg.Message.Type)
		}
		if p.metrics != nil {
			p.metrics.ApplyTotal.WithLabelValues(string(msg.Message.Type), "ok").Inc()
		}
		if err := p.queue.Confirm(ctx, msg.Handle); err != nil {
			return errors.Wrap(err, "processor: confirm")
		}
	}
}

func (p *Processor) enterBackoff(cause error) {
	p.log.Error("processor: entering back-off", "cause", cause)
	p.backoffMu.Lock()
	p.waitingUntil = time.Now().Add(BackoffFor)
	p.backoffMu.Unlock()
	if p.metrics != nil {
		p.metrics.BackoffActive.Set(1)
	}
	defer func() {
		if p.metrics != nil {
			p.metrics.BackoffActive.Set(0)
		}
	}()

	ticker := time.NewTicker(PollEvery)
	defer ticker.Stop()
	for {
		if p.stopping.Load() {
			return
		}
		p.backoffMu.Lock()
		until := p.waitingUntil
		p.backoffMu.Unlock()
		if until.IsZero() || time.Now().After(until) {
			return
		}
		select {
		case <-p.triggerCh:
		case <-ticker.C:
		}
	}
}

// apply dispatches m by type. Unknown types are logged and treated as a
// successful no-op (so the caller still confirms them off the queue).
func (p *Processor) apply(ctx context.Context, m model.Message) error {
	switch m.Type {
	case model.WriteSimpleValue:
		return p.applyWriteSimpleValue(ctx, m)
	case model.WriteStateObject:
		return p.applyWriteStateObject(ctx, m)
	case model.WriteHashmapValue:
		return p.applyWriteHashmapValue(ctx, m)
	case model.AddStringsToSet:
		return p.applySetOp(ctx, m, p.backend.SAdd)
	case model.RemoveStringsFromSet:
		return p.applySetOp(ctx, m, p.backend.SRem)
	default:
		p.log.Warn("processor: unknown message type, skipping", "type", m.Type)
		return nil
	}
}

func decodeMeta[T any](m model.Message) (T, error) {
	var out T
	b, err := json.Marshal(m.Meta)
	if err != nil {
		return out, errors.Wrap(err, "processor: re-marshal meta")
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return out, errors.Wrap(err, "processor: decode meta")
	}
	return out, nil
}

func (p *Processor) applyWriteSimpleValue(ctx context.Context, m model.Message) error {
	meta, err := decodeMeta[model.SimpleValueMeta](m)
	if err != nil {
		return err
	}
	return errors.Wrap(p.backend.Set(ctx, keys.Value(p.ns, meta.Key), meta.Value), "apply WRITE_SIMPLE_VALUE")
}

func (p *Processor) applyWriteHashmapValue(ctx context.Context, m model.Message) error {
	meta, err := decodeMeta[model.HashmapValueMeta](m)
	if err != nil {
		return err
	}
	key := keys.Map(p.ns, meta.Key)
	if meta.Value == nil {
		return errors.Wrap(p.backend.HDel(ctx, key, meta.Field), "apply WRITE_HASHMAP_VALUE (HDEL)")
	}
	return errors.Wrap(p.backend.HSet(ctx, key, meta.Field, *meta.Value), "apply WRITE_HASHMAP_VALUE")
}

func (p *Processor) applySetOp(ctx context.Context, m model.Message, op func(context.Context, string, ...string) (int64, error)) error {
	meta, err := decodeMeta[model.SetMeta](m)
	if err != nil {
		return err
	}
	_, err = op(ctx, keys.Set(p.ns, meta.Key), meta.Values...)
	return errors.Wrap(err, "apply set mutation")
}

// applyWriteStateObject implements the state-write protocol of spec.md
// §4.C: decode, fetch-and-bump-version (or reset on delete), persist,
// then publish the diff, durability strictly before publication.
func (p *Processor) applyWriteStateObject(ctx context.Context, m model.Message) error {
	meta, err := decodeMeta[model.StateObjectMeta](m)
	if err != nil {
		return err
	}
	newValue, err := codec.DecodeAny(meta.Value)
	if err != nil {
		return errors.Wrap(err, "apply WRITE_STATE_OBJECT: decode value")
	}

	stateKey := keys.State(p.ns, meta.Key)
	raw, ok, err := p.backend.Get(ctx, stateKey)
	if err != nil {
		return errors.Wrap(err, "apply WRITE_STATE_OBJECT: read current state")
	}

	var oldValue any = map[string]any{}
	nextVersion := 1
	if ok {
		var current model.StateVersion
		if err := json.Unmarshal([]byte(raw), &current); err != nil {
			return errors.Wrap(err, "apply WRITE_STATE_OBJECT: decode current state")
		}
		oldValue = current.Value
		nextVersion = current.Version + 1
	}

	now := time.Now().UTC()

	if codec.IsEmptyObject(newValue) {
		if err := p.backend.Del(ctx, stateKey); err != nil {
			return errors.Wrap(err, "apply WRITE_STATE_OBJECT: delete")
		}
	} else {
		sv := model.StateVersion{Version: nextVersion, WrittenAt: now, Value: newValue}
		body, err := json.Marshal(sv)
		if err != nil {
			return errors.Wrap(err, "apply WRITE_STATE_OBJECT: marshal new state")
		}
		if err := p.backend.Set(ctx, stateKey, string(body)); err != nil {
			return errors.Wrap(err, "apply WRITE_STATE_OBJECT: write")
		}
	}

	ops := diff.Diff(oldValue, newValue)
	deltaMsg := model.DiffMessage{
		FromVersion:  nextVersion - 1,
		ToVersion:    nextVersion,
		WrittenAt:    now,
		DeltaPayload: ops,
	}
	payload, err := json.Marshal(deltaMsg)
	if err != nil {
		return errors.Wrap(err, "apply WRITE_STATE_OBJECT: marshal diff")
	}
	if err := p.backend.Publish(ctx, keys.StateDelta(p.ns, meta.Key), string(payload)); err != nil {
		return errors.Wrap(err, "apply WRITE_STATE_OBJECT: publish diff")
	}
	if p.metrics != nil {
		p.metrics.DiffsPublished.WithLabelValues(meta.Key).Inc()
	}
	return nil
}
