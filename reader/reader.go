// Package reader implements component E: fetching a versioned state
// snapshot and joining its delta stream such that every version at or
// after the snapshot is observed by the caller exactly once (spec.md
// §4.E). It is the read-side counterpart to processor's writes; it never
// mutates the backend.
package reader

import (
	"context"
	"encoding/json"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/relaykv/relaykv/backend"
	"github.com/relaykv/relaykv/keys"
	"github.com/relaykv/relaykv/model"
	"github.com/relaykv/relaykv/utils"
)

// ErrMissingState is delivered to onError (never returned directly from
// Subscribe) when the state key does not exist at snapshot time.
var ErrMissingState = errors.New("reader: state object does not exist")

// ErrUnsubscribed is delivered to onError exactly once when Unsubscribe
// is called, before the dedicated connection is released.
var ErrUnsubscribed = errors.New("reader: unsubscribed")

// Unsubscribe releases a subscription's dedicated connection. Safe to
// call more than once and safe to call from within a callback.
type Unsubscribe func()

// Reader fetches snapshots and subscribes to per-key delta streams.
type Reader struct {
	ns      string
	backend backend.Client
	log     utils.Logger

	cacheMu sync.Mutex
	cache   *lru.Cache[string, model.StateVersion]

	// subs tracks every live subscription by key, so Close can tear them
	// all down and so Subscribe can refuse a second concurrent watch of
	// the same key from the same Reader rather than opening a redundant
	// dedicated connection.
	subs *xsync.MapOf[string, Unsubscribe]
}

// New constructs a Reader. cacheSize > 0 keeps the most recently fetched
// StateVersion per key in a bounded LRU; cacheSize <= 0 disables it.
// FetchState always reads the backend either way: it records into the
// cache but never serves from it.
func New(ns string, c backend.Client, log utils.Logger, cacheSize int) *Reader {
	if log == nil {
		log = utils.NewDefaultLogger(0)
	}
	r := &Reader{ns: ns, backend: c, log: log, subs: xsync.NewMapOf[string, Unsubscribe]()}
	if cacheSize > 0 {
		cache, _ := lru.New[string, model.StateVersion](cacheSize)
		r.cache = cache
	}
	return r
}

// Close tears down every subscription this Reader currently owns. Safe
// to call more than once.
func (r *Reader) Close() {
	r.subs.Range(func(key string, unsub Unsubscribe) bool {
		unsub()
		return true
	})
}

// FetchState reads and decodes the current StateVersion for key. ok is
// false if the key does not exist.
func (r *Reader) FetchState(ctx context.Context, key string) (sv model.StateVersion, ok bool, err error) {
	raw, exists, err := r.backend.Get(ctx, keys.State(r.ns, key))
	if err != nil {
		return sv, false, errors.Wrap(err, "reader: fetch state")
	}
	if !exists {
		return sv, false, nil
	}
	if err := json.Unmarshal([]byte(raw), &sv); err != nil {
		return sv, false, errors.Wrap(err, "reader: decode state")
	}
	if r.cache != nil {
		r.cacheMu.Lock()
		r.cache.Add(key, sv)
		r.cacheMu.Unlock()
	}
	return sv, true, nil
}

// FetchValue reads and decodes a simple value.
func (r *Reader) FetchValue(ctx context.Context, key string) (val string, ok bool, err error) {
	val, ok, err = r.backend.Get(ctx, keys.Value(r.ns, key))
	return val, ok, errors.Wrap(err, "reader: fetch value")
}

// FetchHashField reads a single hashmap field.
func (r *Reader) FetchHashField(ctx context.Context, key, field string) (val string, ok bool, err error) {
	val, ok, err = r.backend.HGet(ctx, keys.Map(r.ns, key), field)
	return val, ok, errors.Wrap(err, "reader: fetch hash field")
}

// FetchHash reads every field of a hashmap.
func (r *Reader) FetchHash(ctx context.Context, key string) (map[string]string, error) {
	m, err := r.backend.HGetAll(ctx, keys.Map(r.ns, key))
	return m, errors.Wrap(err, "reader: fetch hash")
}

// FetchSet reads every member of a string set.
func (r *Reader) FetchSet(ctx context.Context, key string) ([]string, error) {
	m, err := r.backend.SMembers(ctx, keys.Set(r.ns, key))
	return m, errors.Wrap(err, "reader: fetch set")
}

// Subscribe implements fetchStateAndListen: it dedicates a connection to
// the delta channel, fetches the current snapshot, invokes onFull once,
// and then invokes onDelta for every subsequent delta whose FromVersion
// matches the caller's currentVersion. Deltas that arrive out of order
// (the caller fell behind, or the backend delivered a delta from before
// the snapshot) are discarded with a warning rather than applied, since
// applying them would silently fork the caller's view of the value.
//
// On the dedicated connection reconnecting, the subscription re-fetches
// the snapshot and invokes onFull again, jumping currentVersion forward;
// any deltas that arrived while disconnected are lost by design, since
// the fresh snapshot already subsumes them.
func (r *Reader) Subscribe(
	ctx context.Context,
	key string,
	onFull func(model.StateVersion),
	onDelta func(model.DiffMessage),
	onError func(error),
) (Unsubscribe, error) {
	if _, already := r.subs.Load(key); already {
		return nil, errors.Errorf("reader: key %q is already subscribed on this Reader", key)
	}

	sub, err := r.backend.Subscribe(ctx, keys.StateDelta(r.ns, key))
	if err != nil {
		return nil, errors.Wrap(err, "reader: subscribe")
	}

	sv, ok, err := r.FetchState(ctx, key)
	if err != nil {
		_ = sub.Close()
		return nil, errors.Wrap(err, "reader: initial fetch")
	}
	if !ok {
		_ = sub.Close()
		if onError != nil {
			onError(ErrMissingState)
		}
		return func() {}, nil
	}

	var mu sync.Mutex
	currentVersion := sv.Version
	closed := false

	unsubscribe := func() {
		mu.Lock()
		if closed {
			mu.Unlock()
			return
		}
		closed = true
		mu.Unlock()
		r.subs.Delete(key)
		if onError != nil {
			onError(ErrUnsubscribed)
		}
		_ = sub.Close()
	}
	r.subs.Store(key, unsubscribe)

	onFull(sv)

	go func() {
		for {
			select {
			case payload, ok := <-sub.Channel():
				if !ok {
					return
				}
				var d model.DiffMessage
				if err := json.Unmarshal([]byte(payload), &d); err != nil {
					r.log.Warn("reader: undecodable delta, discarding", "key", key, "error", err)
					continue
				}
				mu.Lock()
				if closed {
					mu.Unlock()
					return
				}
				if d.FromVersion != currentVersion {
					mu.Unlock()
					r.log.Warn("reader: delta out of sequence, discarding",
						"key", key, "have", currentVersion, "fromVersion", d.FromVersion)
					continue
				}
				currentVersion = d.ToVersion
				mu.Unlock()
				onDelta(d)

			case _, ok := <-sub.Reconnected():
				if !ok {
					return
				}
				mu.Lock()
				if closed {
					mu.Unlock()
					return
				}
				mu.Unlock()

				sv, ok, err := r.FetchState(ctx, key)
				if err != nil {
					r.log.Warn("reader: re-fetch after reconnect failed", "key", key, "error", err)
					continue
				}
				if !ok {
					r.log.Warn("reader: state object missing after reconnect", "key", key)
					continue
				}
				mu.Lock()
				if closed {
					mu.Unlock()
					return
				}
				currentVersion = sv.Version
				mu.Unlock()
				onFull(sv)
			}
		}
	}()

	return unsubscribe, nil
}
