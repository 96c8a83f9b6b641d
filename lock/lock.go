// Package lock implements the cluster-wide singleton lock the storage
// processor acquires at startup (spec.md §4.C): a TTL-bounded key,
// verified once after a settling delay, then kept alive by a heartbeat
// that re-issues the TTL well before it can expire.
//
// The lock is not a language-level singleton; it is an ordinary value
// whose Acquire either succeeds (the heartbeat goroutine is now running)
// or returns an error the caller decides how to act on. Spec.md's source
// exits the process outright on a lock violation; here that decision is
// left to the caller, who is free to treat ErrViolation as fatal.
package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/relaykv/relaykv/backend"
	"github.com/relaykv/relaykv/keys"
	"github.com/relaykv/relaykv/utils"
)

const (
	TTL             = 60 * time.Second
	HeartbeatEvery  = 30 * time.Second
	SettleDelay     = 5 * time.Second
	MaxAttempts     = 10
	AttemptInterval = 10 * time.Second
)

var (
	// ErrAttemptsExceeded is returned when MaxAttempts reads of the lock
	// key all found it held by someone else.
	ErrAttemptsExceeded = errors.New("lock: max acquisition attempts exceeded")
	// ErrViolation is returned when the settle-delay re-read finds the
	// lock key holds a different instance id than the one just written:
	// a second acquirer raced us. Fatal: the caller should not proceed.
	ErrViolation = errors.New("lock: lost the lock to a competing instance during acquisition")
)

// Lock is a handle on one namespace's singleton lock. The zero value is
// not usable; construct with New.
type Lock struct {
	ns         string
	instanceID string
	backend    backend.Client
	log        utils.Logger
	metrics    *utils.Metrics

	mu       sync.Mutex
	cancel   context.CancelFunc
	held     bool
}

func New(ns string, c backend.Client, log utils.Logger, m *utils.Metrics) *Lock {
	if log == nil {
		log = utils.NewDefaultLogger(0)
	}
	return &Lock{
		ns:         ns,
		instanceID: uuid.New().String(),
		backend:    c,
		log:        log,
		metrics:    m,
	}
}

// InstanceID returns the random id this Lock will try to claim the
// singleton with.
func (l *Lock) InstanceID() string { return l.instanceID }

// Acquire runs the full acquisition protocol: up to MaxAttempts reads of
// the lock key spaced AttemptInterval apart waiting for it to be free,
// a SETEX write, a SettleDelay pause, a verifying re-read, and, only on
// success, starts the heartbeat goroutine. It blocks until it succeeds,
// hits ErrAttemptsExceeded, ErrViolation, or ctx is done.
func (l *Lock) Acquire(ctx context.Context) error {
	key := keys.Lock(l.ns)

	for attempt := 0; attempt < MaxAttempts; attempt++ {
		held, ok, err := l.backend.Get(ctx, key)
		if err != nil {
			return errors.Wrap(err, "lock: read during acquisition")
		}
		if !ok {
			break
		}
		l.log.Warn("lock: held by another instance, waiting", "holder", held, "attempt", attempt+1)
		if attempt == MaxAttempts-1 {
			return ErrAttemptsExceeded
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(AttemptInterval):
		}
	}

	if err := l.backend.SetEX(ctx, key, l.instanceID, TTL); err != nil {
		return errors.Wrap(err, "lock: write")
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(SettleDelay):
	}

	holder, ok, err := l.backend.Get(ctx, key)
	if err != nil {
		return errors.Wrap(err, "lock: verify")
	}
	if !ok || holder != l.instanceID {
		return errors.Wrapf(ErrViolation, "found holder %q", holder)
	}

	hbCtx, cancel := context.WithCancel(context.Background())
	l.mu.Lock()
	l.cancel = cancel
	l.held = true
	l.mu.Unlock()
	if l.metrics != nil {
		l.metrics.LockHeld.Set(1)
	}
	go l.heartbeat(hbCtx)
	return nil
}

func (l *Lock) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(HeartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), TTL)
			err := l.backend.SetEX(ctx, keys.Lock(l.ns), l.instanceID, TTL)
			cancel()
			if err != nil {
				l.log.Error("lock: heartbeat failed", "error", err)
			}
		}
	}
}

// Held reports whether this Lock currently believes it owns the lock,
// i.e. Acquire succeeded and Release has not been called since.
func (l *Lock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

// Release stops the heartbeat. It does not delete the lock key: letting
// the TTL expire is simpler and safer than a delete racing a concurrent
// acquirer that has not yet written its own value.
func (l *Lock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		l.cancel()
		l.cancel = nil
	}
	l.held = false
	if l.metrics != nil {
		l.metrics.LockHeld.Set(0)
	}
}
