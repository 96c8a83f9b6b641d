// Package backend implements component A: a thin adapter over a
// Redis-style store exposing exactly the command set relaykv needs
// (spec.md §4.A) with the retry and reconnect policies the rest of the
// system depends on.
//
// The adapter deliberately does not queue commands while disconnected;
// a failing command is retried in place up to MaxCommandRetries times,
// RetryGap apart, and then fails with ErrRetriesExhausted, leaving any
// longer retry to the caller's own layer (the processor's back-off)
// rather than having commands pile up invisibly. A Subscription resubscribes its
// channel automatically once its dedicated connection comes back, but it
// cannot replay whatever was published while it was down; it reports the
// resubscribe via Reconnected so the caller can recover state that only a
// fresh read can restore (see reader.Subscribe).
package backend

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/relaykv/relaykv/utils"
)

// MaxCommandRetries and RetryGap bound every single command: a command
// fails with ErrRetriesExhausted after MaxCommandRetries retries (so
// MaxCommandRetries+1 attempts) spaced RetryGap apart (worst case ~20s),
// never fewer, never more.
const (
	MaxCommandRetries = 10
	RetryGap          = 2 * time.Second
)

var ErrRetriesExhausted = errors.New("backend: command retry bound exceeded")

// Client is the command surface the queue, processor and reader are
// built against. It is satisfied by *Redis; tests may swap in a fake.
type Client interface {
	Get(ctx context.Context, key string) (val string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	SetEX(ctx context.Context, key, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error

	LPush(ctx context.Context, key, value string) (length int64, err error)
	LLen(ctx context.Context, key string) (int64, error)
	LMove(ctx context.Context, src, dst string, srcLeft, dstLeft bool) (value string, ok bool, err error)
	LRem(ctx context.Context, key string, count int64, value string) (removed int64, err error)

	HSet(ctx context.Context, key, field, value string) error
	HDel(ctx context.Context, key, field string) error
	HGet(ctx context.Context, key, field string) (val string, ok bool, err error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HLen(ctx context.Context, key string) (int64, error)
	HVals(ctx context.Context, key string) ([]string, error)

	SAdd(ctx context.Context, key string, members ...string) (added int64, err error)
	SRem(ctx context.Context, key string, members ...string) (removed int64, err error)
	SMembers(ctx context.Context, key string) ([]string, error)

	Publish(ctx context.Context, channel, payload string) error
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	// Duplicate returns an independent client sharing this one's address
	// and credentials, for exclusive use by a single pub/sub subscriber.
	// The caller owns its lifecycle and must Close it on every exit path.
	Duplicate() Client
	// Connected reports the adapter's last-known connectivity state. It
	// is a plain predicate; nothing here references it without calling it.
	Connected() bool
	// OnReady registers a callback invoked when the adapter transitions
	// from disconnected to connected. *Redis skips the callbacks for a
	// reconnect that comes sooner than Options.ReconnectMinInterval after
	// the last announced one.
	OnReady(func())
	Close() error
}

// Subscription is a live pub/sub subscription obtained via Client.Subscribe.
type Subscription interface {
	// Channel yields payloads as they arrive. It is closed when the
	// subscription is closed or the underlying connection is torn down.
	Channel() <-chan string
	// Reconnected yields a value every time the dedicated connection is
	// re-established and the channel is resubscribed after being lost,
	// never on the initial subscribe. Whatever was published while the
	// connection was down is gone; the caller is expected to re-read
	// current state rather than trust its running view across the gap.
	Reconnected() <-chan struct{}
	Close() error
}

// Options configures a Redis-backed Client.
type Options struct {
	Addr     string
	Password string
	DB       int

	// DialTimeout bounds establishing the TCP connection to Addr.
	DialTimeout time.Duration
	// ReconnectMinInterval bounds how often the adapter announces
	// successive reconnects, independent of the fixed per-command retry
	// gap. ReconnectMaxInterval is given a default but is not read by the
	// adapter.
	ReconnectMinInterval time.Duration
	ReconnectMaxInterval time.Duration

	Log utils.Logger

	// Metrics, if set, receives reconnect and retry-exhaustion counts.
	Metrics *utils.Metrics
}

func (o *Options) setDefaults() {
	if o.DialTimeout == 0 {
		o.DialTimeout = 5 * time.Second
	}
	if o.ReconnectMinInterval == 0 {
		o.ReconnectMinInterval = 500 * time.Millisecond
	}
	if o.ReconnectMaxInterval == 0 {
		o.ReconnectMaxInterval = 30 * time.Second
	}
	if o.Log == nil {
		o.Log = utils.NewDefaultLogger(0)
	}
}

// Redis is the production Client, backed by github.com/redis/go-redis/v9.
// Offline command queuing is disabled at construction; see Options and
// the package doc.
type Redis struct {
	opts Options
	rdb  *redis.Client

	connected atomic.Bool
	limiter   *rate.Limiter

	readyMu  sync.Mutex
	readyFns []func()
}

func NewRedis(opts Options) *Redis {
	opts.setDefaults()
	rdb := redis.NewClient(&redis.Options{
		Addr:                  opts.Addr,
		Password:              opts.Password,
		DB:                    opts.DB,
		DialTimeout:           opts.DialTimeout,
		ContextTimeoutEnabled: true,
		// Offline commands must fail fast, not queue: relaykv's own
		// retry/back-off layers are responsible for retrying.
		MaxRetries: 0,
	})
	c := &Redis{
		opts:    opts,
		rdb:     rdb,
		limiter: rate.NewLimiter(rate.Every(opts.ReconnectMinInterval), 1),
	}
	c.connected.Store(true)
	return c
}

func (c *Redis) OnReady(fn func()) {
	c.readyMu.Lock()
	c.readyFns = append(c.readyFns, fn)
	c.readyMu.Unlock()
}

func (c *Redis) fireReady() {
	c.readyMu.Lock()
	fns := append([]func(){}, c.readyFns...)
	c.readyMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (c *Redis) Connected() bool {
	return c.connected.Load()
}

func (c *Redis) markDisconnected() {
	if c.connected.CompareAndSwap(true, false) {
		c.opts.Log.Warn("backend: connection lost")
	}
}

func (c *Redis) markConnected() {
	if c.connected.CompareAndSwap(false, true) {
		if c.limiter.Allow() {
			c.opts.Log.Info("backend: reconnected")
			if c.opts.Metrics != nil {
				c.opts.Metrics.ReconnectTotal.Inc()
			}
			c.fireReady()
		}
	}
}

// withRetry runs fn up to MaxCommandRetries+1 times, sleeping RetryGap
// between attempts. Every error is retried except redis.Nil ("not found"
// replies), which is returned at once.
func withRetry[T any](ctx context.Context, c *Redis, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 0; attempt <= MaxCommandRetries; attempt++ {
		v, err := fn()
		if err == nil {
			c.markConnected()
			return v, nil
		}
		if errors.Is(err, redis.Nil) {
			c.markConnected()
			return zero, err
		}
		lastErr = err
		c.markDisconnected()
		if attempt == MaxCommandRetries {
			break
		}
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(RetryGap):
		}
	}
	if c.opts.Metrics != nil {
		c.opts.Metrics.RetryExhausted.Inc()
	}
	return zero, errors.Wrapf(ErrRetriesExhausted, "last error: %v", lastErr)
}

func (c *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := withRetry(ctx, c, func() (string, error) { return c.rdb.Get(ctx, key).Result() })
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	return val, err == nil, err
}

func (c *Redis) Set(ctx context.Context, key, value string) error {
	_, err := withRetry(ctx, c, func() (struct{}, error) {
		return struct{}{}, c.rdb.Set(ctx, key, value, 0).Err()
	})
	return err
}

func (c *Redis) SetEX(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := withRetry(ctx, c, func() (struct{}, error) {
		return struct{}{}, c.rdb.Set(ctx, key, value, ttl).Err()
	})
	return err
}

func (c *Redis) Del(ctx context.Context, keys ...string) error {
	_, err := withRetry(ctx, c, func() (struct{}, error) {
		return struct{}{}, c.rdb.Del(ctx, keys...).Err()
	})
	return err
}

func (c *Redis) LPush(ctx context.Context, key, value string) (int64, error) {
	return withRetry(ctx, c, func() (int64, error) { return c.rdb.LPush(ctx, key, value).Result() })
}

func (c *Redis) LLen(ctx context.Context, key string) (int64, error) {
	return withRetry(ctx, c, func() (int64, error) { return c.rdb.LLen(ctx, key).Result() })
}

func (c *Redis) LMove(ctx context.Context, src, dst string, srcLeft, dstLeft bool) (string, bool, error) {
	val, err := withRetry(ctx, c, func() (string, error) {
		return c.rdb.LMove(ctx, src, dst, side(srcLeft), side(dstLeft)).Result()
	})
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	return val, err == nil, err
}

func side(left bool) string {
	if left {
		return "LEFT"
	}
	return "RIGHT"
}

func (c *Redis) LRem(ctx context.Context, key string, count int64, value string) (int64, error) {
	return withRetry(ctx, c, func() (int64, error) { return c.rdb.LRem(ctx, key, count, value).Result() })
}

func (c *Redis) HSet(ctx context.Context, key, field, value string) error {
	_, err := withRetry(ctx, c, func() (struct{}, error) {
		return struct{}{}, c.rdb.HSet(ctx, key, field, value).Err()
	})
	return err
}

func (c *Redis) HDel(ctx context.Context, key, field string) error {
	_, err := withRetry(ctx, c, func() (struct{}, error) {
		return struct{}{}, c.rdb.HDel(ctx, key, field).Err()
	})
	return err
}

func (c *Redis) HGet(ctx context.Context, key, field string) (string, bool, error) {
	val, err := withRetry(ctx, c, func() (string, error) { return c.rdb.HGet(ctx, key, field).Result() })
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	return val, err == nil, err
}

func (c *Redis) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return withRetry(ctx, c, func() (map[string]string, error) { return c.rdb.HGetAll(ctx, key).Result() })
}

func (c *Redis) HLen(ctx context.Context, key string) (int64, error) {
	return withRetry(ctx, c, func() (int64, error) { return c.rdb.HLen(ctx, key).Result() })
}

func (c *Redis) HVals(ctx context.Context, key string) ([]string, error) {
	return withRetry(ctx, c, func() ([]string, error) { return c.rdb.HVals(ctx, key).Result() })
}

func (c *Redis) SAdd(ctx context.Context, key string, members ...string) (int64, error) {
	return withRetry(ctx, c, func() (int64, error) {
		anyMembers := make([]any, len(members))
		for i, m := range members {
			anyMembers[i] = m
		}
		return c.rdb.SAdd(ctx, key, anyMembers...).Result()
	})
}

func (c *Redis) SRem(ctx context.Context, key string, members ...string) (int64, error) {
	return withRetry(ctx, c, func() (int64, error) {
		anyMembers := make([]any, len(members))
		for i, m := range members {
			anyMembers[i] = m
		}
		return c.rdb.SRem(ctx, key, anyMembers...).Result()
	})
}

func (c *Redis) SMembers(ctx context.Context, key string) ([]string, error) {
	return withRetry(ctx, c, func() ([]string, error) { return c.rdb.SMembers(ctx, key).Result() })
}

func (c *Redis) Publish(ctx context.Context, channel, payload string) error {
	_, err := withRetry(ctx, c, func() (struct{}, error) {
		return struct{}{}, c.rdb.Publish(ctx, channel, payload).Err()
	})
	return err
}

// Subscribe opens a dedicated connection to the same address and
// subscribes it to channel. The returned Subscription owns that connection.
func (c *Redis) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	dup := redis.NewClient(&redis.Options{
		Addr:        c.opts.Addr,
		Password:    c.opts.Password,
		DB:          c.opts.DB,
		DialTimeout: c.opts.DialTimeout,
	})
	pubsub := dup.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		_ = dup.Close()
		return nil, errors.Wrap(err, "backend: subscribe")
	}
	out := make(chan string, 64)
	sub := &redisSubscription{
		pubsub:      pubsub,
		conn:        dup,
		out:         out,
		reconnected: make(chan struct{}, 1),
	}
	go sub.pump()
	return sub, nil
}

type redisSubscription struct {
	pubsub      *redis.PubSub
	conn        *redis.Client
	out         chan string
	reconnected chan struct{}
	once        sync.Once
}

// pump drives the subscription off the low-level Receive API rather than
// pubsub.Channel(): go-redis resubscribes internally on every reconnect
// and reports it by replaying a *redis.Subscription confirmation, which
// is exactly the "reconnecting -> ready" edge the reader needs to notice
// so it can re-fetch state instead of trusting a currentVersion that
// skipped whatever was published during the gap.
func (s *redisSubscription) pump() {
	defer close(s.out)
	first := true
	for {
		msg, err := s.pubsub.Receive(context.Background())
		if err != nil {
			return
		}
		switch m := msg.(type) {
		case *redis.Subscription:
			if first {
				first = false
				continue
			}
			select {
			case s.reconnected <- struct{}{}:
			default:
			}
		case *redis.Message:
			s.out <- m.Payload
		}
	}
}

func (s *redisSubscription) Channel() <-chan string { return s.out }

func (s *redisSubscription) Reconnected() <-chan struct{} { return s.reconnected }

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		err = s.pubsub.Close()
		_ = s.conn.Close()
	})
	return err
}

// Duplicate returns a fresh Client bound to the same address, intended
// for exclusive use by one pub/sub subscriber at a time.
func (c *Redis) Duplicate() Client {
	dup := NewRedis(c.opts)
	return dup
}

func (c *Redis) Close() error {
	return c.rdb.Close()
}
