// Package backendtest provides an in-memory backend.Client used by the
// queue, processor and reader test suites so they can exercise the exact
// two-list/pub-sub protocol relaykv depends on without a live Redis.
package backendtest

import (
	"context"
	"sync"
	"time"

	"github.com/relaykv/relaykv/backend"
)

// Fake is a single shared in-memory store; Client is a handle onto it.
// Duplicate() returns another handle onto the same Fake, mirroring how a
// real duplicated Redis connection still talks to the same server.
type Fake struct {
	mu      sync.Mutex
	strings map[string]string
	lists   map[string][]string // index 0 = left/head
	hashes  map[string]map[string]string
	sets    map[string]map[string]struct{}
	subs    map[string][]*fakeSub
}

func NewFake() *Fake {
	return &Fake{
		strings: map[string]string{},
		lists:   map[string][]string{},
		hashes:  map[string]map[string]string{},
		sets:    map[string]map[string]struct{}{},
		subs:    map[string][]*fakeSub{},
	}
}

// SimulateReconnect delivers a reconnect notification to every live
// subscriber of channel, exercising the same recovery path a real
// dropped-and-restored connection would trigger.
func (f *Fake) SimulateReconnect(channel string) {
	f.mu.Lock()
	subs := append([]*fakeSub{}, f.subs[channel]...)
	f.mu.Unlock()
	for _, s := range subs {
		select {
		case s.reconnected <- struct{}{}:
		default:
		}
	}
}

// Client returns a handle implementing backend.Client over f.
func (f *Fake) Client() backend.Client { return &client{f: f} }

type client struct{ f *Fake }

func (c *client) Duplicate() backend.Client { return &client{f: c.f} }
func (c *client) Connected() bool           { return true }
func (c *client) OnReady(func())            {}
func (c *client) Close() error              { return nil }

func (c *client) Get(_ context.Context, key string) (string, bool, error) {
	c.f.mu.Lock()
	defer c.f.mu.Unlock()
	v, ok := c.f.strings[key]
	return v, ok, nil
}

func (c *client) Set(_ context.Context, key, value string) error {
	c.f.mu.Lock()
	defer c.f.mu.Unlock()
	c.f.strings[key] = value
	return nil
}

func (c *client) SetEX(ctx context.Context, key, value string, _ time.Duration) error {
	return c.Set(ctx, key, value)
}

func (c *client) Del(_ context.Context, keys ...string) error {
	c.f.mu.Lock()
	defer c.f.mu.Unlock()
	for _, k := range keys {
		delete(c.f.strings, k)
		delete(c.f.lists, k)
		delete(c.f.hashes, k)
		delete(c.f.sets, k)
	}
	return nil
}

func (c *client) LPush(_ context.Context, key, value string) (int64, error) {
	c.f.mu.Lock()
	defer c.f.mu.Unlock()
	c.f.lists[key] = append([]string{value}, c.f.lists[key]...)
	return int64(len(c.f.lists[key])), nil
}

func (c *client) LLen(_ context.Context, key string) (int64, error) {
	c.f.mu.Lock()
	defer c.f.mu.Unlock()
	return int64(len(c.f.lists[key])), nil
}

func (c *client) LMove(_ context.Context, src, dst string, srcLeft, dstLeft bool) (string, bool, error) {
	c.f.mu.Lock()
	defer c.f.mu.Unlock()
	l := c.f.lists[src]
	if len(l) == 0 {
		return "", false, nil
	}
	var v string
	if srcLeft {
		v = l[0]
		c.f.lists[src] = l[1:]
	} else {
		v = l[len(l)-1]
		c.f.lists[src] = l[:len(l)-1]
	}
	if dstLeft {
		c.f.lists[dst] = append([]string{v}, c.f.lists[dst]...)
	} else {
		c.f.lists[dst] = append(c.f.lists[dst], v)
	}
	return v, true, nil
}

func (c *client) LRem(_ context.Context, key string, count int64, value string) (int64, error) {
	c.f.mu.Lock()
	defer c.f.mu.Unlock()
	l := c.f.lists[key]
	removed := int64(0)
	out := l[:0:0]
	limit := count
	if limit < 0 {
		limit = -limit
	}
	for _, item := range l {
		if item == value && (limit == 0 || removed < limit) {
			removed++
			continue
		}
		out = append(out, item)
	}
	c.f.lists[key] = out
	return removed, nil
}

func (c *client) HSet(_ context.Context, key, field, value string) error {
	c.f.mu.Lock()
	defer c.f.mu.Unlock()
	if c.f.hashes[key] == nil {
		c.f.hashes[key] = map[string]string{}
	}
	c.f.hashes[key][field] = value
	return nil
}

func (c *client) HDel(_ context.Context, key, field string) error {
	c.f.mu.Lock()
	defer c.f.mu.Unlock()
	delete(c.f.hashes[key], field)
	return nil
}

func (c *client) HGet(_ context.Context, key, field string) (string, bool, error) {
	c.f.mu.Lock()
	defer c.f.mu.Unlock()
	v, ok := c.f.hashes[key][field]
	return v, ok, nil
}

func (c *client) HGetAll(_ context.Context, key string) (map[string]string, error) {
	c.f.mu.Lock()
	defer c.f.mu.Unlock()
	out := map[string]string{}
	for k, v := range c.f.hashes[key] {
		out[k] = v
	}
	return out, nil
}

func (c *client) HLen(_ context.Context, key string) (int64, error) {
	c.f.mu.Lock()
	defer c.f.mu.Unlock()
	return int64(len(c.f.hashes[key])), nil
}

func (c *client) HVals(_ context.Context, key string) ([]string, error) {
	c.f.mu.Lock()
	defer c.f.mu.Unlock()
	out := make([]string, 0, len(c.f.hashes[key]))
	for _, v := range c.f.hashes[key] {
		out = append(out, v)
	}
	return out, nil
}

func (c *client) SAdd(_ context.Context, key string, members ...string) (int64, error) {
	c.f.mu.Lock()
	defer c.f.mu.Unlock()
	if c.f.sets[key] == nil {
		c.f.sets[key] = map[string]struct{}{}
	}
	added := int64(0)
	for _, m := range members {
		if _, ok := c.f.sets[key][m]; !ok {
			c.f.sets[key][m] = struct{}{}
			added++
		}
	}
	return added, nil
}

func (c *client) SRem(_ context.Context, key string, members ...string) (int64, error) {
	c.f.mu.Lock()
	defer c.f.mu.Unlock()
	removed := int64(0)
	for _, m := range members {
		if _, ok := c.f.sets[key][m]; ok {
			delete(c.f.sets[key], m)
			removed++
		}
	}
	return removed, nil
}

func (c *client) SMembers(_ context.Context, key string) ([]string, error) {
	c.f.mu.Lock()
	defer c.f.mu.Unlock()
	out := make([]string, 0, len(c.f.sets[key]))
	for m := range c.f.sets[key] {
		out = append(out, m)
	}
	return out, nil
}

func (c *client) Publish(_ context.Context, channel, payload string) error {
	c.f.mu.Lock()
	subs := append([]*fakeSub{}, c.f.subs[channel]...)
	c.f.mu.Unlock()
	for _, s := range subs {
		select {
		case s.ch <- payload:
		default:
			go func(ch chan string) { ch <- payload }(s.ch)
		}
	}
	return nil
}

func (c *client) Subscribe(_ context.Context, channel string) (backend.Subscription, error) {
	s := &fakeSub{f: c.f, channel: channel, ch: make(chan string, 16), reconnected: make(chan struct{}, 1)}
	c.f.mu.Lock()
	c.f.subs[channel] = append(c.f.subs[channel], s)
	c.f.mu.Unlock()
	return s, nil
}

type fakeSub struct {
	f           *Fake
	channel     string
	ch          chan string
	reconnected chan struct{}
	once        sync.Once
}

func (s *fakeSub) Channel() <-chan string { return s.ch }

func (s *fakeSub) Reconnected() <-chan struct{} { return s.reconnected }

func (s *fakeSub) Close() error {
	s.once.Do(func() {
		s.f.mu.Lock()
		list := s.f.subs[s.channel]
		for i, sub := range list {
			if sub == s {
				s.f.subs[s.channel] = append(list[:i], list[i+1:]...)
				break
			}
		}
		s.f.mu.Unlock()
		close(s.ch)
	})
	return nil
}
