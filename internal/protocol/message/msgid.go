package message

import (
	"sync"
	"time"

	"mtproto_core/internal/mterr"
)

// Type is the kind of a message id, encoded in its two lowest bits.
type Type int64

const (
	// Client ids are divisible by 4.
	Client Type = 0
	// ServerResponse ids answer a client request.
	ServerResponse Type = 1
	// ServerUpdate ids are unsolicited server messages.
	ServerUpdate Type = 3
)

const (
	maxPast   = 300 * time.Second
	maxFuture = 30 * time.Second
)

// IDGen produces strictly increasing message ids synchronized with the
// server clock.
type IDGen struct {
	mu    sync.Mutex
	now   func() time.Time
	delta time.Duration
	last  int64
}

func NewIDGen(now func() time.Time) *IDGen {
	if now == nil {
		now = time.Now
	}
	return &IDGen{now: now}
}

// SetTimeDelta records server_time - local_time.
func (g *IDGen) SetTimeDelta(d time.Duration) {
	g.mu.Lock()
	g.delta = d
	g.mu.Unlock()
}

func (g *IDGen) TimeDelta() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.delta
}

// Now returns the local time corrected by the time delta.
func (g *IDGen) Now() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.now().Add(g.delta)
}

// New returns the next id of type t.
func (g *IDGen) New(t Type) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now().Add(g.delta)
	id := now.Unix()<<32 | int64(uint32(now.Nanosecond())<<2)
	id = id&^3 | int64(t)
	for id <= g.last {
		id += 4
	}
	g.last = id
	return id
}

// IDChecker rejects stale, future and replayed message ids.
type IDChecker struct {
	mu   sync.Mutex
	gen  *IDGen
	want func(id int64) bool
	seen map[int64]struct{}
}

// NewIDChecker checks ids against gen's clock. Client checkers expect odd
// server ids, server checkers expect ids divisible by 4.
func NewIDChecker(gen *IDGen, fromServer bool) *IDChecker {
	want := func(id int64) bool { return id%4 == 0 }
	if fromServer {
		want = func(id int64) bool { return id&1 == 1 }
	}
	return &IDChecker{gen: gen, want: want, seen: map[int64]struct{}{}}
}

// Check validates id and remembers it.
func (c *IDChecker) Check(id int64) error {
	if !c.want(id) {
		return mterr.Securityf("message id %d has the wrong parity", id)
	}

	now := c.gen.Now()
	sent := time.Unix(id>>32, 0)
	switch {
	case sent.Before(now.Add(-maxPast)):
		return mterr.Securityf("message id %d is too old", id)
	case sent.After(now.Add(maxFuture)):
		return mterr.Securityf("message id %d is too far in the future", id)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.seen[id]; ok {
		return mterr.Securityf("message id %d was already received", id)
	}
	c.seen[id] = struct{}{}
	if len(c.seen) > 1024 {
		c.prune(now)
	}
	return nil
}

func (c *IDChecker) prune(now time.Time) {
	cutoff := now.Add(-maxPast).Unix()
	for id := range c.seen {
		if id>>32 < cutoff {
			delete(c.seen, id)
		}
	}
}

// Reset forgets all seen ids.
func (c *IDChecker) Reset() {
	c.mu.Lock()
	c.seen = map[int64]struct{}{}
	c.mu.Unlock()
}

// SeqNo assigns sequence numbers within a session.
type SeqNo struct {
	mu      sync.Mutex
	content int32
}

// Next returns 2n+1 and increments n for content related messages, 2n
// otherwise.
func (s *SeqNo) Next(contentRelated bool) int32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !contentRelated {
		return s.content * 2
	}
	seq := s.content*2 + 1
	s.content++
	return seq
}

func (s *SeqNo) Reset() {
	s.mu.Lock()
	s.content = 0
	s.mu.Unlock()
}
