package ratelimit

import (
	"testing"
	"time"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestLimiter(max int) (*Limiter, *clock) {
	c := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := New(max, time.Minute, 5*time.Minute)
	l.now = c.now
	return l, c
}

func TestIsAllowed(t *testing.T) {
	l, c := newTestLimiter(3)

	for i := 0; i < 3; i++ {
		if !l.IsAllowed("10.0.0.1") {
			t.Errorf("attempt %d should have been allowed", i+1)
		}
	}
	if l.IsAllowed("10.0.0.1") {
		t.Error("attempt 4 should have been blocked")
	}
	if !l.IsAllowed("10.0.0.2") {
		t.Error("other clients should not be affected")
	}

	c.t = c.t.Add(2 * time.Minute)
	if l.IsAllowed("10.0.0.1") {
		t.Error("client should stay blocked for the block period")
	}

	c.t = c.t.Add(4 * time.Minute)
	if !l.IsAllowed("10.0.0.1") {
		t.Error("client should be allowed after the block expired")
	}
}

func TestWindowReset(t *testing.T) {
	l, c := newTestLimiter(2)
	l.IsAllowed("a")
	l.IsAllowed("a")
	c.t = c.t.Add(time.Minute)
	if !l.IsAllowed("a") {
		t.Error("a new window should reset the count")
	}
}

func TestDisabled(t *testing.T) {
	l := New(0, time.Minute, time.Minute)
	for i := 0; i < 100; i++ {
		if !l.IsAllowed("a") {
			t.Fatal("a zero limit should admit everything")
		}
	}
	if s := l.Stats(); s.Clients != 0 {
		t.Errorf("disabled limiter tracked %d clients", s.Clients)
	}
}

func TestCleanupAndStats(t *testing.T) {
	l, c := newTestLimiter(1)
	l.IsAllowed("a")
	l.IsAllowed("a")
	l.IsAllowed("b")

	if s := l.Stats(); s != (Stats{Clients: 2, Blocked: 1, Active: 2}) {
		t.Errorf("Stats() = %+v", s)
	}

	c.t = c.t.Add(2 * time.Minute)
	l.Cleanup()
	if s := l.Stats(); s != (Stats{Clients: 1, Blocked: 1}) {
		t.Errorf("after Cleanup: %+v", s)
	}

	l.Reset("a")
	if s := l.Stats(); s.Clients != 0 {
		t.Errorf("after Reset: %+v", s)
	}
}
