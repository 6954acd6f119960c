package ratelimit

import (
	"context"
	"sync"
	"time"
)

// client is the admission record of one ICAP client address.
type client struct {
	attempts     int
	windowStart  time.Time
	blockedUntil time.Time
}

// Stats summarizes the limiter state.
type Stats struct {
	Clients int
	Blocked int
	Active  int
}

// Limiter admits at most maxAttempts exchanges per client within a window.
// A client going over the limit is refused until the block period ends.
type Limiter struct {
	mu      sync.Mutex
	clients map[string]*client

	maxAttempts int
	window      time.Duration
	block       time.Duration
	now         func() time.Time
}

// New returns a limiter. A non-positive maxAttempts admits everything.
func New(maxAttempts int, window, block time.Duration) *Limiter {
	return &Limiter{
		clients:     make(map[string]*client),
		maxAttempts: maxAttempts,
		window:      window,
		block:       block,
		now:         time.Now,
	}
}

// IsAllowed records an exchange from addr and reports whether it may proceed.
func (l *Limiter) IsAllowed(addr string) bool {
	if l.maxAttempts <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	c, ok := l.clients[addr]
	if !ok {
		l.clients[addr] = &client{attempts: 1, windowStart: now}
		return true
	}
	if now.Before(c.blockedUntil) {
		return false
	}
	if now.Sub(c.windowStart) >= l.window {
		*c = client{attempts: 1, windowStart: now}
		return true
	}

	c.attempts++
	if c.attempts > l.maxAttempts {
		c.blockedUntil = now.Add(l.block)
		return false
	}
	return true
}

// Reset forgets addr.
func (l *Limiter) Reset(addr string) {
	l.mu.Lock()
	delete(l.clients, addr)
	l.mu.Unlock()
}

// Cleanup drops clients whose window and block have both expired.
func (l *Limiter) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for addr, c := range l.clients {
		if now.Sub(c.windowStart) >= l.window && !now.Before(c.blockedUntil) {
			delete(l.clients, addr)
		}
	}
}

// Stats returns the number of tracked, blocked and active clients.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	s := Stats{Clients: len(l.clients)}
	for _, c := range l.clients {
		if now.Before(c.blockedUntil) {
			s.Blocked++
		}
		if now.Sub(c.windowStart) < l.window {
			s.Active++
		}
	}
	return s
}

// Run calls Cleanup every interval until ctx is done.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = l.window
	}
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			l.Cleanup()
		}
	}
}
