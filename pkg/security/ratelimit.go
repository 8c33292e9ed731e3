package security

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter enforces a global limit plus a limit per client key (a session
// id in orchestra). Idle client limiters are dropped by Prune.
type RateLimiter struct {
	global  *rate.Limiter
	mu      sync.RWMutex
	clients map[string]*clientLimiter

	rps   rate.Limit
	burst int
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter creates a limiter allowing rps requests per second with the
// given burst, both globally and per client. The global bucket is ten times
// the per-client one.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{
		global:  rate.NewLimiter(rate.Limit(rps*10), burst*10),
		clients: make(map[string]*clientLimiter),
		rps:     rate.Limit(rps),
		burst:   burst,
	}
}

// Allow reports whether a request for clientID may proceed now.
func (rl *RateLimiter) Allow(clientID string) bool {
	if !rl.global.Allow() {
		return false
	}
	return rl.client(clientID).Allow()
}

// Wait blocks until a request for clientID may proceed or ctx is done.
func (rl *RateLimiter) Wait(ctx context.Context, clientID string) error {
	if err := rl.global.Wait(ctx); err != nil {
		return fmt.Errorf("global rate limit: %w", err)
	}
	if err := rl.client(clientID).Wait(ctx); err != nil {
		return fmt.Errorf("client rate limit: %w", err)
	}
	return nil
}

// Prune drops client limiters not used since before cutoff and returns how
// many were removed.
func (rl *RateLimiter) Prune(cutoff time.Time) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	n := 0
	for id, c := range rl.clients {
		if c.lastSeen.Before(cutoff) {
			delete(rl.clients, id)
			n++
		}
	}
	return n
}

func (rl *RateLimiter) client(clientID string) *rate.Limiter {
	now := time.Now()

	rl.mu.RLock()
	c, ok := rl.clients[clientID]
	rl.mu.RUnlock()
	if ok {
		rl.mu.Lock()
		c.lastSeen = now
		rl.mu.Unlock()
		return c.limiter
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Double-check after acquiring write lock
	if c, ok := rl.clients[clientID]; ok {
		c.lastSeen = now
		return c.limiter
	}
	c = &clientLimiter{limiter: rate.NewLimiter(rl.rps, rl.burst), lastSeen: now}
	rl.clients[clientID] = c
	return c.limiter
}
