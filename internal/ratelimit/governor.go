// Package ratelimit tracks the order transaction rate and reports the limits
// the arbiter throttles against.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"options-mm/internal/config"
)

// Governor is the transaction-rate collaborator. The hard limit is a token
// bucket; the new-order limit and the last-second count come from a sliding
// one-second window. It is safe for concurrent use.
type Governor struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	newMax  int
	sent    []stamp
	clock   func() time.Time
}

type stamp struct {
	at    time.Time
	isNew bool
}

// NewGovernor creates a governor. A non-positive TransactionsPerSecond
// disables the hard limit.
func NewGovernor(cfg config.RateLimitConfig) *Governor {
	g := &Governor{clock: time.Now}
	g.configure(cfg)
	return g
}

func (g *Governor) configure(cfg config.RateLimitConfig) {
	limit := rate.Limit(cfg.TransactionsPerSecond)
	if cfg.TransactionsPerSecond <= 0 {
		limit = rate.Inf
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = max(int(cfg.TransactionsPerSecond), 1)
	}
	if g.limiter == nil {
		g.limiter = rate.NewLimiter(limit, burst)
	} else {
		g.limiter.SetLimitAt(g.clock(), limit)
		g.limiter.SetBurstAt(g.clock(), burst)
	}
	g.newMax = cfg.NewOrdersPerSecond
}

// SetLimits installs new limits, keeping the recorded history.
func (g *Governor) SetLimits(cfg config.RateLimitConfig) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.configure(cfg)
}

// SetClock overrides the time source.
func (g *Governor) SetClock(clock func() time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.clock = clock
}

// Limited reports whether the hard transaction limit is exhausted.
func (g *Governor) Limited() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.limiter.Limit() == rate.Inf {
		return false
	}
	return g.limiter.TokensAt(g.clock()) < 1
}

// NewOrdersLimited reports whether the new-order limit for the last second is reached.
func (g *Governor) NewOrdersLimited() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.newMax <= 0 {
		return false
	}
	g.trim()
	n := 0
	for _, s := range g.sent {
		if s.isNew {
			n++
		}
	}
	return n >= g.newMax
}

// LastSecondCount returns the number of transactions recorded in the last second.
func (g *Governor) LastSecondCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.trim()
	return len(g.sent)
}

// Record accounts for dispatched transactions, news of which were new orders.
// Tokens are consumed even past the limit so Limited stays set until the
// bucket refills.
func (g *Governor) Record(total, news int) {
	if total <= 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock()
	if g.limiter.Limit() != rate.Inf {
		n := min(total, g.limiter.Burst())
		g.limiter.ReserveN(now, n)
	}
	for i := 0; i < total; i++ {
		g.sent = append(g.sent, stamp{at: now, isNew: i < news})
	}
	g.trim()
}

// trim drops stamps older than one second. Callers hold mu.
func (g *Governor) trim() {
	cutoff := g.clock().Add(-time.Second)
	i := 0
	for i < len(g.sent) && !g.sent[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		g.sent = append(g.sent[:0], g.sent[i:]...)
	}
}
