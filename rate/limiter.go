// Package rate keeps a token bucket per client so a single caller cannot
// burn the checkout and verification routes, which fan out to paid provider
// APIs.
package rate

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter hands out per-client token buckets and forgets clients that have
// been quiet for longer than Expiry minutes.
type Limiter struct {
	Expiry   int
	Burst    int
	LimitRPS float64
	clients  map[string]*clientLimiter
	mu       sync.RWMutex
}

type clientLimiter struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

func NewLimiter(burst int, expiry int, limitRPS float64) *Limiter {
	lm := &Limiter{
		Expiry:   expiry,
		LimitRPS: limitRPS,
		Burst:    burst,
		clients:  make(map[string]*clientLimiter),
	}
	go lm.reap()
	return lm
}

// Check reports whether the client identified by id may proceed, creating
// the client's bucket on first sight.
func (l *Limiter) Check(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	cl, ok := l.clients[id]
	if !ok {
		cl = &clientLimiter{
			limiter: rate.NewLimiter(rate.Limit(l.LimitRPS), l.Burst),
		}
		l.clients[id] = cl
	}
	cl.lastAccess = time.Now()
	return cl.limiter.Allow()
}

// reap drops buckets that were not touched within the expiry window, so the
// client map does not grow with every address ever seen.
func (l *Limiter) reap() {
	for {
		time.Sleep(time.Minute)

		l.mu.Lock()
		for id, v := range l.clients {
			if time.Since(v.lastAccess) > time.Duration(l.Expiry)*time.Minute {
				delete(l.clients, id)
			}
		}
		l.mu.Unlock()
	}
}

// Every converts a per-request interval into the requests-per-second rate
// NewLimiter expects.
func Every(interval time.Duration) float64 {
	return float64(rate.Every(interval))
}
