package api

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	sendBurst     = 5
	visitorIdle   = 10 * time.Minute
	sweepInterval = time.Minute
)

// sendLimiter keeps one token bucket per sender email.
type sendLimiter struct {
	mu        sync.Mutex
	visitors  map[string]*visitor
	rps       rate.Limit
	burst     int
	lastSweep time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// newSendLimiter returns nil when perMinute is zero, which disables limiting.
func newSendLimiter(perMinute int) *sendLimiter {
	if perMinute <= 0 {
		return nil
	}
	return &sendLimiter{
		visitors: make(map[string]*visitor),
		rps:      rate.Limit(float64(perMinute) / 60.0),
		burst:    sendBurst,
	}
}

func (l *sendLimiter) Allow(key string, now time.Time) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if now.Sub(l.lastSweep) > sweepInterval {
		cutoff := now.Add(-visitorIdle)
		for k, v := range l.visitors {
			if v.lastSeen.Before(cutoff) {
				delete(l.visitors, k)
			}
		}
		l.lastSweep = now
	}

	v, ok := l.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.rps, l.burst)}
		l.visitors[key] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}
