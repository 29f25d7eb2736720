package resilience

import (
	"context"
	"sync"
	"time"
)

// Pacer serializes callers to a minimum inter-request spacing derived from a
// rate limit of maxRequests per window. Callers block in Wait until their
// slot arrives; slots are handed out in lock-acquisition order, so waiting
// is FIFO. A cancelled wait forfeits its slot without issuing a request.
type Pacer struct {
	mu       sync.Mutex
	interval time.Duration
	next     time.Time
}

// NewPacer derives the spacing window/maxRequests. maxRequests below 1 is
// treated as 1.
func NewPacer(window time.Duration, maxRequests int) *Pacer {
	if maxRequests < 1 {
		maxRequests = 1
	}
	if window <= 0 {
		window = time.Second
	}
	return &Pacer{interval: window / time.Duration(maxRequests)}
}

// Wait blocks until the caller's slot arrives or ctx is cancelled. The
// reserved slot is not returned on cancellation; under contention that only
// delays later callers by one interval.
func (p *Pacer) Wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	now := time.Now()
	at := p.next
	if at.Before(now) {
		at = now
	}
	p.next = at.Add(p.interval)
	p.mu.Unlock()

	delay := time.Until(at)
	if delay <= 0 {
		return nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Interval returns the enforced minimum spacing between requests.
func (p *Pacer) Interval() time.Duration {
	return p.interval
}
