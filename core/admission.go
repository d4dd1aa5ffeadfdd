package core

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// AdmissionPolicy decides whether a new request for (code, hash) may be
// queued.
type AdmissionPolicy interface {
	Name() string
	Admit(code TaskCode, hash uint64) bool
}

// QueueLengthPolicy rejects work once the virtual queue counter of the
// (code, hash) pair reaches MaxLength.
type QueueLengthPolicy struct {
	Queues    *VirtualQueues
	MaxLength int64
}

// Name returns the policy name.
func (p *QueueLengthPolicy) Name() string {
	return "queue_length"
}

// Admit reports whether the counter is below the limit. A non-positive
// limit admits everything.
func (p *QueueLengthPolicy) Admit(code TaskCode, hash uint64) bool {
	if p == nil || p.Queues == nil || p.MaxLength <= 0 {
		return true
	}
	return p.Queues.Load(code, hash) < p.MaxLength
}

// RatePolicy applies a token bucket per task code and evicts idle buckets.
type RatePolicy struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration

	mu     sync.Mutex
	byCode map[TaskCode]*rateEntry
	hits   uint64
}

type rateEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRatePolicy creates a per-code limiter; returns nil if args are invalid.
// A nil RatePolicy admits everything.
func NewRatePolicy(rps float64, burst int, idleTTL time.Duration) *RatePolicy {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &RatePolicy{
		limit:   rate.Limit(rps),
		burst:   burst,
		idleTTL: idleTTL,
		byCode:  make(map[TaskCode]*rateEntry),
	}
}

// Name returns the policy name.
func (p *RatePolicy) Name() string {
	return "rate"
}

// Admit reports whether one token can be consumed for code.
func (p *RatePolicy) Admit(code TaskCode, _ uint64) bool {
	if p == nil {
		return true
	}
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.byCode[code]
	if !ok {
		e = &rateEntry{limiter: rate.NewLimiter(p.limit, p.burst)}
		p.byCode[code] = e
	}
	e.lastSeen = now
	allowed := e.limiter.AllowN(now, 1)

	p.hits++
	if p.hits%512 == 0 {
		cutoff := now.Add(-p.idleTTL)
		for c, v := range p.byCode {
			if v.lastSeen.Before(cutoff) {
				delete(p.byCode, c)
			}
		}
	}
	return allowed
}
