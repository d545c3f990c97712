package pipeline

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/festion/homelab-gitops-auditor/internal/errs"
)

const (
	triggerRatePerMinute = 10
	triggerBurst         = 3
)

// TriggerLimiter enforces the per-principal trigger rate limit (10/min,
// burst 3) with one token bucket per principal, created lazily.
type TriggerLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewTriggerLimiter() *TriggerLimiter {
	return &TriggerLimiter{limiters: make(map[string]*rate.Limiter)}
}

func (l *TriggerLimiter) limiterFor(principal string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	lim, ok := l.limiters[principal]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(triggerRatePerMinute)/60, triggerBurst)
		l.limiters[principal] = lim
	}
	return lim
}

// Allow reports whether principal may trigger a pipeline now, consuming a
// token if so.
func (l *TriggerLimiter) Allow(principal string) error {
	if !l.limiterFor(principal).Allow() {
		return errs.New(errs.KindRateLimited, "trigger rate limit exceeded for "+principal)
	}
	return nil
}
