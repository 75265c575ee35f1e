package httpapi

import (
	"context"
	"sync"
	"time"

	"tessera.id/internal/auth"
)

// quotaGuard counts authenticated requests per tenant against the
// tenant policy's daily quota. Counters reset at UTC midnight. State
// is in-process only; a multi-replica deployment needs a shared
// counter instead.
type quotaGuard struct {
	policies *auth.PolicyResolver
	now      func() time.Time

	mu     sync.Mutex
	counts map[string]*tenantWindow
}

type tenantWindow struct {
	day   string
	count int
}

func newQuotaGuard(policies *auth.PolicyResolver) *quotaGuard {
	return &quotaGuard{
		policies: policies,
		now:      time.Now,
		counts:   make(map[string]*tenantWindow),
	}
}

// allow records one request for the tenant and reports whether it is
// still within the daily quota. A quota of zero or below means
// unlimited. Policy resolution failures propagate so the caller can
// answer with the usual service error shape.
func (g *quotaGuard) allow(ctx context.Context, tenantID string) (bool, error) {
	policy, err := g.policies.Resolve(ctx, tenantID)
	if err != nil {
		return false, err
	}
	if policy.APIQuotaDaily <= 0 {
		return true, nil
	}

	day := g.now().UTC().Format("2006-01-02")

	g.mu.Lock()
	defer g.mu.Unlock()

	win, ok := g.counts[tenantID]
	if !ok || win.day != day {
		win = &tenantWindow{day: day}
		g.counts[tenantID] = win
	}
	if win.count >= policy.APIQuotaDaily {
		return false, nil
	}
	win.count++
	return true, nil
}
