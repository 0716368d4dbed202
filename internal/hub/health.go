package hub

import (
	"time"
)

// HealthReport summarizes subscription freshness at the moment of the call.
type HealthReport struct {
	Total       int             `json:"total"`
	Active      int             `json:"active"`
	Stale       int             `json:"stale"`
	Connections map[string]bool `json:"connections"`
}

// HealthCheck scans the registry and flags active subscriptions whose last
// update is older than the configured staleness threshold. It is a read-only
// diagnostic: stale entries are reported, never removed, since some channels
// (balances on a quiet account) are legitimately idle for long stretches.
// Safe to call concurrently with subscribe/unsubscribe traffic.
func (h *Hub) HealthCheck() HealthReport {
	now := time.Now()

	h.mu.RLock()
	defer h.mu.RUnlock()

	report := HealthReport{
		Connections: make(map[string]bool, len(h.exchanges)),
	}

	for _, sub := range h.subs {
		report.Total++
		if !sub.Active {
			continue
		}
		report.Active++
		if now.Sub(sub.LastUpdate) > h.staleAfter {
			report.Stale++
		}
	}

	for name, entry := range h.exchanges {
		report.Connections[name] = entry.connected
	}

	return report
}

// StaleSubscriptions returns copies of every active subscription currently
// past the staleness threshold, for callers that want to act on the
// diagnostic.
func (h *Hub) StaleSubscriptions() []Subscription {
	now := time.Now()

	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []Subscription
	for _, sub := range h.subs {
		if sub.Active && now.Sub(sub.LastUpdate) > h.staleAfter {
			out = append(out, sub.Subscription)
		}
	}
	return out
}
