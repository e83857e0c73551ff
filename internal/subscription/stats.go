package subscription

import "time"

// churnWindow is the lookback used by the churn metric.
const churnWindow = 30 * 24 * time.Hour

// Stats is a point-in-time summary of subscription state.
type Stats struct {
	Total     int          `json:"total"`
	Active    int          `json:"active"`
	ByPlan    map[Plan]int `json:"byPlan"`
	AutoRenew int          `json:"autoRenew"`

	// ChurnRate = cancellations in [now-30d, now) divided by the number of
	// subscriptions active at now-30d. Zero when nothing was active then.
	ChurnRate float64 `json:"churnRate"`
}

// Stats computes summary statistics over every record created in this
// process lifetime.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := m.now()
	windowStart := now.Add(-churnWindow)

	stats := Stats{ByPlan: make(map[Plan]int)}
	activeAtWindowStart := 0
	cancelledInWindow := 0

	for _, sub := range m.all {
		stats.Total++
		stats.ByPlan[sub.Plan]++
		if sub.Active && sub.EndDate.After(now) {
			stats.Active++
			if sub.AutoRenew {
				stats.AutoRenew++
			}
		}

		if activeAt(sub, windowStart) {
			activeAtWindowStart++
		}
		if sub.CancelledAt != nil && !sub.CancelledAt.Before(windowStart) && sub.CancelledAt.Before(now) {
			cancelledInWindow++
		}
	}

	if activeAtWindowStart > 0 {
		stats.ChurnRate = float64(cancelledInWindow) / float64(activeAtWindowStart)
	}
	return stats
}

// activeAt reports whether a record was active at instant t: started on or
// before t, not yet past its end date, and not deactivated by then.
// Boundaries are half-open: [start, end).
func activeAt(sub *Subscription, t time.Time) bool {
	if sub.StartDate.After(t) {
		return false
	}
	if !sub.EndDate.After(t) {
		return false
	}
	return sub.DeactivatedAt == nil || sub.DeactivatedAt.After(t)
}
