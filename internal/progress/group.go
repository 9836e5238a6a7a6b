package progress

// Recount recomputes a group's aggregate counts from its items. Because the
// counts are derived rather than incremented, applying the same verification
// twice cannot double-count.
func (g *ScheduleGroupProgress) Recount() {
	g.TotalCount = len(g.Items)
	g.CompletedCount = 0
	g.FailedCount = 0

	for _, item := range g.Items {
		switch item.Status {
		case StatusPass:
			g.CompletedCount++
		case StatusFail:
			g.FailedCount++
		}
	}

	if g.TotalCount == 0 {
		g.CompletionPercentage = 0
		return
	}
	g.CompletionPercentage = float64(g.CompletedCount) / float64(g.TotalCount) * 100
}

// PendingCount returns the number of items that are neither passed nor
// failed. The invariant CompletedCount + FailedCount + PendingCount ==
// TotalCount holds after every Recount.
func (g *ScheduleGroupProgress) PendingCount() int {
	return g.TotalCount - g.CompletedCount - g.FailedCount
}

// RecountAll recomputes aggregates for every schedule group in the area.
func (l *LocalVerificationProgress) RecountAll() {
	for _, g := range l.ScheduleGroups {
		g.Recount()
	}
}
