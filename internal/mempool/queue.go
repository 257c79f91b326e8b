package mempool

// entryQueue orders pending entries for bundling: higher priority first,
// then earlier submission. Used with sort.Stable so equal keys keep their
// scan order.
type entryQueue []*Entry

func (q entryQueue) Len() int { return len(q) }

func (q entryQueue) Less(i, j int) bool {
	// Higher priority first
	if c := bigOrZero(q[i].Priority).Cmp(bigOrZero(q[j].Priority)); c != 0 {
		return c > 0
	}
	// FIFO tie-break: earlier submitted goes first
	return q[i].SubmittedAt.Before(q[j].SubmittedAt)
}

func (q entryQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
