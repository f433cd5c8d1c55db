package vm

import "time"

// ScavengeStats holds statistics from a single collection cycle.
type ScavengeStats struct {
	ObjectsCopied     int
	BytesCopied       int
	WeakRefsCleared   int
	CallbacksPending  int
	FinalizersPending int
	HeapUsedBefore    uword
	HeapUsedAfter     uword
	Duration          time.Duration
	Timestamp         time.Time
}

// Reclaimed returns the number of bytes freed by the cycle.
func (st ScavengeStats) Reclaimed() uword {
	if st.HeapUsedAfter > st.HeapUsedBefore {
		return 0
	}
	return st.HeapUsedBefore - st.HeapUsedAfter
}
