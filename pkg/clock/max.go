package clock

import "sync/atomic"

// MaxClock is a monotone-max counter: Advance keeps the highest value ever
// observed and ignores regressions.
type MaxClock struct {
	v atomic.Uint64
}

func NewMax(init uint64) *MaxClock {
	var mc MaxClock
	mc.v.Store(init)
	return &mc
}

func (mc *MaxClock) Val() uint64 {
	return mc.v.Load()
}

func (mc *MaxClock) Advance(t uint64) uint64 {
	for {
		cur := mc.v.Load()
		if t <= cur {
			return cur
		}
		if mc.v.CompareAndSwap(cur, t) {
			return t
		}
	}
}
