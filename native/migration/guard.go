package migration

import (
	"sync"
	"sync/atomic"
)

const (
	guardIdle    uint32 = 0
	guardEngaged uint32 = 1
)

// guard serializes the orchestrator: at most one migration chain (or sweep)
// is live at a time, across all users. The counter is only ever 0 or 1.
type guard struct {
	state uint32
}

// acquire flips the guard to engaged and returns the matching release. The
// release is idempotent so every exit path can call it without tracking
// whether another already has.
func (g *guard) acquire() (func(), bool) {
	if !atomic.CompareAndSwapUint32(&g.state, guardIdle, guardEngaged) {
		return nil, false
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			atomic.StoreUint32(&g.state, guardIdle)
		})
	}, true
}

// engaged reports whether an execution unit is live.
func (g *guard) engaged() bool {
	return atomic.LoadUint32(&g.state) == guardEngaged
}
