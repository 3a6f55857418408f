package prefetch

import "sync/atomic"

// Guard allows at most one population pass per source. A second attempt
// while held is dropped, not queued.
type Guard struct {
	held atomic.Bool
}

func (g *Guard) TryAcquire() bool { return g.held.CompareAndSwap(false, true) }

func (g *Guard) Release() { g.held.Store(false) }

func (g *Guard) Held() bool { return g.held.Load() }
