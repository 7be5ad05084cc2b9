package flags

import "sync/atomic"

// atomicSnapshot wraps atomic.Pointer so the empty snapshot is usable before
// the first store.
type atomicSnapshot struct {
	p atomic.Pointer[snapshot]
}

func (a *atomicSnapshot) load() *snapshot {
	if s := a.p.Load(); s != nil {
		return s
	}
	return &snapshot{flags: nil}
}

func (a *atomicSnapshot) store(s *snapshot) { a.p.Store(s) }
