// Package registry maps intercepted file descriptors to their bridge.
// Lookups happen on every intercepted read/write (hot, many callers);
// inserts and removes happen once per connection lifecycle (rare) — the
// same reader-biased shape as the teacher's core/listener.ListenerMgr
// maps, here backed by sync.Map instead of a mutex-guarded map since the
// read:write ratio is far more skewed.
package registry

import (
	"sync"

	"proxychains/pcx/bridge"
)

type Registry struct {
	m sync.Map // int fd -> *bridge.Bridge
}

// Insert is compare-and-swap style: two racing connect() calls that land
// on the same freshly-reused fd never produce two live bridges for one
// descriptor.
func (r *Registry) Insert(fd int, b *bridge.Bridge) (inserted bool) {
	_, loaded := r.m.LoadOrStore(fd, b)
	return !loaded
}

func (r *Registry) Lookup(fd int) (*bridge.Bridge, bool) {
	v, ok := r.m.Load(fd)
	if !ok {
		return nil, false
	}
	return v.(*bridge.Bridge), true
}

func (r *Registry) Remove(fd int) (*bridge.Bridge, bool) {
	v, ok := r.m.LoadAndDelete(fd)
	if !ok {
		return nil, false
	}
	return v.(*bridge.Bridge), true
}

// Len is approximate under concurrent mutation; used only by the control
// plane's snapshot endpoint, never on the hot path.
func (r *Registry) Len() int {
	n := 0
	r.m.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Each calls fn for every currently registered (fd, bridge) pair. fn must
// not call back into Insert/Remove on this registry.
func (r *Registry) Each(fn func(fd int, b *bridge.Bridge)) {
	r.m.Range(func(k, v any) bool {
		fn(k.(int), v.(*bridge.Bridge))
		return true
	})
}
