// Package registry implements the Room Registry (spec.md §2, §5): a
// process-wide name→Room map read concurrently by the dispatcher and
// written exclusively by Room creation and destruction.
//
// Following spec.md's Design Notes §9 guidance to replace a "global
// mutable map of rooms" with an injected service, the Registry is a value
// constructed explicitly by cmd/collabd (tests construct their own with
// New()) rather than a package-level singleton.
package registry

import "sync"

// Handle is the narrow view of a Room the Registry (and the Dispatcher,
// via Registry.Get) needs, without either package importing pkg/room:
// enough to force every connection closed (spec.md §7) and to run the
// in-band admin actions (spec.md §4.6 handleApiCall).
type Handle interface {
	CloseAll(err error)
	HandleAPICall(api string) error
}

type entry struct {
	room       Handle
	generation uint64
}

// Registry is the name→Room map. The zero value is not usable; construct
// with New.
type Registry struct {
	mu      sync.RWMutex
	rooms   map[string]*entry
	nextGen uint64
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{rooms: make(map[string]*entry)}
}

// Get returns the currently registered Room for name, if any.
func (r *Registry) Get(name string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.rooms[name]
	if !ok {
		return nil, false
	}
	return e.room, true
}

// GetOrCreate returns the existing Room for name, or calls factory with a
// freshly allocated generation token to build one and registers it. The
// generation is handed to the Room so its Persistence Binder can re-check
// ownership on suspension resume (spec.md §5; DESIGN.md Open Question
// decision #2) via IsCurrent.
func (r *Registry) GetOrCreate(name string, factory func(generation uint64) Handle) (room Handle, generation uint64, created bool) {
	r.mu.Lock()
	if e, ok := r.rooms[name]; ok {
		r.mu.Unlock()
		return e.room, e.generation, false
	}
	r.nextGen++
	gen := r.nextGen
	r.mu.Unlock()

	// factory runs outside the lock: Room construction may do nontrivial
	// work (opening a storage view) and must not block other rooms'
	// registry traffic.
	h := factory(gen)

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.rooms[name]; ok {
		// Lost a race with a concurrent GetOrCreate; discard our room.
		return e.room, e.generation, false
	}
	r.rooms[name] = &entry{room: h, generation: gen}
	return h, gen, true
}

// Generation returns name's current generation token, or 0 if name is not
// registered. 0 is never a valid allocated generation (nextGen starts at 1
// via the pre-increment in GetOrCreate), so callers can use it as a safe
// "not registered" sentinel.
func (r *Registry) Generation(name string) uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if e, ok := r.rooms[name]; ok {
		return e.generation
	}
	return 0
}

// IsCurrent reports whether generation is still name's registered
// generation — the "still the registered owner" check spec.md §5 requires
// before any suspended operation resumes and mutates shared state.
func (r *Registry) IsCurrent(name string, generation uint64) bool {
	return r.Generation(name) == generation
}

// All returns every currently registered Room, used by cmd/collabd's
// graceful-shutdown draining (SPEC_FULL.md supplemented features).
func (r *Registry) All() []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Handle, 0, len(r.rooms))
	for _, e := range r.rooms {
		out = append(out, e.room)
	}
	return out
}

// Remove unregisters name, but only if its current generation matches, so
// a Room that lost a race (see GetOrCreate) or was already replaced can't
// accidentally unregister its successor.
func (r *Registry) Remove(name string, generation uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.rooms[name]
	if !ok || e.generation != generation {
		return false
	}
	delete(r.rooms, name)
	return true
}
