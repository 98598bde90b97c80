package session

import "errors"

// MaxSessions caps concurrent sessions. Selection hotkeys are the digits
// 1 through 9, so the cap matches the key range.
const MaxSessions = 9

// ErrCapacityExceeded is returned by Create when the registry is full.
var ErrCapacityExceeded = errors.New("session capacity reached")

// ErrNotFound is returned when no session matches the given key.
var ErrNotFound = errors.New("session not found")

// Registry owns every live session handle and tracks which one is selected
// for display. Insertion order is preserved so sessions keep stable screen
// positions. The engine is the only writer; no internal locking.
type Registry struct {
	handles  map[ID]*Handle
	order    []ID
	selected int // index into order, -1 when empty
	capacity int
}

// NewRegistry creates an empty registry. A capacity of zero or less uses
// MaxSessions.
func NewRegistry(capacity int) *Registry {
	if capacity <= 0 {
		capacity = MaxSessions
	}
	return &Registry{
		handles:  make(map[ID]*Handle),
		selected: -1,
		capacity: capacity,
	}
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	return len(r.order)
}

// Capacity returns the maximum number of concurrent sessions.
func (r *Registry) Capacity() int {
	return r.capacity
}

// Create inserts a handle for the given session. The first session inserted
// becomes selected; later inserts leave the selection alone. Returns
// ErrCapacityExceeded, with the registry unchanged, when full.
func (r *Registry) Create(s *Session) (*Handle, error) {
	if len(r.order) >= r.capacity {
		return nil, ErrCapacityExceeded
	}
	h := NewHandle(s)
	r.handles[s.ID] = h
	r.order = append(r.order, s.ID)
	if r.selected == -1 {
		r.selected = 0
	}
	return h, nil
}

// Get returns the handle for id, or nil when absent.
func (r *Registry) Get(id ID) *Handle {
	return r.handles[id]
}

// Close removes the session and returns its handle so the caller can tear
// down its resources. When the removed session was selected, selection moves
// to the previous position (or the new first session); closing the last
// session clears the selection. Returns ErrNotFound for unknown ids.
func (r *Registry) Close(id ID) (*Handle, error) {
	h, ok := r.handles[id]
	if !ok {
		return nil, ErrNotFound
	}
	idx := r.indexOf(id)
	delete(r.handles, id)
	r.order = append(r.order[:idx], r.order[idx+1:]...)

	switch {
	case len(r.order) == 0:
		r.selected = -1
	case idx < r.selected:
		r.selected--
	case idx == r.selected:
		if r.selected >= len(r.order) {
			r.selected = len(r.order) - 1
		}
	}
	return h, nil
}

// Select makes the session at the given insertion-order position the
// selected one. Out-of-range positions are ignored and reported false.
func (r *Registry) Select(pos int) bool {
	if pos < 0 || pos >= len(r.order) {
		return false
	}
	r.selected = pos
	return true
}

// SelectID selects the session with the given id.
func (r *Registry) SelectID(id ID) bool {
	idx := r.indexOf(id)
	if idx == -1 {
		return false
	}
	r.selected = idx
	return true
}

// Selected returns the selected handle, or nil when the registry is empty.
func (r *Registry) Selected() *Handle {
	if r.selected == -1 {
		return nil
	}
	return r.handles[r.order[r.selected]]
}

// SelectedIndex returns the insertion-order position of the selected
// session, or -1 when empty.
func (r *Registry) SelectedIndex() int {
	return r.selected
}

// All returns every handle in insertion order.
func (r *Registry) All() []*Handle {
	out := make([]*Handle, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.handles[id])
	}
	return out
}

// FindByDevice returns the handle whose session targets the given device id,
// or nil when none does.
func (r *Registry) FindByDevice(deviceID string) *Handle {
	for _, id := range r.order {
		if h := r.handles[id]; h.Session.Device.ID == deviceID {
			return h
		}
	}
	return nil
}

// FindByAppID returns the handle whose session carries the given tool app
// id, or nil when none does. Sessions without an app id never match.
func (r *Registry) FindByAppID(appID string) *Handle {
	if appID == "" {
		return nil
	}
	for _, id := range r.order {
		if h := r.handles[id]; h.Session.AppID == appID {
			return h
		}
	}
	return nil
}

func (r *Registry) indexOf(id ID) int {
	for i, have := range r.order {
		if have == id {
			return i
		}
	}
	return -1
}
