package nvr

import "sync"

// MaxStreams bounds the Writer Registry and the Stream Manager's slot array
// (MAX_STREAMS).
const MaxStreams = 16

// Handle identifies one writer arena slot by its index and the generation
// stamped onto it at registration time. Every access revalidates both fields
// against the live slot, so a handle captured before a slot was reused for a
// different stream is rejected rather than silently dereferencing the wrong
// writer.
type Handle struct {
	Slot       int
	Generation uint64
}

// Writer is the minimal surface the registry needs from an MP4 or HLS
// writer instance: a way to tear it down when its slot is reused or the
// registry is closed.
type Writer interface {
	Close() error
}

type slot struct {
	generation uint64
	occupied   bool
	writer     Writer
}

// Registry is the Writer Registry: a fixed-size arena of writer slots
// addressed by Handle rather than pointer, so stale references from a
// torn-down stream can never alias a newer one occupying the same slot.
// One instance is not shared across streams: the Manager creates a
// separate Registry for each Supervisor, which holds only that stream's
// current MP4 writer.
type Registry struct {
	mu    sync.Mutex
	slots [MaxStreams]slot
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register claims the first free slot for w and returns a Handle to it. It
// returns ErrNoSlot if every slot is occupied.
func (r *Registry) Register(w Writer) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.slots {
		s := &r.slots[i]
		if s.occupied {
			continue
		}
		s.occupied = true
		s.generation++
		s.writer = w
		return Handle{Slot: i, Generation: s.generation}, nil
	}
	return Handle{}, ErrNoSlot
}

// Get returns the writer addressed by h, or ErrStaleHandle if h's generation
// no longer matches the slot (the writer it named was replaced or removed).
func (r *Registry) Get(h Handle) (Writer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if h.Slot < 0 || h.Slot >= MaxStreams {
		return nil, ErrStaleHandle
	}
	s := &r.slots[h.Slot]
	if !s.occupied || s.generation != h.Generation {
		return nil, ErrStaleHandle
	}
	return s.writer, nil
}

// Unregister closes and frees the slot addressed by h. A stale or already-
// freed handle is a no-op returning ErrStaleHandle, never a double-close.
func (r *Registry) Unregister(h Handle) error {
	r.mu.Lock()
	s, err := r.lockedSlot(h)
	if err != nil {
		r.mu.Unlock()
		return err
	}
	w := s.writer
	s.occupied = false
	s.writer = nil
	r.mu.Unlock()

	if w != nil {
		return w.Close()
	}
	return nil
}

// lockedSlot returns the slot for h; callers must hold r.mu.
func (r *Registry) lockedSlot(h Handle) (*slot, error) {
	if h.Slot < 0 || h.Slot >= MaxStreams {
		return nil, ErrStaleHandle
	}
	s := &r.slots[h.Slot]
	if !s.occupied || s.generation != h.Generation {
		return nil, ErrStaleHandle
	}
	return s, nil
}

// Replace atomically swaps the writer behind h for next, bumping the
// generation so any handle captured before the swap becomes stale. This is
// how a segment rotation hands off from the old MP4 writer to the new one
// without a window in which the slot is empty.
func (r *Registry) Replace(h Handle, next Writer) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.lockedSlot(h)
	if err != nil {
		return Handle{}, err
	}
	old := s.writer
	s.writer = next
	s.generation++
	newHandle := Handle{Slot: h.Slot, Generation: s.generation}

	if old != nil {
		go old.Close()
	}
	return newHandle, nil
}

// Len reports the number of occupied slots.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for i := range r.slots {
		if r.slots[i].occupied {
			n++
		}
	}
	return n
}

// Close unregisters and closes every occupied slot.
func (r *Registry) Close() error {
	r.mu.Lock()
	var writers []Writer
	for i := range r.slots {
		s := &r.slots[i]
		if s.occupied {
			writers = append(writers, s.writer)
			s.occupied = false
			s.writer = nil
		}
	}
	r.mu.Unlock()

	var firstErr error
	for _, w := range writers {
		if err := w.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
