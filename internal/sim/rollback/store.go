package rollback

import "fmt"

// SnapshotStore is a ring of snapshots sized to the session's prediction
// window. The session guarantees a slot is never read after it has been
// overwritten; the store does not check frame distance.
type SnapshotStore struct {
	slots []*WorldSnapshot
}

func NewSnapshotStore(size int) *SnapshotStore {
	s := &SnapshotStore{}
	s.Resize(size)
	return s
}

// Resize drops every stored snapshot and allocates size empty slots.
func (s *SnapshotStore) Resize(size int) {
	if size < 0 {
		size = 0
	}
	s.slots = make([]*WorldSnapshot, size)
}

func (s *SnapshotStore) Clear() { s.slots = nil }

func (s *SnapshotStore) Len() int { return len(s.slots) }

func (s *SnapshotStore) Empty() bool { return len(s.slots) == 0 }

func (s *SnapshotStore) slot(frame Frame) int {
	if len(s.slots) == 0 {
		panic(fmt.Sprintf("rollback: snapshot store not initialized (frame %d)", frame))
	}
	if frame < 0 {
		panic(fmt.Sprintf("rollback: negative frame %d", frame))
	}
	return int(frame) % len(s.slots)
}

func (s *SnapshotStore) Put(frame Frame, snap *WorldSnapshot) {
	s.slots[s.slot(frame)] = snap
}

// Get returns the snapshot held in the slot of frame. The slot may hold an
// older frame when the caller ignores the prediction window.
func (s *SnapshotStore) Get(frame Frame) (*WorldSnapshot, bool) {
	snap := s.slots[s.slot(frame)]
	return snap, snap != nil
}
