package rollback

import (
	"fmt"
	"math"
)

// RollbackID identifies an entity across save/load independent of its
// in-memory handle.
type RollbackID uint32

// Rollback tags an entity whose components are saved and loaded on rollback.
// Entities without it are invisible to snapshots.
type Rollback struct {
	id RollbackID
}

func NewRollback(id RollbackID) Rollback { return Rollback{id: id} }

func (r Rollback) ID() RollbackID { return r.id }

// IDRegistry hands out rollback ids. Ids are never reused.
type IDRegistry struct {
	next RollbackID
}

func NewIDRegistry() *IDRegistry { return &IDRegistry{} }

// Next returns an unused id. Running out of ids means the host churns
// entities without bound, so it panics instead of wrapping around.
func (r *IDRegistry) Next() RollbackID {
	if r.next == math.MaxUint32 {
		panic(fmt.Sprintf("rollback: id registry exhausted at %d", r.next))
	}
	id := r.next
	r.next++
	return id
}

// NextTag is shorthand for NewRollback(r.Next()).
func (r *IDRegistry) NextTag() Rollback { return NewRollback(r.Next()) }

// Peek returns the id the next call to Next would return.
func (r *IDRegistry) Peek() RollbackID { return r.next }
