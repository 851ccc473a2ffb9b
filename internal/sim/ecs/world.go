// Package ecs is a small in-memory entity/component/resource store. It is
// the host world used by the demo game, the tools and the tests; any store
// satisfying rollback.World can take its place.
package ecs

import (
	"sort"

	"rollback.dev/internal/sim/rollback"
)

type entityRecord struct {
	tag        *rollback.Rollback
	components map[string]any
}

type World struct {
	next      rollback.Entity
	entities  map[rollback.Entity]*entityRecord
	byID      map[rollback.RollbackID]rollback.Entity
	resources map[string]any
}

var _ rollback.World = (*World)(nil)

func New() *World {
	return &World{
		next:      1,
		entities:  map[rollback.Entity]*entityRecord{},
		byID:      map[rollback.RollbackID]rollback.Entity{},
		resources: map[string]any{},
	}
}

// Spawn creates an untagged entity. Untagged entities are ignored by
// snapshots.
func (w *World) Spawn() rollback.Entity {
	e := w.next
	w.next++
	w.entities[e] = &entityRecord{components: map[string]any{}}
	return e
}

func (w *World) SpawnRollback(tag rollback.Rollback) rollback.Entity {
	e := w.Spawn()
	w.Tag(e, tag)
	return e
}

// Tag attaches a rollback tag to an existing entity, replacing any previous
// tag.
func (w *World) Tag(e rollback.Entity, tag rollback.Rollback) {
	rec := w.entities[e]
	if rec == nil {
		return
	}
	if rec.tag != nil {
		delete(w.byID, rec.tag.ID())
	}
	t := tag
	rec.tag = &t
	w.byID[tag.ID()] = e
}

func (w *World) Despawn(e rollback.Entity) {
	rec := w.entities[e]
	if rec == nil {
		return
	}
	if rec.tag != nil && w.byID[rec.tag.ID()] == e {
		delete(w.byID, rec.tag.ID())
	}
	delete(w.entities, e)
}

func (w *World) Alive(e rollback.Entity) bool {
	_, ok := w.entities[e]
	return ok
}

func (w *World) Len() int { return len(w.entities) }

// Lookup finds the live entity carrying id.
func (w *World) Lookup(id rollback.RollbackID) (rollback.Entity, bool) {
	e, ok := w.byID[id]
	return e, ok
}

func (w *World) RollbackEntities() []rollback.TaggedEntity {
	out := make([]rollback.TaggedEntity, 0, len(w.byID))
	for id, e := range w.byID {
		out = append(out, rollback.TaggedEntity{Entity: e, Tag: rollback.NewRollback(id)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tag.ID() < out[j].Tag.ID() })
	return out
}

func (w *World) Component(e rollback.Entity, name string) (any, bool) {
	rec := w.entities[e]
	if rec == nil {
		return nil, false
	}
	v, ok := rec.components[name]
	return v, ok
}

func (w *World) InsertComponent(e rollback.Entity, name string, v any) {
	rec := w.entities[e]
	if rec == nil {
		return
	}
	rec.components[name] = v
}

func (w *World) RemoveComponent(e rollback.Entity, name string) {
	if rec := w.entities[e]; rec != nil {
		delete(rec.components, name)
	}
}

func (w *World) Resource(name string) (any, bool) {
	v, ok := w.resources[name]
	return v, ok
}

func (w *World) InsertResource(name string, v any) { w.resources[name] = v }

func (w *World) RemoveResource(name string) { delete(w.resources, name) }

// With returns every entity carrying all named components, ordered by
// handle.
func (w *World) With(names ...string) []rollback.Entity {
	out := make([]rollback.Entity, 0)
	for e, rec := range w.entities {
		ok := true
		for _, n := range names {
			if _, has := rec.components[n]; !has {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
