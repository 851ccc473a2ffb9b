package rollback

import (
	"fmt"
	"sort"
)

type ComponentData struct {
	Name string
	Data []byte
}

type EntitySnapshot struct {
	ID         RollbackID
	Components []ComponentData
}

// WorldSnapshot is a point-in-time capture of every rollback-tagged entity
// and every registered resource. It is not modified after Capture returns.
type WorldSnapshot struct {
	Entities  []EntitySnapshot
	Resources []ComponentData
	Checksum  uint64
}

// Capture serializes the rollback-relevant part of w.
func Capture(w World, reg *TypeRegistry) (*WorldSnapshot, error) {
	tagged := w.RollbackEntities()
	snap := &WorldSnapshot{Entities: make([]EntitySnapshot, 0, len(tagged))}

	for _, te := range tagged {
		es := EntitySnapshot{ID: te.Tag.ID()}
		for _, entry := range reg.components {
			v, ok := w.Component(te.Entity, entry.Name)
			if !ok {
				continue
			}
			b, err := entry.Serialize(v)
			if err != nil {
				return nil, fmt.Errorf("serialize component %s of entity %d: %w", entry.Name, te.Tag.ID(), err)
			}
			es.Components = append(es.Components, ComponentData{Name: entry.Name, Data: b})
		}
		snap.Entities = append(snap.Entities, es)
	}
	sort.Slice(snap.Entities, func(i, j int) bool { return snap.Entities[i].ID < snap.Entities[j].ID })
	for i := 1; i < len(snap.Entities); i++ {
		if snap.Entities[i].ID == snap.Entities[i-1].ID {
			return nil, fmt.Errorf("rollback id %d is carried by more than one entity", snap.Entities[i].ID)
		}
	}

	for _, entry := range reg.resources {
		v, ok := w.Resource(entry.Name)
		if !ok {
			continue
		}
		b, err := entry.Serialize(v)
		if err != nil {
			return nil, fmt.Errorf("serialize resource %s: %w", entry.Name, err)
		}
		snap.Resources = append(snap.Resources, ComponentData{Name: entry.Name, Data: b})
	}

	snap.Checksum = computeChecksum(snap)
	return snap, nil
}

// Restore writes the snapshot back into w. Tagged entities that are not in
// the snapshot were spawned after it was taken and are despawned.
func (s *WorldSnapshot) Restore(w World, reg *TypeRegistry) error {
	live := map[RollbackID]Entity{}
	for _, te := range w.RollbackEntities() {
		live[te.Tag.ID()] = te.Entity
	}

	for _, es := range s.Entities {
		e, ok := live[es.ID]
		if ok {
			delete(live, es.ID)
		} else {
			e = w.SpawnRollback(NewRollback(es.ID))
		}
		stored := make(map[string][]byte, len(es.Components))
		for _, c := range es.Components {
			stored[c.Name] = c.Data
		}
		for _, entry := range reg.components {
			data, ok := stored[entry.Name]
			if !ok {
				w.RemoveComponent(e, entry.Name)
				continue
			}
			v, err := entry.Deserialize(data, entry.Default())
			if err != nil {
				return fmt.Errorf("deserialize component %s of entity %d: %w", entry.Name, es.ID, err)
			}
			w.InsertComponent(e, entry.Name, v)
		}
	}

	// Whatever is left was not alive when the snapshot was taken.
	stale := make([]RollbackID, 0, len(live))
	for id := range live {
		stale = append(stale, id)
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i] < stale[j] })
	for _, id := range stale {
		w.Despawn(live[id])
	}

	stored := make(map[string][]byte, len(s.Resources))
	for _, r := range s.Resources {
		stored[r.Name] = r.Data
	}
	for _, entry := range reg.resources {
		data, ok := stored[entry.Name]
		if !ok {
			w.RemoveResource(entry.Name)
			continue
		}
		v, err := entry.Deserialize(data, entry.Default())
		if err != nil {
			return fmt.Errorf("deserialize resource %s: %w", entry.Name, err)
		}
		w.InsertResource(entry.Name, v)
	}
	return nil
}

func (s *WorldSnapshot) EntityCount() int {
	if s == nil {
		return 0
	}
	return len(s.Entities)
}
