package rollback

// Entity is the host world's in-memory handle for an entity. Handles may
// change across a rollback; RollbackIDs do not.
type Entity uint64

type TaggedEntity struct {
	Entity Entity
	Tag    Rollback
}

// World is the contract a host entity/component store satisfies so the
// stage can snapshot and restore it. Components and resources are keyed by
// the names used in the TypeRegistry and stored by value.
type World interface {
	// RollbackEntities lists every entity carrying a Rollback tag.
	RollbackEntities() []TaggedEntity
	// SpawnRollback creates an empty entity carrying tag.
	SpawnRollback(tag Rollback) Entity
	Despawn(e Entity)

	Component(e Entity, name string) (any, bool)
	InsertComponent(e Entity, name string, v any)
	RemoveComponent(e Entity, name string)

	Resource(name string) (any, bool)
	InsertResource(name string, v any)
	RemoveResource(name string)
}

// PlayerInputsResource is the resource name under which the inputs of the
// step being simulated are visible to game logic.
const PlayerInputsResource = "rollback.PlayerInputs"

// Inputs returns the inputs of the step currently being simulated, or nil
// outside of a step.
func Inputs(w World) PlayerInputs {
	v, ok := w.Resource(PlayerInputsResource)
	if !ok {
		return nil
	}
	in, _ := v.(PlayerInputs)
	return in
}
