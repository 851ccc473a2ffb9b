package rollback_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"rollback.dev/internal/sim/ecs"
	"rollback.dev/internal/sim/rollback"
)

func TestCaptureRestore_RoundTrip(t *testing.T) {
	reg := testRegistry(t)
	w := ecs.New()
	a := spawn(w, 1, 100, "alpha")
	b := spawn(w, 2, 50, "")
	w.InsertResource(counterName, counter{N: 7})
	w.InsertResource(weatherName, label{Text: "rain"})

	snap, err := rollback.Capture(w, reg)
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if snap.EntityCount() != 2 {
		t.Fatalf("EntityCount=%d, want 2", snap.EntityCount())
	}

	// Mutate everything the snapshot covers.
	w.InsertComponent(a, healthName, health{HP: 1})
	w.RemoveComponent(a, labelName)
	w.InsertComponent(b, labelName, label{Text: "late"})
	w.InsertResource(counterName, counter{N: 99})
	w.RemoveResource(weatherName)

	if err := snap.Restore(w, reg); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	again, err := rollback.Capture(w, reg)
	if err != nil {
		t.Fatalf("Capture after restore: %v", err)
	}
	if diff := cmp.Diff(snap, again); diff != "" {
		t.Fatalf("restored world differs (-want +got):\n%s", diff)
	}

	if v, _ := w.Component(a, labelName); v != (label{Text: "alpha"}) {
		t.Fatalf("label=%v, want alpha", v)
	}
	if _, ok := w.Component(b, labelName); ok {
		t.Fatalf("label inserted after capture survived restore")
	}
	if v, _ := w.Resource(weatherName); v != (label{Text: "rain"}) {
		t.Fatalf("weather=%v, want rain", v)
	}
}

func TestCapture_ChecksumIndependentOfSpawnOrder(t *testing.T) {
	reg := testRegistry(t)

	w1 := ecs.New()
	spawn(w1, 1, 10, "x")
	spawn(w1, 2, 20, "y")
	spawn(w1, 3, 30, "")

	w2 := ecs.New()
	spawn(w2, 3, 30, "")
	spawn(w2, 1, 10, "x")
	spawn(w2, 2, 20, "y")

	s1, err := rollback.Capture(w1, reg)
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	s2, err := rollback.Capture(w2, reg)
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if s1.Checksum != s2.Checksum {
		t.Fatalf("checksum %x != %x for identical state", s1.Checksum, s2.Checksum)
	}
	if diff := cmp.Diff(s1, s2); diff != "" {
		t.Fatalf("snapshots differ (-w1 +w2):\n%s", diff)
	}
}

func TestCapture_ChecksumTracksState(t *testing.T) {
	reg := testRegistry(t)
	w := ecs.New()
	e := spawn(w, 1, 10, "")

	before, err := rollback.Capture(w, reg)
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	w.InsertComponent(e, healthName, health{HP: 11})
	after, err := rollback.Capture(w, reg)
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if before.Checksum == after.Checksum {
		t.Fatalf("checksum did not change with component value")
	}

	// Same bytes under a resource instead of a component must not collide.
	w2 := ecs.New()
	w2.InsertResource(weatherName, label{Text: "x"})
	w3 := ecs.New()
	e3 := w3.SpawnRollback(rollback.NewRollback(0))
	w3.InsertComponent(e3, labelName, label{Text: "x"})
	s2, _ := rollback.Capture(w2, reg)
	s3, _ := rollback.Capture(w3, reg)
	if s2.Checksum == s3.Checksum {
		t.Fatalf("resource and component state share checksum %x", s2.Checksum)
	}
}

func TestCapture_RejectsDuplicateRollbackIDs(t *testing.T) {
	reg := testRegistry(t)
	w := &dupWorld{World: ecs.New()}
	w.SpawnRollback(rollback.NewRollback(4))
	w.SpawnRollback(rollback.NewRollback(4))
	if _, err := rollback.Capture(w, reg); err == nil {
		t.Fatalf("expected error for duplicate rollback id")
	}
}

// dupWorld reports every tagged entity twice.
type dupWorld struct{ *ecs.World }

func (w *dupWorld) RollbackEntities() []rollback.TaggedEntity {
	out := w.World.RollbackEntities()
	return append(out, out...)
}

func TestRestore_DespawnsLaterEntitiesAndRespawnsMissing(t *testing.T) {
	reg := testRegistry(t)
	ids := rollback.NewIDRegistry()
	w := ecs.New()
	keep := w.SpawnRollback(ids.NextTag())
	w.InsertComponent(keep, healthName, health{HP: 5})
	gone := w.SpawnRollback(ids.NextTag())
	w.InsertComponent(gone, healthName, health{HP: 6})
	goneID := rollback.RollbackID(1)
	untagged := w.Spawn()
	w.InsertComponent(untagged, healthName, health{HP: 42})

	snap, err := rollback.Capture(w, reg)
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if snap.EntityCount() != 2 {
		t.Fatalf("EntityCount=%d, want 2 (untagged excluded)", snap.EntityCount())
	}

	late := w.SpawnRollback(ids.NextTag())
	w.InsertComponent(late, healthName, health{HP: 7})
	w.Despawn(gone)
	w.InsertComponent(untagged, healthName, health{HP: 43})

	if err := snap.Restore(w, reg); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if w.Alive(late) {
		t.Fatalf("entity spawned after capture still alive")
	}
	back, ok := w.Lookup(goneID)
	if !ok {
		t.Fatalf("despawned entity %d not respawned", goneID)
	}
	if v, _ := w.Component(back, healthName); v != (health{HP: 6}) {
		t.Fatalf("respawned health=%v, want 6", v)
	}
	if !w.Alive(keep) {
		t.Fatalf("surviving entity was replaced")
	}
	if v, _ := w.Component(untagged, healthName); v != (health{HP: 43}) {
		t.Fatalf("untagged entity touched by restore: %v", v)
	}
	if got := len(w.RollbackEntities()); got != 2 {
		t.Fatalf("tagged entities=%d, want 2", got)
	}
}

func TestRestore_RemovesResourcesAbsentFromSnapshot(t *testing.T) {
	reg := testRegistry(t)
	w := ecs.New()
	snap, err := rollback.Capture(w, reg)
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	w.InsertResource(counterName, counter{N: 3})
	w.InsertResource("untracked", 9)

	if err := snap.Restore(w, reg); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if _, ok := w.Resource(counterName); ok {
		t.Fatalf("counter resource survived restore")
	}
	if v, ok := w.Resource("untracked"); !ok || v != 9 {
		t.Fatalf("unregistered resource changed: %v %v", v, ok)
	}
}

func TestRegistry_Admission(t *testing.T) {
	reg := rollback.NewTypeRegistry()
	if err := reg.RegisterComponent(rollback.JSONType[health](healthName)); err != nil {
		t.Fatalf("RegisterComponent: %v", err)
	}
	if err := reg.RegisterResource(rollback.JSONType[health](healthName)); err == nil {
		t.Fatalf("expected duplicate name error")
	}
	if err := reg.RegisterResource(rollback.JSONType[rollback.PlayerInputs](rollback.PlayerInputsResource)); err == nil {
		t.Fatalf("expected reserved name error")
	}
	if err := reg.RegisterComponent(rollback.TypeEntry{Name: "bare"}); err == nil {
		t.Fatalf("expected error for entry without codec")
	}
	if len(reg.Components()) != 1 || len(reg.Resources()) != 0 {
		t.Fatalf("components=%d resources=%d, want 1/0", len(reg.Components()), len(reg.Resources()))
	}
}
