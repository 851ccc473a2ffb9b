package snapshot

import (
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"rollback.dev/internal/sim/ecs"
	"rollback.dev/internal/sim/rollback"
)

type hp struct {
	N int `json:"n"`
}

func captureSample(t *testing.T) (*rollback.TypeRegistry, *rollback.WorldSnapshot) {
	t.Helper()
	reg := rollback.NewTypeRegistry()
	if err := reg.RegisterComponent(rollback.JSONType[hp]("test.HP")); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.RegisterResource(rollback.JSONType[hp]("test.Score")); err != nil {
		t.Fatalf("register: %v", err)
	}
	w := ecs.New()
	ids := rollback.NewIDRegistry()
	for i := 0; i < 3; i++ {
		e := w.SpawnRollback(ids.NextTag())
		w.InsertComponent(e, "test.HP", hp{N: 10 * (i + 1)})
	}
	w.InsertResource("test.Score", hp{N: 4})
	snap, err := rollback.Capture(w, reg)
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	return reg, snap
}

func TestWriteReadDump(t *testing.T) {
	reg, snap := captureSample(t)
	d := NewDump(42, snap, "checksum mismatch")
	d.FPS = 60
	d.NumPlayers = 2

	p := Path(t.TempDir(), 42)
	if filepath.Base(p) != "frame-0000000042.snap.zst" {
		t.Fatalf("Path=%s", p)
	}
	if err := WriteDump(p, d); err != nil {
		t.Fatalf("WriteDump: %v", err)
	}

	h, err := ReadHeader(p)
	if err != nil {
		t.Fatalf("ReadHeader: %v", err)
	}
	if h != d.Header {
		t.Fatalf("header=%+v, want %+v", h, d.Header)
	}

	got, err := ReadDump(p)
	if err != nil {
		t.Fatalf("ReadDump: %v", err)
	}
	// gob does not distinguish nil and empty slices.
	if diff := cmp.Diff(d, got, cmpopts.EquateEmpty()); diff != "" {
		t.Fatalf("dump (-want +got):\n%s", diff)
	}

	// A stored snapshot restores into a fresh world with the same checksum.
	w := ecs.New()
	if err := got.Snapshot.Restore(w, reg); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	again, err := rollback.Capture(w, reg)
	if err != nil {
		t.Fatalf("Capture: %v", err)
	}
	if again.Checksum != d.Header.Checksum {
		t.Fatalf("checksum=%x, want %x", again.Checksum, d.Header.Checksum)
	}
}

func TestReadDump_Missing(t *testing.T) {
	if _, err := ReadDump(filepath.Join(t.TempDir(), "none.snap.zst")); err == nil {
		t.Fatalf("expected error")
	}
}
