package rollbacktest

import (
	"testing"
	"time"

	"rollback.dev/internal/sim/boxgame"
	"rollback.dev/internal/sim/ecs"
	"rollback.dev/internal/sim/rollback"
	"rollback.dev/internal/sim/session/synctest"
)

type Config struct {
	Players       int
	FPS           int
	MaxPrediction int
	CheckDistance int
	Seed          uint32

	// Step replaces boxgame.Step, e.g. to inject nondeterminism.
	Step rollback.StepFunc
}

// Harness drives the box game under a SyncTest session with a fake clock.
// Every handled request and every reported advance error is recorded.
type Harness struct {
	T        *testing.T
	Cfg      Config
	World    *ecs.World
	IDs      *rollback.IDRegistry
	Registry *rollback.TypeRegistry
	Stage    *rollback.Stage
	Session  *synctest.Session

	Now      time.Time
	Requests []rollback.RequestLogEntry
	Errors   []error
}

func NewHarness(t *testing.T, cfg Config) *Harness {
	t.Helper()
	if cfg.Step == nil {
		cfg.Step = boxgame.Step
	}

	h := &Harness{
		T:        t,
		Cfg:      cfg,
		World:    ecs.New(),
		IDs:      rollback.NewIDRegistry(),
		Registry: rollback.NewTypeRegistry(),
		Now:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	if err := boxgame.Register(h.Registry); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := boxgame.Setup(h.World, h.IDs, cfg.Players); err != nil {
		t.Fatalf("setup: %v", err)
	}

	sess, err := synctest.New(synctest.Config{
		NumPlayers:    cfg.Players,
		MaxPrediction: cfg.MaxPrediction,
		CheckDistance: cfg.CheckDistance,
	})
	if err != nil {
		t.Fatalf("synctest.New: %v", err)
	}
	h.Session = sess

	stage, err := rollback.NewStage(rollback.StageConfig{
		FPS:            cfg.FPS,
		Input:          boxgame.ScriptedInput(boxgame.PatternScript(cfg.Seed)),
		Step:           cfg.Step,
		Registry:       h.Registry,
		RequestLogger:  h,
		OnAdvanceError: func(_ rollback.Frame, err error) { h.Errors = append(h.Errors, err) },
	})
	if err != nil {
		t.Fatalf("NewStage: %v", err)
	}
	h.Stage = stage

	// The first tick only anchors the clock.
	h.Stage.Tick(h.Now, h.World, rollback.NewSyncTest(h.Session))
	return h
}

func (h *Harness) WriteRequest(e rollback.RequestLogEntry) error {
	h.Requests = append(h.Requests, e)
	return nil
}

// Run ticks the stage every interval until total has elapsed.
func (h *Harness) Run(total, interval time.Duration) {
	for elapsed := time.Duration(0); elapsed < total; elapsed += interval {
		h.Tick(interval)
	}
}

func (h *Harness) Tick(d time.Duration) {
	h.Now = h.Now.Add(d)
	h.Stage.Tick(h.Now, h.World, rollback.NewSyncTest(h.Session))
}

// Count returns how many requests of kind were handled.
func (h *Harness) Count(kind rollback.RequestKind) int {
	n := 0
	for _, e := range h.Requests {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

// Capture snapshots the harness world.
func (h *Harness) Capture() *rollback.WorldSnapshot {
	h.T.Helper()
	snap, err := rollback.Capture(h.World, h.Registry)
	if err != nil {
		h.T.Fatalf("capture: %v", err)
	}
	return snap
}

// Reference simulates frames steps of the same game and script directly,
// without a session or any rollback, and returns its snapshot.
func (h *Harness) Reference(frames rollback.Frame) *rollback.WorldSnapshot {
	h.T.Helper()
	w := ecs.New()
	if err := boxgame.Setup(w, rollback.NewIDRegistry(), h.Cfg.Players); err != nil {
		h.T.Fatalf("setup: %v", err)
	}
	script := boxgame.PatternScript(h.Cfg.Seed)
	for f := rollback.Frame(0); f < frames; f++ {
		inputs := make(rollback.PlayerInputs, h.Cfg.Players)
		for p := range inputs {
			inputs[p] = rollback.PlayerInput{
				Input:  boxgame.EncodeInput(script(uint32(f), rollback.PlayerHandle(p))),
				Status: rollback.InputConfirmed,
			}
		}
		w.InsertResource(rollback.PlayerInputsResource, inputs)
		boxgame.Step(w)
		w.RemoveResource(rollback.PlayerInputsResource)
	}
	snap, err := rollback.Capture(w, h.Registry)
	if err != nil {
		h.T.Fatalf("capture reference: %v", err)
	}
	return snap
}
