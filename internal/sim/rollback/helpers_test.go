package rollback_test

import (
	"testing"
	"time"

	"rollback.dev/internal/sim/ecs"
	"rollback.dev/internal/sim/rollback"
)

type health struct {
	HP int `json:"hp"`
}

type label struct {
	Text string `json:"text"`
}

type counter struct {
	N int `json:"n"`
}

const (
	healthName  = "test.Health"
	labelName   = "test.Label"
	counterName = "test.Counter"
	weatherName = "test.Weather"
)

func testRegistry(t *testing.T) *rollback.TypeRegistry {
	t.Helper()
	reg := rollback.NewTypeRegistry()
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	must(reg.RegisterComponent(rollback.JSONType[health](healthName)))
	must(reg.RegisterComponent(rollback.JSONType[label](labelName)))
	must(reg.RegisterResource(rollback.JSONType[counter](counterName)))
	must(reg.RegisterResource(rollback.JSONType[label](weatherName)))
	return reg
}

func spawn(w *ecs.World, id rollback.RollbackID, hp int, text string) rollback.Entity {
	e := w.SpawnRollback(rollback.NewRollback(id))
	w.InsertComponent(e, healthName, health{HP: hp})
	if text != "" {
		w.InsertComponent(e, labelName, label{Text: text})
	}
	return e
}

func counterValue(w rollback.World) int {
	v, ok := w.Resource(counterName)
	if !ok {
		return -1
	}
	return v.(counter).N
}

// countingStep increments the counter resource and every entity's health by
// the first byte of player 0's input.
func countingStep(w rollback.World) {
	inc := 1
	if in := rollback.Inputs(w); len(in) > 0 && len(in[0].Input) > 0 {
		inc = int(in[0].Input[0])
	}
	w.InsertResource(counterName, counter{N: counterValue(w) + inc})
	for _, te := range w.RollbackEntities() {
		v, ok := w.Component(te.Entity, healthName)
		if !ok {
			continue
		}
		w.InsertComponent(te.Entity, healthName, health{HP: v.(health).HP + inc})
	}
}

func newTestStage(t *testing.T, cfg rollback.StageConfig) *rollback.Stage {
	t.Helper()
	if cfg.Registry == nil {
		cfg.Registry = testRegistry(t)
	}
	if cfg.Input == nil {
		cfg.Input = func(rollback.World, rollback.PlayerHandle) rollback.Input { return rollback.Input{1} }
	}
	if cfg.Step == nil {
		cfg.Step = countingStep
	}
	s, err := rollback.NewStage(cfg)
	if err != nil {
		t.Fatalf("NewStage: %v", err)
	}
	return s
}

// fakeClock hands out monotonically increasing instants.
type fakeClock struct{ now time.Time }

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.now = c.now.Add(d)
	return c.now
}

type savedCell struct {
	frames    []rollback.Frame
	checksums []uint64
}

func (c *savedCell) Save(frame rollback.Frame, checksum uint64) {
	c.frames = append(c.frames, frame)
	c.checksums = append(c.checksums, checksum)
}

// lockstepSession saves and advances once per call without ever rolling
// back. It backs the SyncTest, P2P and Spectator fakes.
type lockstepSession struct {
	frame    rollback.Frame
	maxPred  int
	players  int
	local    []rollback.PlayerHandle
	state    rollback.SessionState
	ahead    int
	polls    int
	advances int
	added    map[rollback.PlayerHandle]rollback.Input
	err      error
	cell     savedCell
}

func newLockstep(players, maxPred int) *lockstepSession {
	local := make([]rollback.PlayerHandle, players)
	for i := range local {
		local[i] = rollback.PlayerHandle(i)
	}
	return &lockstepSession{
		maxPred: maxPred,
		players: players,
		local:   local,
		state:   rollback.SessionRunning,
		added:   map[rollback.PlayerHandle]rollback.Input{},
	}
}

func (s *lockstepSession) PollRemoteClients()                          { s.polls++ }
func (s *lockstepSession) CurrentState() rollback.SessionState         { return s.state }
func (s *lockstepSession) MaxPrediction() int                          { return s.maxPred }
func (s *lockstepSession) NumPlayers() int                             { return s.players }
func (s *lockstepSession) LocalPlayerHandles() []rollback.PlayerHandle { return s.local }
func (s *lockstepSession) FramesAhead() int                            { return s.ahead }

func (s *lockstepSession) AddLocalInput(h rollback.PlayerHandle, in rollback.Input) error {
	if h < 0 || int(h) >= s.players {
		return rollback.ErrInvalidHandle
	}
	s.added[h] = in
	return nil
}

func (s *lockstepSession) AdvanceFrame() ([]rollback.Request, error) {
	if s.err != nil {
		return nil, s.err
	}
	inputs := make(rollback.PlayerInputs, s.players)
	for h := range inputs {
		inputs[h] = rollback.PlayerInput{Input: s.added[rollback.PlayerHandle(h)], Status: rollback.InputConfirmed}
	}
	reqs := []rollback.Request{
		rollback.SaveRequest{Frame: s.frame, Cell: &s.cell},
		rollback.AdvanceRequest{Inputs: inputs},
	}
	s.frame++
	s.advances++
	return reqs, nil
}
