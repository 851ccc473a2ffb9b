package rollback

import (
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"time"
)

const (
	DefaultFPS = 60

	// Step duration multiplier while the local peer is ahead of its remotes.
	runSlowFactor = 1.1
)

type StageConfig struct {
	// FPS is the fixed simulation rate. Zero means DefaultFPS.
	FPS      int
	Input    InputFunc
	Step     StepFunc
	Registry *TypeRegistry

	// MaxStepsPerTick caps catch-up after a stall. Zero means unbounded;
	// owed time beyond the cap stays in the accumulator.
	MaxStepsPerTick int

	Logger  *log.Logger
	Verbose bool

	RequestLogger  RequestLogger
	OnAdvanceError func(frame Frame, err error)
}

type Stats struct {
	Ticks    uint64 `json:"ticks"`
	Saves    uint64 `json:"saves"`
	Loads    uint64 `json:"loads"`
	Advances uint64 `json:"advances"`
	Skipped  uint64 `json:"skipped"`
}

// Stage turns wall-clock time into fixed simulation steps and drives the
// active session through its save/load/advance protocol. It holds no
// reference to the world; the world is passed to every call.
type Stage struct {
	registry *TypeRegistry
	input    InputFunc
	step     StepFunc
	fps      int
	maxSteps int

	log     *log.Logger
	verbose bool
	reqLog  RequestLogger
	onError func(Frame, error)

	snapshots   *SnapshotStore
	frame       Frame
	lastUpdate  time.Time
	accumulator time.Duration
	runSlow     bool

	seq   uint64
	stats Stats
}

func NewStage(cfg StageConfig) (*Stage, error) {
	if cfg.Input == nil {
		return nil, fmt.Errorf("rollback: input function is required")
	}
	if cfg.Step == nil {
		return nil, fmt.Errorf("rollback: step function is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("rollback: type registry is required")
	}
	if cfg.FPS < 0 {
		return nil, fmt.Errorf("rollback: fps must be positive, got %d", cfg.FPS)
	}
	if cfg.MaxStepsPerTick < 0 {
		return nil, fmt.Errorf("rollback: max steps per tick must not be negative, got %d", cfg.MaxStepsPerTick)
	}
	fps := cfg.FPS
	if fps == 0 {
		fps = DefaultFPS
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Stage{
		registry:  cfg.Registry,
		input:     cfg.Input,
		step:      cfg.Step,
		fps:       fps,
		maxSteps:  cfg.MaxStepsPerTick,
		log:       logger,
		verbose:   cfg.Verbose,
		reqLog:    cfg.RequestLogger,
		onError:   cfg.OnAdvanceError,
		snapshots: &SnapshotStore{},
	}, nil
}

// Tick is called once per host frame. It runs every whole fixed step owed
// since the previous call. Without a session the stage resets instead.
func (s *Stage) Tick(now time.Time, w World, sess *Session) {
	if sess.Kind() == 0 {
		s.reset(now)
		return
	}
	s.stats.Ticks++

	var delta time.Duration
	if !s.lastUpdate.IsZero() && now.After(s.lastUpdate) {
		delta = now.Sub(s.lastUpdate)
	}
	s.lastUpdate = now

	// Remote peers are polled every tick, stepping or not.
	switch sess.Kind() {
	case KindP2P:
		p, err := sess.P2P()
		contractViolation(err)
		p.PollRemoteClients()
		s.runSlow = p.FramesAhead() > 0
	case KindSpectator:
		sp, err := sess.Spectator()
		contractViolation(err)
		sp.PollRemoteClients()
	}

	step := s.StepDuration()
	s.accumulator = saturatingAdd(s.accumulator, delta)

	steps := 0
	for s.accumulator > step {
		if s.maxSteps > 0 && steps >= s.maxSteps {
			break
		}
		s.accumulator -= step
		steps++

		switch sess.Kind() {
		case KindSyncTest:
			s.runSyncTest(w, sess)
		case KindP2P:
			s.runP2P(w, sess)
		case KindSpectator:
			s.runSpectator(w, sess)
		}
	}
}

func (s *Stage) reset(now time.Time) {
	s.lastUpdate = now
	s.accumulator = 0
	s.frame = 0
	s.runSlow = false
	s.snapshots.Clear()
}

func (s *Stage) runSyncTest(w World, sess *Session) {
	st, err := sess.SyncTest()
	contractViolation(err)
	s.Prepare(st.MaxPrediction())

	n := st.NumPlayers()
	inputs := make([]Input, n)
	for h := 0; h < n; h++ {
		inputs[h] = s.input(w, PlayerHandle(h))
	}
	// Every handle below NumPlayers is local to a sync test session.
	for h, in := range inputs {
		if err := st.AddLocalInput(PlayerHandle(h), in); err != nil {
			contractViolation(fmt.Errorf("add local input for handle %d: %w", h, err))
		}
	}

	reqs, err := st.AdvanceFrame()
	if err != nil {
		s.skipStep(KindSyncTest, err)
		return
	}
	s.HandleRequests(w, reqs)
}

func (s *Stage) runP2P(w World, sess *Session) {
	p, err := sess.P2P()
	contractViolation(err)
	s.Prepare(p.MaxPrediction())

	s.runSlow = p.FramesAhead() > 0

	handles := p.LocalPlayerHandles()
	inputs := make([]Input, len(handles))
	for i, h := range handles {
		inputs[i] = s.input(w, h)
	}

	if p.CurrentState() != SessionRunning {
		return
	}
	for i, h := range handles {
		if err := p.AddLocalInput(h, inputs[i]); err != nil {
			s.skipStep(KindP2P, fmt.Errorf("add local input for handle %d: %w", h, err))
			return
		}
	}

	reqs, err := p.AdvanceFrame()
	if err != nil {
		s.skipStep(KindP2P, err)
		return
	}
	s.HandleRequests(w, reqs)
}

func (s *Stage) runSpectator(w World, sess *Session) {
	sp, err := sess.Spectator()
	contractViolation(err)
	s.Prepare(sp.MaxPrediction())

	if sp.CurrentState() != SessionRunning {
		return
	}
	reqs, err := sp.AdvanceFrame()
	if err != nil {
		s.skipStep(KindSpectator, err)
		return
	}
	s.HandleRequests(w, reqs)
}

func (s *Stage) skipStep(kind SessionKind, err error) {
	s.stats.Skipped++
	if errors.Is(err, ErrPredictionThreshold) {
		if kind == KindSpectator {
			s.log.Printf("spectator: waiting for input from host")
		} else {
			s.log.Printf("skipping a frame: prediction threshold")
		}
		return
	}
	s.log.Printf("warn: %s session: frame %d: %v", kind, s.frame, err)
	if s.onError != nil {
		s.onError(s.frame, err)
	}
}

// Prepare sizes an empty snapshot store to the session's prediction window.
// A store that already holds slots is left untouched.
func (s *Stage) Prepare(maxPrediction int) {
	if !s.snapshots.Empty() {
		return
	}
	if maxPrediction <= 0 {
		panic(fmt.Sprintf("rollback: session reports max prediction %d", maxPrediction))
	}
	s.snapshots.Resize(maxPrediction)
}

// contractViolation aborts on misuse that would otherwise corrupt rollback
// state.
func contractViolation(err error) {
	if err != nil {
		panic(fmt.Sprintf("rollback: %v", err))
	}
}

func saturatingAdd(a, b time.Duration) time.Duration {
	if b > 0 && a > math.MaxInt64-b {
		return math.MaxInt64
	}
	return a + b
}

// StepDuration is the fixed step length currently used by the accumulator.
func (s *Stage) StepDuration() time.Duration {
	d := float64(time.Second) / float64(s.fps)
	if s.runSlow {
		d *= runSlowFactor
	}
	return time.Duration(d)
}

func (s *Stage) Frame() Frame               { return s.frame }
func (s *Stage) FPS() int                   { return s.fps }
func (s *Stage) RunSlow() bool              { return s.runSlow }
func (s *Stage) Accumulator() time.Duration { return s.accumulator }
func (s *Stage) Stats() Stats               { return s.stats }
func (s *Stage) SnapshotCapacity() int      { return s.snapshots.Len() }

// Snapshot returns the snapshot stored in the slot of frame, if any.
func (s *Stage) Snapshot(frame Frame) (*WorldSnapshot, bool) {
	if s.snapshots.Empty() || frame < 0 {
		return nil, false
	}
	return s.snapshots.Get(frame)
}
