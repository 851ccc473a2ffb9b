package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	persistlog "rollback.dev/internal/persistence/log"
	"rollback.dev/internal/persistence/snapshot"
	"rollback.dev/internal/sim/boxgame"
	"rollback.dev/internal/sim/ecs"
	"rollback.dev/internal/sim/rollback"
	"rollback.dev/internal/sim/session/synctest"
	"rollback.dev/internal/sim/tuning"
	"rollback.dev/internal/transport/observer"
)

type runtimeConfig struct {
	DataDir      string
	Tune         tuning.Tuning
	IndexBackend string
	DisableDB    bool
	DumpOnDesync bool

	// Step overrides boxgame.Step.
	Step rollback.StepFunc
}

// simStatus is the part of the simulation state shared with HTTP handlers.
type simStatus struct {
	Frame         rollback.Frame
	RunSlow       bool
	Stats         rollback.Stats
	Desyncs       uint64
	LastDesync    string
	AdvanceErrors uint64
}

// runtime owns the world, the stage and the session. Only the goroutine
// calling step touches them.
type runtime struct {
	log  *log.Logger
	cfg  runtimeConfig
	tune tuning.Tuning

	world    *ecs.World
	reg      *rollback.TypeRegistry
	stage    *rollback.Stage
	syncTest *synctest.Session
	sess     *rollback.Session

	hub    *observer.Hub
	reqLog *persistlog.RequestLogger
	idx    runtimeIndex

	dumps     chan snapshot.DumpV1
	dumpsDone chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	status simStatus
}

func newRuntime(cfg runtimeConfig, logger *log.Logger, simLogger *log.Logger) (*runtime, error) {
	tune := cfg.Tune
	step := cfg.Step
	if step == nil {
		step = boxgame.Step
	}

	rt := &runtime{
		log:       logger,
		cfg:       cfg,
		tune:      tune,
		world:     ecs.New(),
		reg:       rollback.NewTypeRegistry(),
		hub:       observer.NewHub(tune.FPS, rollback.KindSyncTest),
		reqLog:    persistlog.NewRequestLogger(cfg.DataDir),
		dumps:     make(chan snapshot.DumpV1, 4),
		dumpsDone: make(chan struct{}),
	}
	if err := boxgame.Register(rt.reg); err != nil {
		return nil, err
	}
	if err := boxgame.Setup(rt.world, rollback.NewIDRegistry(), tune.NumPlayers); err != nil {
		return nil, err
	}

	idx, err := openRuntimeIndex(cfg.DataDir, cfg.IndexBackend, cfg.DisableDB)
	if err != nil {
		return nil, fmt.Errorf("open index backend: %w", err)
	}
	rt.idx = idx
	if idx != nil {
		if err := idx.UpsertTuning(tune); err != nil {
			logger.Printf("index backend: upsert tuning: %v", err)
		}
	}

	st, err := synctest.New(synctest.Config{
		NumPlayers:    tune.NumPlayers,
		MaxPrediction: tune.MaxPrediction,
		CheckDistance: tune.CheckDistance,
	})
	if err != nil {
		rt.closeSinks()
		return nil, err
	}
	rt.syncTest = st
	rt.sess = rollback.NewSyncTest(st)

	var sinks []rollback.RequestLogger
	sinks = append(sinks, rt.reqLog, rt.hub)
	if idx != nil {
		sinks = append(sinks, idx)
	}
	stage, err := rollback.NewStage(rollback.StageConfig{
		FPS:             tune.FPS,
		Input:           boxgame.ScriptedInput(boxgame.PatternScript(uint32(tune.InputSeed))),
		Step:            step,
		Registry:        rt.reg,
		MaxStepsPerTick: tune.MaxStepsPerTick,
		Logger:          simLogger,
		Verbose:         tune.Verbose,
		RequestLogger:   rollback.RequestLoggers(sinks...),
		OnAdvanceError:  rt.onAdvanceError,
	})
	if err != nil {
		rt.closeSinks()
		return nil, err
	}
	rt.stage = stage

	go rt.writeDumps()
	return rt, nil
}

// step runs one host frame.
func (rt *runtime) step(now time.Time) {
	rt.stage.Tick(now, rt.world, rt.sess)

	rt.mu.Lock()
	rt.status.Frame = rt.stage.Frame()
	rt.status.RunSlow = rt.stage.RunSlow()
	rt.status.Stats = rt.stage.Stats()
	rt.mu.Unlock()
}

// run steps at hostHz until ctx is done.
func (rt *runtime) run(ctx context.Context, hostHz int) {
	if hostHz <= 0 {
		hostHz = 4 * rt.tune.FPS
	}
	ticker := time.NewTicker(time.Second / time.Duration(hostHz))
	defer ticker.Stop()

	rt.step(time.Now())
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			rt.step(now)
		}
	}
}

func (rt *runtime) Status() simStatus {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.status
}

func (rt *runtime) onAdvanceError(frame rollback.Frame, err error) {
	rt.hub.ReportError(frame, err)

	var mm *synctest.MismatchedChecksumError
	if !errors.As(err, &mm) {
		rt.mu.Lock()
		rt.status.AdvanceErrors++
		rt.mu.Unlock()
		return
	}
	rt.mu.Lock()
	rt.status.Desyncs++
	rt.status.LastDesync = err.Error()
	rt.mu.Unlock()

	if !rt.cfg.DumpOnDesync {
		return
	}
	// The slot of the mismatching frame holds its latest simulation.
	snap, ok := rt.stage.Snapshot(mm.Frame)
	if !ok {
		return
	}
	d := snapshot.NewDump(mm.Frame, snap, err.Error())
	d.FPS = rt.tune.FPS
	d.NumPlayers = rt.tune.NumPlayers
	select {
	case rt.dumps <- d:
	default:
		rt.log.Printf("dump queue full; dropping dump of frame %d", mm.Frame)
	}
}

func (rt *runtime) writeDumps() {
	defer close(rt.dumpsDone)
	for d := range rt.dumps {
		path := snapshot.Path(rt.cfg.DataDir, d.Header.Frame)
		if err := snapshot.WriteDump(path, d); err != nil {
			rt.log.Printf("dump write: %v", err)
			continue
		}
		rt.log.Printf("wrote desync dump frame=%d path=%s", d.Header.Frame, path)
		if rt.idx != nil {
			rt.idx.RecordDump(path, d)
		}
	}
}

// Close flushes every sink. The simulation must be stopped first.
func (rt *runtime) Close() error {
	var err error
	rt.closeOnce.Do(func() {
		if rt.stage != nil {
			close(rt.dumps)
			<-rt.dumpsDone
		}
		err = rt.closeSinks()
	})
	return err
}

func (rt *runtime) closeSinks() error {
	var first error
	if err := rt.reqLog.Close(); err != nil {
		first = err
	}
	if rt.idx != nil {
		if err := rt.idx.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
