package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"rollback.dev/internal/persistence/indexdb"
	persistlog "rollback.dev/internal/persistence/log"
	"rollback.dev/internal/persistence/snapshot"
	"rollback.dev/internal/sim/boxgame"
	"rollback.dev/internal/sim/ecs"
	"rollback.dev/internal/sim/rollback"
	"rollback.dev/internal/sim/tuning"
)

func main() {
	var (
		dataDir    = flag.String("data", "./data", "runtime data directory (reads <data>/events)")
		eventsPath = flag.String("events", "", "single events-*.jsonl.zst file (overrides -data)")
		configDir  = flag.String("configs", "./configs", "config directory")
		tuningPath = flag.String("tuning", "", "path to tuning.yaml (default: <configs>/tuning.yaml)")
		dumpPath   = flag.String("dump", "", "print the header of a desync dump and exit")
		indexPath  = flag.String("index", "", "print frames with diverging checksums from a sqlite index and exit")
	)
	flag.Parse()

	if *dumpPath != "" {
		h, err := snapshot.ReadHeader(*dumpPath)
		if err != nil {
			fmt.Fprintln(os.Stderr, "read dump:", err)
			os.Exit(1)
		}
		fmt.Printf("dump v%d frame=%d checksum=%016x reason=%q\n", h.Version, h.Frame, h.Checksum, h.Reason)
		return
	}
	if *indexPath != "" {
		if err := printDivergent(*indexPath); err != nil {
			fmt.Fprintln(os.Stderr, "index:", err)
			os.Exit(1)
		}
		return
	}

	tp := strings.TrimSpace(*tuningPath)
	if tp == "" {
		tp = filepath.Join(*configDir, "tuning.yaml")
	}
	tune, err := tuning.Load(tp)
	if err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintln(os.Stderr, "load tuning:", err)
			os.Exit(1)
		}
		tune = tuning.Defaults()
	}

	var entries []rollback.RequestLogEntry
	if *eventsPath != "" {
		entries, err = persistlog.ReadFile(*eventsPath)
	} else {
		entries, err = persistlog.ReadDir(*dataDir)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "read events:", err)
		os.Exit(1)
	}
	if len(entries) == 0 {
		fmt.Fprintln(os.Stderr, "no request log entries found")
		os.Exit(1)
	}

	rep, err := replay(entries, tune)
	if err != nil {
		fmt.Fprintln(os.Stderr, "replay:", err)
		os.Exit(1)
	}
	for _, m := range rep.Mismatches {
		fmt.Printf("checksum mismatch: run=%d seq=%d frame=%d logged=%016x replayed=%016x\n", m.Run, m.Seq, m.Frame, m.Logged, m.Replayed)
	}
	if len(rep.Mismatches) > 0 {
		os.Exit(1)
	}
	fmt.Printf("replay ok: runs=%d requests=%d checked=%d saves (last frame=%d)\n", rep.Runs, rep.Requests, rep.Checked, rep.LastFrame)
}

type mismatch struct {
	Run      int
	Seq      uint64
	Frame    rollback.Frame
	Logged   uint64
	Replayed uint64
}

type report struct {
	Runs       int
	Requests   int
	Checked    int
	LastFrame  rollback.Frame
	Mismatches []mismatch
}

// savedChecksum receives the checksum the stage computes for a replayed save.
type savedChecksum struct {
	sum uint64
	ok  bool
}

func (c *savedChecksum) Save(_ rollback.Frame, checksum uint64) {
	c.sum = checksum
	c.ok = true
}

func noInput(rollback.World, rollback.PlayerHandle) rollback.Input { return nil }

// replay re-executes the logged requests against a fresh box game. A
// sequence number that does not grow starts a new run from scratch.
func replay(entries []rollback.RequestLogEntry, tune tuning.Tuning) (report, error) {
	var rep report
	var (
		w     *ecs.World
		stage *rollback.Stage
		last  uint64
	)
	reg := rollback.NewTypeRegistry()
	if err := boxgame.Register(reg); err != nil {
		return rep, err
	}

	for _, e := range entries {
		if stage == nil || e.Seq <= last {
			w = ecs.New()
			if err := boxgame.Setup(w, rollback.NewIDRegistry(), tune.NumPlayers); err != nil {
				return rep, err
			}
			var err error
			stage, err = rollback.NewStage(rollback.StageConfig{
				FPS:      tune.FPS,
				Input:    noInput,
				Step:     boxgame.Step,
				Registry: reg,
			})
			if err != nil {
				return rep, err
			}
			stage.Prepare(tune.MaxPrediction)
			rep.Runs++
		}
		last = e.Seq
		rep.Requests++

		switch e.Kind {
		case rollback.RequestSave:
			if e.Frame != stage.Frame() {
				return rep, fmt.Errorf("seq %d: save of frame %d while at frame %d", e.Seq, e.Frame, stage.Frame())
			}
			var cell savedChecksum
			stage.HandleRequests(w, []rollback.Request{rollback.SaveRequest{Frame: e.Frame, Cell: &cell}})
			rep.Checked++
			if cell.sum != e.Checksum {
				rep.Mismatches = append(rep.Mismatches, mismatch{
					Run:      rep.Runs,
					Seq:      e.Seq,
					Frame:    e.Frame,
					Logged:   e.Checksum,
					Replayed: cell.sum,
				})
			}
		case rollback.RequestLoad:
			if _, ok := stage.Snapshot(e.Frame); !ok {
				return rep, fmt.Errorf("seq %d: load of frame %d with no saved snapshot", e.Seq, e.Frame)
			}
			stage.HandleRequests(w, []rollback.Request{rollback.LoadRequest{Frame: e.Frame}})
		case rollback.RequestAdvance:
			if e.Frame != stage.Frame() {
				return rep, fmt.Errorf("seq %d: advance of frame %d while at frame %d", e.Seq, e.Frame, stage.Frame())
			}
			if len(e.Inputs) != tune.NumPlayers {
				return rep, fmt.Errorf("seq %d: %d inputs, want %d", e.Seq, len(e.Inputs), tune.NumPlayers)
			}
			stage.HandleRequests(w, []rollback.Request{rollback.AdvanceRequest{Inputs: e.Inputs}})
		default:
			return rep, fmt.Errorf("seq %d: unknown request kind %q", e.Seq, e.Kind)
		}
		rep.LastFrame = stage.Frame()
	}
	return rep, nil
}

func printDivergent(path string) error {
	if _, err := os.Stat(path); err != nil {
		return err
	}
	idx, err := indexdb.OpenSQLite(path)
	if err != nil {
		return err
	}
	defer idx.Close()

	ctx := context.Background()
	frames, err := idx.DivergentFrames(ctx)
	if err != nil {
		return err
	}
	if len(frames) == 0 {
		fmt.Println("no divergent frames")
		return nil
	}
	for _, f := range frames {
		sums, err := idx.Checksums(ctx, f)
		if err != nil {
			return err
		}
		parts := make([]string, 0, len(sums))
		for _, s := range sums {
			parts = append(parts, fmt.Sprintf("%016x", s))
		}
		fmt.Printf("frame %d: %s\n", f, strings.Join(parts, " "))
	}
	return nil
}
