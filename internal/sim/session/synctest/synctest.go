// Package synctest implements a session that simulates every player locally
// and rolls back every frame by a fixed distance, comparing the checksums of
// re-simulated frames against their first simulation. Any difference means
// the game logic or the snapshot engine is not deterministic.
package synctest

import (
	"fmt"

	"rollback.dev/internal/sim/rollback"
)

type Config struct {
	NumPlayers    int
	MaxPrediction int
	// CheckDistance is how many frames every advance rolls back and
	// re-simulates. Zero disables saving and rollbacks.
	CheckDistance int
}

// MismatchedChecksumError reports a frame whose re-simulation produced a
// different checksum than its first simulation.
type MismatchedChecksumError struct {
	Frame rollback.Frame
	Want  uint64
	Got   uint64
}

func (e *MismatchedChecksumError) Error() string {
	return fmt.Sprintf("synctest: checksum mismatch at frame %d: first %016x, now %016x", e.Frame, e.Want, e.Got)
}

type Session struct {
	cfg Config

	frame       rollback.Frame
	localInputs map[rollback.PlayerHandle]rollback.Input
	inputs      map[rollback.Frame][]rollback.Input
	checksums   map[rollback.Frame]uint64
	pending     []*cell
}

var _ rollback.SyncTestSession = (*Session)(nil)

func New(cfg Config) (*Session, error) {
	if cfg.NumPlayers <= 0 {
		return nil, fmt.Errorf("synctest: num players must be positive, got %d", cfg.NumPlayers)
	}
	if cfg.MaxPrediction <= 0 {
		return nil, fmt.Errorf("synctest: max prediction must be positive, got %d", cfg.MaxPrediction)
	}
	if cfg.CheckDistance < 0 || cfg.CheckDistance >= cfg.MaxPrediction {
		return nil, fmt.Errorf("synctest: check distance %d must be in [0, %d)", cfg.CheckDistance, cfg.MaxPrediction)
	}
	return &Session{
		cfg:         cfg,
		localInputs: map[rollback.PlayerHandle]rollback.Input{},
		inputs:      map[rollback.Frame][]rollback.Input{},
		checksums:   map[rollback.Frame]uint64{},
	}, nil
}

func (s *Session) MaxPrediction() int           { return s.cfg.MaxPrediction }
func (s *Session) NumPlayers() int              { return s.cfg.NumPlayers }
func (s *Session) CheckDistance() int           { return s.cfg.CheckDistance }
func (s *Session) CurrentFrame() rollback.Frame { return s.frame }

func (s *Session) AddLocalInput(handle rollback.PlayerHandle, in rollback.Input) error {
	if handle < 0 || int(handle) >= s.cfg.NumPlayers {
		return fmt.Errorf("%w: %d (players: %d)", rollback.ErrInvalidHandle, handle, s.cfg.NumPlayers)
	}
	s.localInputs[handle] = append(rollback.Input(nil), in...)
	return nil
}

// AdvanceFrame returns the requests for one step. Past the check distance
// it first loads the frame CheckDistance back and re-simulates up to the
// current frame.
func (s *Session) AdvanceFrame() ([]rollback.Request, error) {
	if err := s.verifyChecksums(); err != nil {
		return nil, err
	}
	if len(s.localInputs) != s.cfg.NumPlayers {
		return nil, fmt.Errorf("synctest: missing local input: have %d of %d players", len(s.localInputs), s.cfg.NumPlayers)
	}

	frameInputs := make([]rollback.Input, s.cfg.NumPlayers)
	for h, in := range s.localInputs {
		frameInputs[h] = in
	}
	s.inputs[s.frame] = frameInputs
	clear(s.localInputs)

	var reqs []rollback.Request
	cd := rollback.Frame(s.cfg.CheckDistance)
	if cd > 0 && s.frame > cd {
		reqs = s.adjustGamestate(s.frame-cd, reqs)
	}
	if cd > 0 {
		reqs = append(reqs, s.save(s.frame))
	}
	reqs = append(reqs, rollback.AdvanceRequest{Inputs: s.playerInputs(s.frame)})
	s.frame++
	s.prune()
	return reqs, nil
}

func (s *Session) adjustGamestate(to rollback.Frame, reqs []rollback.Request) []rollback.Request {
	reqs = append(reqs, rollback.LoadRequest{Frame: to})
	for f := to; f < s.frame; f++ {
		// The loaded frame itself is not saved again.
		if f > to {
			reqs = append(reqs, s.save(f))
		}
		reqs = append(reqs, rollback.AdvanceRequest{Inputs: s.playerInputs(f)})
	}
	return reqs
}

func (s *Session) save(frame rollback.Frame) rollback.SaveRequest {
	c := &cell{frame: frame}
	s.pending = append(s.pending, c)
	return rollback.SaveRequest{Frame: frame, Cell: c}
}

func (s *Session) playerInputs(frame rollback.Frame) rollback.PlayerInputs {
	src := s.inputs[frame]
	out := make(rollback.PlayerInputs, s.cfg.NumPlayers)
	for h := range out {
		var in rollback.Input
		if h < len(src) {
			in = append(rollback.Input(nil), src[h]...)
		}
		out[h] = rollback.PlayerInput{Input: in, Status: rollback.InputConfirmed}
	}
	return out
}

// verifyChecksums records every saved checksum of the last batch and
// returns the first mismatch. A mismatching frame keeps its first checksum.
func (s *Session) verifyChecksums() error {
	pending := s.pending
	s.pending = nil
	var first error
	for _, c := range pending {
		if !c.saved {
			continue
		}
		if prev, ok := s.checksums[c.frame]; ok && prev != c.checksum {
			if first == nil {
				first = &MismatchedChecksumError{Frame: c.frame, Want: prev, Got: c.checksum}
			}
			continue
		}
		s.checksums[c.frame] = c.checksum
	}
	return first
}

func (s *Session) prune() {
	oldest := s.frame - rollback.Frame(s.cfg.MaxPrediction) - 1
	for f := range s.inputs {
		if f < oldest {
			delete(s.inputs, f)
		}
	}
	for f := range s.checksums {
		if f < oldest {
			delete(s.checksums, f)
		}
	}
}

type cell struct {
	frame    rollback.Frame
	checksum uint64
	saved    bool
}

func (c *cell) Save(frame rollback.Frame, checksum uint64) {
	c.frame = frame
	c.checksum = checksum
	c.saved = true
}
