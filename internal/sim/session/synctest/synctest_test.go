package synctest

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"rollback.dev/internal/sim/rollback"
)

func describe(reqs []rollback.Request) string {
	parts := make([]string, 0, len(reqs))
	for _, r := range reqs {
		switch r := r.(type) {
		case rollback.SaveRequest:
			parts = append(parts, fmt.Sprintf("S%d", r.Frame))
		case rollback.LoadRequest:
			parts = append(parts, fmt.Sprintf("L%d", r.Frame))
		case rollback.AdvanceRequest:
			parts = append(parts, "A")
		}
	}
	return strings.Join(parts, " ")
}

func addInputs(t *testing.T, s *Session, b byte) {
	t.Helper()
	for h := 0; h < s.NumPlayers(); h++ {
		if err := s.AddLocalInput(rollback.PlayerHandle(h), rollback.Input{b}); err != nil {
			t.Fatalf("AddLocalInput(%d): %v", h, err)
		}
	}
}

// saveAll plays the part of the stage: it answers every save with a
// checksum derived from the frame.
func saveAll(reqs []rollback.Request, checksum func(rollback.Frame) uint64) {
	for _, r := range reqs {
		if sr, ok := r.(rollback.SaveRequest); ok {
			sr.Cell.Save(sr.Frame, checksum(sr.Frame))
		}
	}
}

func TestNew_Validates(t *testing.T) {
	tests := []Config{
		{NumPlayers: 0, MaxPrediction: 8, CheckDistance: 2},
		{NumPlayers: 2, MaxPrediction: 0, CheckDistance: 0},
		{NumPlayers: 2, MaxPrediction: 8, CheckDistance: 8},
		{NumPlayers: 2, MaxPrediction: 8, CheckDistance: -1},
	}
	for _, cfg := range tests {
		if _, err := New(cfg); err == nil {
			t.Fatalf("New(%+v) expected error", cfg)
		}
	}
}

func TestAdvanceFrame_RequestSequence(t *testing.T) {
	s, err := New(Config{NumPlayers: 2, MaxPrediction: 8, CheckDistance: 2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	want := []string{
		"S0 A",
		"S1 A",
		"S2 A",
		"L1 A S2 A S3 A",
		"L2 A S3 A S4 A",
	}
	for i, w := range want {
		addInputs(t, s, byte(i))
		reqs, err := s.AdvanceFrame()
		if err != nil {
			t.Fatalf("AdvanceFrame %d: %v", i, err)
		}
		if got := describe(reqs); got != w {
			t.Fatalf("step %d requests=%q, want %q", i, got, w)
		}
		saveAll(reqs, func(f rollback.Frame) uint64 { return uint64(f) * 7 })
	}
	if s.CurrentFrame() != 5 {
		t.Fatalf("CurrentFrame=%d, want 5", s.CurrentFrame())
	}
}

func TestAdvanceFrame_ResimulationReplaysRecordedInputs(t *testing.T) {
	s, err := New(Config{NumPlayers: 1, MaxPrediction: 4, CheckDistance: 2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var last []rollback.Request
	for i := 0; i < 4; i++ {
		addInputs(t, s, byte(10+i))
		last, err = s.AdvanceFrame()
		if err != nil {
			t.Fatalf("AdvanceFrame %d: %v", i, err)
		}
	}
	// Step 3 re-simulates frames 1 and 2 before simulating frame 3.
	var got []byte
	for _, r := range last {
		if ar, ok := r.(rollback.AdvanceRequest); ok {
			got = append(got, ar.Inputs[0].Input[0])
			if ar.Inputs[0].Status != rollback.InputConfirmed {
				t.Fatalf("status=%v, want CONFIRMED", ar.Inputs[0].Status)
			}
		}
	}
	if string(got) != string([]byte{11, 12, 13}) {
		t.Fatalf("advance inputs=%v, want [11 12 13]", got)
	}
}

func TestAdvanceFrame_DetectsChecksumMismatch(t *testing.T) {
	s, err := New(Config{NumPlayers: 1, MaxPrediction: 8, CheckDistance: 2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// Every save reports a fresh value, so the first re-saved frame differs.
	calls := 0
	for i := 0; i < 4; i++ {
		addInputs(t, s, 0)
		reqs, err := s.AdvanceFrame()
		if err != nil {
			t.Fatalf("AdvanceFrame %d: %v", i, err)
		}
		saveAll(reqs, func(f rollback.Frame) uint64 {
			calls++
			return uint64(f) + uint64(calls)
		})
	}
	addInputs(t, s, 0)
	_, err = s.AdvanceFrame()
	var mm *MismatchedChecksumError
	if !errors.As(err, &mm) {
		t.Fatalf("AdvanceFrame err=%v, want MismatchedChecksumError", err)
	}
	if mm.Frame != 2 || mm.Want == mm.Got {
		t.Fatalf("mismatch=%+v, want frame 2 with differing checksums", mm)
	}
}

func TestAdvanceFrame_MismatchStillRecordsLaterSaves(t *testing.T) {
	s, err := New(Config{NumPlayers: 1, MaxPrediction: 8, CheckDistance: 2})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	advance := func(step int, sums map[rollback.Frame]uint64) error {
		addInputs(t, s, byte(step))
		reqs, err := s.AdvanceFrame()
		if err != nil {
			return err
		}
		saveAll(reqs, func(f rollback.Frame) uint64 {
			if v, ok := sums[f]; ok {
				return v
			}
			return uint64(f) * 10
		})
		return nil
	}
	for i := 0; i < 3; i++ {
		if err := advance(i, nil); err != nil {
			t.Fatalf("AdvanceFrame %d: %v", i, err)
		}
	}
	// Step 3 re-saves frame 2 with a new value and saves frame 3 first.
	if err := advance(3, map[rollback.Frame]uint64{2: 999}); err != nil {
		t.Fatalf("AdvanceFrame 3: %v", err)
	}
	var mm *MismatchedChecksumError
	if err := advance(4, nil); !errors.As(err, &mm) || mm.Frame != 2 {
		t.Fatalf("err=%v, want mismatch at frame 2", err)
	}
	// Frame 3's checksum from the same batch must have been recorded.
	if err := advance(4, map[rollback.Frame]uint64{3: 31}); err != nil {
		t.Fatalf("AdvanceFrame 4: %v", err)
	}
	err = advance(5, nil)
	if !errors.As(err, &mm) {
		t.Fatalf("err=%v, want MismatchedChecksumError", err)
	}
	if mm.Frame != 3 || mm.Want != 30 || mm.Got != 31 {
		t.Fatalf("mismatch=%+v, want frame 3 first 30 now 31", mm)
	}
}

func TestAddLocalInput_InvalidHandle(t *testing.T) {
	s, err := New(Config{NumPlayers: 2, MaxPrediction: 8})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, h := range []rollback.PlayerHandle{-1, 2, 9} {
		if err := s.AddLocalInput(h, rollback.Input{1}); !errors.Is(err, rollback.ErrInvalidHandle) {
			t.Fatalf("AddLocalInput(%d) err=%v, want ErrInvalidHandle", h, err)
		}
	}
}

func TestAdvanceFrame_RequiresEveryPlayersInput(t *testing.T) {
	s, err := New(Config{NumPlayers: 2, MaxPrediction: 8})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := s.AddLocalInput(0, rollback.Input{1}); err != nil {
		t.Fatalf("AddLocalInput: %v", err)
	}
	if _, err := s.AdvanceFrame(); err == nil {
		t.Fatalf("expected missing input error")
	}
	if s.CurrentFrame() != 0 {
		t.Fatalf("frame advanced on error: %d", s.CurrentFrame())
	}
}

func TestAdvanceFrame_ZeroCheckDistanceOnlyAdvances(t *testing.T) {
	s, err := New(Config{NumPlayers: 1, MaxPrediction: 8})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := 0; i < 5; i++ {
		addInputs(t, s, 1)
		reqs, err := s.AdvanceFrame()
		if err != nil {
			t.Fatalf("AdvanceFrame: %v", err)
		}
		if got := describe(reqs); got != "A" {
			t.Fatalf("requests=%q, want %q", got, "A")
		}
	}
}
