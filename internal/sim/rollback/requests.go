package rollback

import "fmt"

type RequestKind string

const (
	RequestSave    RequestKind = "SAVE"
	RequestLoad    RequestKind = "LOAD"
	RequestAdvance RequestKind = "ADVANCE"
)

// RequestLogEntry records one handled request. For ADVANCE, Frame is the
// frame being simulated (the frame counter before the increment).
type RequestLogEntry struct {
	Seq      uint64       `json:"seq"`
	Kind     RequestKind  `json:"kind"`
	Frame    Frame        `json:"frame"`
	Checksum uint64       `json:"checksum"`
	Inputs   PlayerInputs `json:"inputs,omitempty"`
}

type RequestLogger interface {
	WriteRequest(entry RequestLogEntry) error
}

type multiRequestLogger []RequestLogger

func (m multiRequestLogger) WriteRequest(entry RequestLogEntry) error {
	var first error
	for _, l := range m {
		if err := l.WriteRequest(entry); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// RequestLoggers fans entries out to every non-nil logger.
func RequestLoggers(loggers ...RequestLogger) RequestLogger {
	out := make(multiRequestLogger, 0, len(loggers))
	for _, l := range loggers {
		if l != nil {
			out = append(out, l)
		}
	}
	return out
}

// HandleRequests applies reqs strictly in order. A load may precede the
// save of a later frame.
func (s *Stage) HandleRequests(w World, reqs []Request) {
	for _, r := range reqs {
		switch r := r.(type) {
		case SaveRequest:
			s.saveWorld(w, r.Frame, r.Cell)
		case LoadRequest:
			s.loadWorld(w, r.Frame)
		case AdvanceRequest:
			s.advanceFrame(w, r.Inputs)
		default:
			panic(fmt.Sprintf("rollback: unknown request %T", r))
		}
	}
}

func (s *Stage) saveWorld(w World, frame Frame, cell StateCell) {
	if s.verbose {
		s.log.Printf("saving snapshot for frame %d", frame)
	}
	if frame != s.frame {
		panic(fmt.Sprintf("rollback: save requested for frame %d while at frame %d", frame, s.frame))
	}

	snap, err := Capture(w, s.registry)
	if err != nil {
		panic(fmt.Sprintf("rollback: capture frame %d: %v", frame, err))
	}
	// The snapshot stays here; the session only needs the checksum.
	if cell != nil {
		cell.Save(frame, snap.Checksum)
	}
	s.snapshots.Put(frame, snap)

	s.stats.Saves++
	s.record(RequestLogEntry{Kind: RequestSave, Frame: frame, Checksum: snap.Checksum})
}

func (s *Stage) loadWorld(w World, frame Frame) {
	if s.verbose {
		s.log.Printf("restoring snapshot for frame %d", frame)
	}
	s.frame = frame

	snap, ok := s.snapshots.Get(frame)
	if !ok {
		panic(fmt.Sprintf("rollback: no snapshot stored for frame %d", frame))
	}
	if err := snap.Restore(w, s.registry); err != nil {
		panic(fmt.Sprintf("rollback: restore frame %d: %v", frame, err))
	}

	s.stats.Loads++
	s.record(RequestLogEntry{Kind: RequestLoad, Frame: frame, Checksum: snap.Checksum})
}

func (s *Stage) advanceFrame(w World, inputs PlayerInputs) {
	if s.verbose {
		s.log.Printf("advancing to frame %d", s.frame+1)
	}
	w.InsertResource(PlayerInputsResource, inputs)
	s.step(w)
	w.RemoveResource(PlayerInputsResource)

	s.stats.Advances++
	s.record(RequestLogEntry{Kind: RequestAdvance, Frame: s.frame, Inputs: inputs})
	s.frame++
}

func (s *Stage) record(entry RequestLogEntry) {
	s.seq++
	if s.reqLog == nil {
		return
	}
	entry.Seq = s.seq
	if err := s.reqLog.WriteRequest(entry); err != nil {
		s.log.Printf("warn: request log: %v", err)
	}
}
