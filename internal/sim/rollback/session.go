package rollback

import "errors"

// Frame numbers one fixed simulation step.
type Frame int32

type SessionState uint8

const (
	SessionSynchronizing SessionState = iota
	SessionRunning
)

func (s SessionState) String() string {
	if s == SessionRunning {
		return "RUNNING"
	}
	return "SYNCHRONIZING"
}

var (
	// ErrPredictionThreshold is returned by AdvanceFrame when the session
	// needs more remote input before it can simulate further. The step is
	// skipped and retried on a later tick.
	ErrPredictionThreshold = errors.New("rollback: prediction threshold reached")
	// ErrInvalidHandle is returned by AddLocalInput for a handle the
	// session does not accept as local.
	ErrInvalidHandle = errors.New("rollback: invalid player handle")

	ErrNoSession    = errors.New("rollback: no active session")
	ErrWrongSession = errors.New("rollback: active session is of another kind")
)

// StateCell receives the checksum of a saved frame for the session's own
// desync bookkeeping.
type StateCell interface {
	Save(frame Frame, checksum uint64)
}

// Request is one instruction returned by AdvanceFrame. Requests must be
// applied in the order they are returned.
type Request interface{ request() }

type SaveRequest struct {
	Frame Frame
	Cell  StateCell
}

type LoadRequest struct {
	Frame Frame
}

type AdvanceRequest struct {
	Inputs PlayerInputs
}

func (SaveRequest) request()    {}
func (LoadRequest) request()    {}
func (AdvanceRequest) request() {}

// SyncTestSession simulates every player locally and forces rollbacks to
// check determinism.
type SyncTestSession interface {
	MaxPrediction() int
	NumPlayers() int
	AddLocalInput(handle PlayerHandle, in Input) error
	AdvanceFrame() ([]Request, error)
}

// P2PSession exchanges inputs with remote peers.
type P2PSession interface {
	PollRemoteClients()
	CurrentState() SessionState
	MaxPrediction() int
	LocalPlayerHandles() []PlayerHandle
	FramesAhead() int
	AddLocalInput(handle PlayerHandle, in Input) error
	AdvanceFrame() ([]Request, error)
}

// SpectatorSession follows a host without contributing input.
type SpectatorSession interface {
	PollRemoteClients()
	CurrentState() SessionState
	MaxPrediction() int
	AdvanceFrame() ([]Request, error)
}

type SessionKind uint8

const (
	KindSyncTest SessionKind = iota + 1
	KindP2P
	KindSpectator
)

func (k SessionKind) String() string {
	switch k {
	case KindSyncTest:
		return "SYNC_TEST"
	case KindP2P:
		return "P2P"
	case KindSpectator:
		return "SPECTATOR"
	default:
		return "NONE"
	}
}

// Session is the externally owned session the stage borrows on every tick.
// A nil *Session means no session has been started.
type Session struct {
	kind      SessionKind
	syncTest  SyncTestSession
	p2p       P2PSession
	spectator SpectatorSession
}

func NewSyncTest(s SyncTestSession) *Session {
	return &Session{kind: KindSyncTest, syncTest: s}
}

func NewP2P(s P2PSession) *Session {
	return &Session{kind: KindP2P, p2p: s}
}

func NewSpectator(s SpectatorSession) *Session {
	return &Session{kind: KindSpectator, spectator: s}
}

func (s *Session) Kind() SessionKind {
	if s == nil {
		return 0
	}
	return s.kind
}

func (s *Session) SyncTest() (SyncTestSession, error) {
	if err := s.check(KindSyncTest, s.syncTestSet()); err != nil {
		return nil, err
	}
	return s.syncTest, nil
}

func (s *Session) P2P() (P2PSession, error) {
	if err := s.check(KindP2P, s.p2pSet()); err != nil {
		return nil, err
	}
	return s.p2p, nil
}

func (s *Session) Spectator() (SpectatorSession, error) {
	if err := s.check(KindSpectator, s.spectatorSet()); err != nil {
		return nil, err
	}
	return s.spectator, nil
}

func (s *Session) syncTestSet() bool  { return s != nil && s.syncTest != nil }
func (s *Session) p2pSet() bool       { return s != nil && s.p2p != nil }
func (s *Session) spectatorSet() bool { return s != nil && s.spectator != nil }

func (s *Session) check(want SessionKind, set bool) error {
	if s == nil || s.kind == 0 {
		return ErrNoSession
	}
	if s.kind != want {
		return ErrWrongSession
	}
	if !set {
		return ErrNoSession
	}
	return nil
}
