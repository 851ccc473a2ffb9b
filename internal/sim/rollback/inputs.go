package rollback

// PlayerHandle identifies a participant slot in a session.
type PlayerHandle int

// Input is one player's encoded input for one frame.
type Input []byte

type InputStatus uint8

const (
	InputConfirmed InputStatus = iota
	InputPredicted
	InputDisconnected
)

func (s InputStatus) String() string {
	switch s {
	case InputConfirmed:
		return "CONFIRMED"
	case InputPredicted:
		return "PREDICTED"
	case InputDisconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

type PlayerInput struct {
	Input  Input       `json:"input"`
	Status InputStatus `json:"status"`
}

// PlayerInputs holds one entry per player slot, ordered by handle.
type PlayerInputs []PlayerInput

// InputFunc captures the local input of one player. It runs against the
// world as it is before the step it feeds.
type InputFunc func(w World, handle PlayerHandle) Input

// StepFunc is the game logic run once per simulated frame.
type StepFunc func(w World)
