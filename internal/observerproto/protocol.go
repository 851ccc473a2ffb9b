package observerproto

// Version is the observer protocol version.
const Version = "0.1"

// Client -> Server. First message on the observer WS connection; may be
// re-sent to change the kind filter.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`

	// Kinds limits the feed to SAVE, LOAD and/or ADVANCE. Empty means all.
	Kinds    []string `json:"kinds,omitempty"`
	MaxQueue int      `json:"max_queue,omitempty"`
}

// HTTP response for GET /admin/v1/observer/bootstrap.
type BootstrapResponse struct {
	ProtocolVersion string   `json:"protocol_version"`
	SessionKind     string   `json:"session_kind"`
	FPS             int      `json:"fps"`
	Frame           int32    `json:"frame"`
	LastChecksum    string   `json:"last_checksum,omitempty"`
	Stats           StatsMsg `json:"stats"`
}

type StatsMsg struct {
	Saves         uint64 `json:"saves"`
	Loads         uint64 `json:"loads"`
	Advances      uint64 `json:"advances"`
	Desyncs       uint64 `json:"desyncs"`
	AdvanceErrors uint64 `json:"advance_errors"`
}

// Server -> Client. One per handled request.
type RequestMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Seq             uint64 `json:"seq"`
	Kind            string `json:"kind"`
	Frame           int32  `json:"frame"`

	// Hex, so browsers do not round it.
	Checksum string           `json:"checksum,omitempty"`
	Inputs   []PlayerInputMsg `json:"inputs,omitempty"`
}

type PlayerInputMsg struct {
	Input  []byte `json:"input"`
	Status string `json:"status"`
}

// Server -> Client. Sent when the session reports an advance error. Type is
// DESYNC for a checksum mismatch and ADVANCE_ERROR for anything else.
type AdvanceErrorMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Frame           int32  `json:"frame"`
	Error           string `json:"error"`
}
