package observer

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"rollback.dev/internal/observerproto"
	"rollback.dev/internal/sim/rollback"
	"rollback.dev/internal/sim/session/synctest"
)

// Hub turns handled requests into observer messages and fans them out to
// subscribers. It is written to from the simulation goroutine and read by
// HTTP handlers, so it keeps its own copy of the latest state.
type Hub struct {
	fps  int
	kind string

	mu       sync.Mutex
	nextID   uint64
	subs     map[uint64]*subscriber
	frame    rollback.Frame
	checksum uint64
	haveSum  bool
	stats    observerproto.StatsMsg
}

type subscriber struct {
	kinds map[string]bool
	out   chan []byte
}

var _ rollback.RequestLogger = (*Hub)(nil)

func NewHub(fps int, kind rollback.SessionKind) *Hub {
	return &Hub{
		fps:  fps,
		kind: kind.String(),
		subs: map[uint64]*subscriber{},
	}
}

func (h *Hub) WriteRequest(e rollback.RequestLogEntry) error {
	msg := observerproto.RequestMsg{
		Type:            "REQUEST",
		ProtocolVersion: observerproto.Version,
		Seq:             e.Seq,
		Kind:            string(e.Kind),
		Frame:           int32(e.Frame),
	}
	if e.Kind != rollback.RequestAdvance {
		msg.Checksum = fmt.Sprintf("%016x", e.Checksum)
	}
	for _, in := range e.Inputs {
		msg.Inputs = append(msg.Inputs, observerproto.PlayerInputMsg{Input: in.Input, Status: in.Status.String()})
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	switch e.Kind {
	case rollback.RequestSave:
		h.stats.Saves++
		h.frame, h.checksum, h.haveSum = e.Frame, e.Checksum, true
	case rollback.RequestLoad:
		h.stats.Loads++
		h.frame, h.checksum, h.haveSum = e.Frame, e.Checksum, true
	case rollback.RequestAdvance:
		h.stats.Advances++
		h.frame = e.Frame + 1
	}
	h.broadcastLocked(msg.Kind, b)
	return nil
}

// ReportError forwards a session advance error to every subscriber. Its
// signature matches rollback.StageConfig.OnAdvanceError. Only checksum
// mismatches count as desyncs.
func (h *Hub) ReportError(frame rollback.Frame, err error) {
	msgType := "ADVANCE_ERROR"
	var mm *synctest.MismatchedChecksumError
	if errors.As(err, &mm) {
		msgType = "DESYNC"
	}
	b, _ := json.Marshal(observerproto.AdvanceErrorMsg{
		Type:            msgType,
		ProtocolVersion: observerproto.Version,
		Frame:           int32(frame),
		Error:           err.Error(),
	})
	h.mu.Lock()
	defer h.mu.Unlock()
	if mm != nil {
		h.stats.Desyncs++
	} else {
		h.stats.AdvanceErrors++
	}
	h.broadcastLocked("", b)
}

// broadcastLocked never blocks: a full subscriber loses its oldest message.
func (h *Hub) broadcastLocked(kind string, b []byte) {
	for _, s := range h.subs {
		if kind != "" && len(s.kinds) > 0 && !s.kinds[kind] {
			continue
		}
		select {
		case s.out <- b:
			continue
		default:
		}
		select {
		case <-s.out:
		default:
		}
		select {
		case s.out <- b:
		default:
		}
	}
}

func (h *Hub) Bootstrap() observerproto.BootstrapResponse {
	h.mu.Lock()
	defer h.mu.Unlock()
	resp := observerproto.BootstrapResponse{
		ProtocolVersion: observerproto.Version,
		SessionKind:     h.kind,
		FPS:             h.fps,
		Frame:           int32(h.frame),
		Stats:           h.stats,
	}
	if h.haveSum {
		resp.LastChecksum = fmt.Sprintf("%016x", h.checksum)
	}
	return resp
}

func (h *Hub) subscribe(kinds []string, queue int) (uint64, <-chan []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	h.subs[id] = &subscriber{kinds: kindSet(kinds), out: make(chan []byte, queue)}
	return id, h.subs[id].out
}

func (h *Hub) resubscribe(id uint64, kinds []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s := h.subs[id]; s != nil {
		s.kinds = kindSet(kinds)
	}
}

func (h *Hub) unsubscribe(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, id)
}

func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func kindSet(kinds []string) map[string]bool {
	if len(kinds) == 0 {
		return nil
	}
	m := make(map[string]bool, len(kinds))
	for _, k := range kinds {
		m[k] = true
	}
	return m
}
