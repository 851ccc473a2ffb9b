package boxgame

import (
	"fmt"
	"sort"

	"rollback.dev/internal/sim/rollback"
)

const (
	PositionName   = "box.Position"
	VelocityName   = "box.Velocity"
	PlayerName     = "box.Player"
	FrameCountName = "box.FrameCount"
)

// Positions and velocities are fixed point, 1/1000 of a unit.
const (
	arenaHalf    = 10_000
	accel        = 120
	maxSpeed     = 900
	frictionPerm = 900
)

const (
	InputUp byte = 1 << iota
	InputDown
	InputLeft
	InputRight
)

type Position struct {
	X int32 `json:"x"`
	Y int32 `json:"y"`
}

type Velocity struct {
	X int32 `json:"x"`
	Y int32 `json:"y"`
}

type Player struct {
	Handle int `json:"handle"`
}

type FrameCount struct {
	Frame uint32 `json:"frame"`
}

// Register adds every rollback-tracked type of the game to reg.
func Register(reg *rollback.TypeRegistry) error {
	for _, e := range []rollback.TypeEntry{
		rollback.JSONType[Position](PositionName),
		rollback.JSONType[Velocity](VelocityName),
		rollback.JSONType[Player](PlayerName),
	} {
		if err := reg.RegisterComponent(e); err != nil {
			return err
		}
	}
	return reg.RegisterResource(rollback.JSONType[FrameCount](FrameCountName))
}

// Setup spawns one box per player, starting in the arena corners.
func Setup(w rollback.World, ids *rollback.IDRegistry, players int) error {
	if players <= 0 {
		return fmt.Errorf("boxgame: need at least one player, got %d", players)
	}
	starts := [][2]int32{{-4000, -4000}, {4000, 4000}, {-4000, 4000}, {4000, -4000}}
	for h := 0; h < players; h++ {
		e := w.SpawnRollback(ids.NextTag())
		p := starts[h%len(starts)]
		w.InsertComponent(e, PositionName, Position{X: p[0] + int32(h/len(starts))*500, Y: p[1]})
		w.InsertComponent(e, VelocityName, Velocity{})
		w.InsertComponent(e, PlayerName, Player{Handle: h})
	}
	w.InsertResource(FrameCountName, FrameCount{})
	return nil
}

func EncodeInput(bits byte) rollback.Input { return rollback.Input{bits} }

func decodeInput(in rollback.Input) byte {
	if len(in) == 0 {
		return 0
	}
	return in[0]
}

// Step advances the game by one frame using the inputs of the frame.
func Step(w rollback.World) {
	inputs := rollback.Inputs(w)

	// Rollback id order is stable across restores; entity handles are not.
	players := w.RollbackEntities()
	sort.Slice(players, func(i, j int) bool { return players[i].Tag.ID() < players[j].Tag.ID() })

	for _, te := range players {
		pv, ok := w.Component(te.Entity, PlayerName)
		if !ok {
			continue
		}
		player := pv.(Player)
		posV, _ := w.Component(te.Entity, PositionName)
		velV, _ := w.Component(te.Entity, VelocityName)
		pos, _ := posV.(Position)
		vel, _ := velV.(Velocity)

		var bits byte
		if player.Handle >= 0 && player.Handle < len(inputs) {
			bits = decodeInput(inputs[player.Handle].Input)
		}
		if bits&InputUp != 0 {
			vel.Y += accel
		}
		if bits&InputDown != 0 {
			vel.Y -= accel
		}
		if bits&InputLeft != 0 {
			vel.X -= accel
		}
		if bits&InputRight != 0 {
			vel.X += accel
		}
		vel.X = clamp(vel.X*frictionPerm/1000, -maxSpeed, maxSpeed)
		vel.Y = clamp(vel.Y*frictionPerm/1000, -maxSpeed, maxSpeed)

		pos.X = clamp(pos.X+vel.X, -arenaHalf, arenaHalf)
		pos.Y = clamp(pos.Y+vel.Y, -arenaHalf, arenaHalf)

		w.InsertComponent(te.Entity, PositionName, pos)
		w.InsertComponent(te.Entity, VelocityName, vel)
	}

	fc := CurrentFrame(w)
	w.InsertResource(FrameCountName, FrameCount{Frame: fc + 1})
}

// CurrentFrame reads the FrameCount resource, 0 when absent.
func CurrentFrame(w rollback.World) uint32 {
	v, ok := w.Resource(FrameCountName)
	if !ok {
		return 0
	}
	fc, _ := v.(FrameCount)
	return fc.Frame
}

// ScriptedInput returns an input function that replays script, keyed by
// the game's own frame counter.
func ScriptedInput(script func(frame uint32, handle rollback.PlayerHandle) byte) rollback.InputFunc {
	return func(w rollback.World, handle rollback.PlayerHandle) rollback.Input {
		return EncodeInput(script(CurrentFrame(w), handle))
	}
}

// PatternScript is a deterministic pseudo-random script used by the tools
// and tests.
func PatternScript(seed uint32) func(frame uint32, handle rollback.PlayerHandle) byte {
	return func(frame uint32, handle rollback.PlayerHandle) byte {
		x := seed ^ (frame * 2654435761) ^ (uint32(handle+1) * 40503)
		x ^= x >> 13
		x *= 0x5bd1e995
		x ^= x >> 15
		return byte(x) & (InputUp | InputDown | InputLeft | InputRight)
	}
}

func clamp(v, lo, hi int32) int32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
