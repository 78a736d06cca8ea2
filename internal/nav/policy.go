// Package nav holds the reactive obstacle-avoidance policy: a pure decision
// core over six angular sectors plus a thin scheduling wrapper that turns
// decisions into motor commands.
package nav

import (
	"math"

	"github.com/parcelworks/sortbot/internal/drive"
	"github.com/parcelworks/sortbot/internal/state"
)

// Sector identifies one of the six fixed angular buckets.
type Sector int

const (
	Front Sector = iota
	FrontLeft
	Left
	Rear
	Right
	FrontRight
	sectorCount
)

var sectorNames = map[Sector]string{
	Front:      "front",
	FrontLeft:  "front_left",
	Left:       "left",
	Rear:       "rear",
	Right:      "right",
	FrontRight: "front_right",
}

func (s Sector) String() string { return sectorNames[s] }

// Sectors holds the minimum observed distance per sector in millimetres.
// An empty sector reports +Inf: no obstacle known there.
type Sectors map[Sector]float64

// Readings outside these bounds are non-physical and discarded.
const (
	minPlausibleMM = 0.0
	maxPlausibleMM = 8000.0
)

// Thresholds are the policy's tunable clearances. SafetyMM is the side/rear
// clearance below which a sector counts as blocked; FrontClearMM is the
// larger clearance the front sector must strictly exceed before driving
// forward (the robot needs braking room ahead, not just a body length).
type Thresholds struct {
	SafetyMM     float64
	FrontClearMM float64
}

// DefaultThresholds returns the stock tuning.
func DefaultThresholds() Thresholds {
	return Thresholds{SafetyMM: 500, FrontClearMM: 2000}
}

// EvaluateSectors buckets the latest points into the six sectors by
// normalizing each angle into [-180,180) and records the minimum distance
// observed per sector.
func EvaluateSectors(points []state.RangePoint) Sectors {
	sectors := make(Sectors, sectorCount)
	for s := Sector(0); s < sectorCount; s++ {
		sectors[s] = math.Inf(1)
	}

	for _, p := range points {
		if p.Distance <= minPlausibleMM || p.Distance > maxPlausibleMM {
			continue
		}
		s := sectorFor(normalizeAngle(p.Angle))
		if p.Distance < sectors[s] {
			sectors[s] = p.Distance
		}
	}
	return sectors
}

// normalizeAngle maps any angle in degrees into [-180,180).
func normalizeAngle(deg float64) float64 {
	a := math.Mod(deg+180, 360)
	if a < 0 {
		a += 360
	}
	return a - 180
}

// sectorFor assigns a normalized angle to its bucket. Zero degrees is dead
// ahead, positive angles clockwise toward the right side.
func sectorFor(a float64) Sector {
	switch {
	case a >= -30 && a < 30:
		return Front
	case a >= 30 && a < 90:
		return FrontRight
	case a >= 90 && a < 150:
		return Right
	case a >= -90 && a < -30:
		return FrontLeft
	case a >= -150 && a < -90:
		return Left
	default:
		return Rear
	}
}

// Decide is a pure function of the sector minima: same sectors, same
// decision. No history, no hysteresis. Intentionally simple and auditable.
//
// Front clear beyond FrontClearMM: forward. Otherwise turn toward whichever
// side (best of front-left/left vs front-right/right) has more clearance
// beyond SafetyMM, preferring left on a tie; if neither side is clear, back
// out if the rear allows, else stop.
func Decide(sectors Sectors, th Thresholds) drive.Command {
	if sectors[Front] > th.FrontClearMM {
		return drive.Forward
	}

	leftClear := math.Min(sectors[FrontLeft], sectors[Left])
	rightClear := math.Min(sectors[FrontRight], sectors[Right])

	if leftClear > th.SafetyMM || rightClear > th.SafetyMM {
		if leftClear >= rightClear {
			return drive.Left
		}
		return drive.Right
	}

	if sectors[Rear] > th.SafetyMM {
		return drive.Backward
	}
	return drive.Stop
}
