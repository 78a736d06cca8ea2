package nav

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parcelworks/sortbot/internal/drive"
	"github.com/parcelworks/sortbot/internal/state"
)

func TestEvaluateSectorsBucketsAndMinima(t *testing.T) {
	points := []state.RangePoint{
		{Angle: 0, Distance: 1500},
		{Angle: 10, Distance: 900}, // front minimum
		{Angle: 45, Distance: 2200},
		{Angle: 120, Distance: 3100},
		{Angle: 315, Distance: 700}, // normalizes to -45, front_left
		{Angle: 250, Distance: 1800},
		{Angle: 180, Distance: 4000},
	}

	sectors := EvaluateSectors(points)

	assert.Equal(t, 900.0, sectors[Front])
	assert.Equal(t, 2200.0, sectors[FrontRight])
	assert.Equal(t, 3100.0, sectors[Right])
	assert.Equal(t, 700.0, sectors[FrontLeft])
	assert.Equal(t, 1800.0, sectors[Left])
	assert.Equal(t, 4000.0, sectors[Rear])
}

func TestEvaluateSectorsEmptySectorIsInfinite(t *testing.T) {
	sectors := EvaluateSectors(nil)
	require.Len(t, sectors, int(sectorCount))
	for s, d := range sectors {
		assert.True(t, math.IsInf(d, 1), "sector %s must report +Inf when empty", s)
	}
}

func TestEvaluateSectorsDropsImplausibleReadings(t *testing.T) {
	points := []state.RangePoint{
		{Angle: 0, Distance: 0},     // non-reading
		{Angle: 0, Distance: -50},   // non-physical
		{Angle: 0, Distance: 9500},  // beyond plausible range
		{Angle: 0, Distance: 1200},  // the only keeper
	}

	sectors := EvaluateSectors(points)
	assert.Equal(t, 1200.0, sectors[Front])
}

func TestNormalizeAngle(t *testing.T) {
	cases := []struct {
		in, want float64
	}{
		{0, 0},
		{180, -180},
		{-180, -180},
		{359, -1},
		{360, 0},
		{540, -180},
		{-541, 179},
		{90, 90},
		{270, -90},
	}
	for _, tc := range cases {
		assert.InDelta(t, tc.want, normalizeAngle(tc.in), 1e-9, "normalizeAngle(%v)", tc.in)
	}
}

func TestDecideForwardWhenFrontClear(t *testing.T) {
	sectors := Sectors{
		Front:      2500,
		FrontLeft:  300,
		Left:       300,
		FrontRight: 300,
		Right:      300,
		Rear:       300,
	}
	assert.Equal(t, drive.Forward, Decide(sectors, DefaultThresholds()))
}

func TestDecideTurnsTowardClearerSide(t *testing.T) {
	// Front blocked at exactly the clear threshold, right side wide open.
	sectors := Sectors{
		Front:      2000,
		FrontLeft:  100,
		Left:       100,
		FrontRight: 3000,
		Right:      3000,
		Rear:       5000,
	}
	assert.Equal(t, drive.Right, Decide(sectors, DefaultThresholds()))

	// Mirror image turns left.
	sectors = Sectors{
		Front:      2000,
		FrontLeft:  3000,
		Left:       3000,
		FrontRight: 100,
		Right:      100,
		Rear:       5000,
	}
	assert.Equal(t, drive.Left, Decide(sectors, DefaultThresholds()))
}

func TestDecidePrefersLeftOnTie(t *testing.T) {
	sectors := Sectors{
		Front:      800,
		FrontLeft:  1500,
		Left:       1500,
		FrontRight: 1500,
		Right:      1500,
		Rear:       5000,
	}
	assert.Equal(t, drive.Left, Decide(sectors, DefaultThresholds()))
}

func TestDecideSideUsesWorstOfItsPair(t *testing.T) {
	// Left looks open straight out but the front-left quadrant is blocked;
	// the pair minimum must govern.
	sectors := Sectors{
		Front:      800,
		FrontLeft:  200,
		Left:       4000,
		FrontRight: 1200,
		Right:      1200,
		Rear:       5000,
	}
	assert.Equal(t, drive.Right, Decide(sectors, DefaultThresholds()))
}

func TestDecideBackwardWhenBoxedInFrontAndSides(t *testing.T) {
	sectors := Sectors{
		Front:      400,
		FrontLeft:  300,
		Left:       300,
		FrontRight: 300,
		Right:      300,
		Rear:       2000,
	}
	assert.Equal(t, drive.Backward, Decide(sectors, DefaultThresholds()))
}

func TestDecideStopWhenFullySurrounded(t *testing.T) {
	sectors := Sectors{
		Front:      400,
		FrontLeft:  300,
		Left:       300,
		FrontRight: 300,
		Right:      300,
		Rear:       450,
	}
	assert.Equal(t, drive.Stop, Decide(sectors, DefaultThresholds()))
}

func TestDecideEmptySweepDrivesForward(t *testing.T) {
	// No points at all: every sector is +Inf, the path ahead counts as clear.
	assert.Equal(t, drive.Forward, Decide(EvaluateSectors(nil), DefaultThresholds()))
}

func TestDecideIsDeterministic(t *testing.T) {
	sectors := Sectors{
		Front:      1200,
		FrontLeft:  600,
		Left:       900,
		FrontRight: 550,
		Right:      2100,
		Rear:       3000,
	}
	first := Decide(sectors, DefaultThresholds())
	for i := 0; i < 50; i++ {
		assert.Equal(t, first, Decide(sectors, DefaultThresholds()))
	}
}
