package state

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func boolPtr(b bool) *bool { return &b }

func modePtr(m Mode) *Mode { return &m }

func floatPtr(f float64) *float64 { return &f }

func strPtr(s string) *string { return &s }

func TestNewStartsIdle(t *testing.T) {
	s := New()
	st := s.Status()

	assert.Equal(t, ModeIdle, st.Mode)
	assert.False(t, st.MotorConnected)
	assert.False(t, st.Timestamp.IsZero())
}

func TestUpdateStatusPartial(t *testing.T) {
	s := New()

	require.NoError(t, s.UpdateStatus(StatusUpdate{
		Mode:           modePtr(ModeMoving),
		MotorConnected: boolPtr(true),
	}))
	require.NoError(t, s.UpdateStatus(StatusUpdate{
		BatteryVoltage: floatPtr(11.7),
	}))

	st := s.Status()
	assert.Equal(t, ModeMoving, st.Mode, "mode must survive an unrelated update")
	assert.True(t, st.MotorConnected)
	require.NotNil(t, st.BatteryVoltage)
	assert.InDelta(t, 11.7, *st.BatteryVoltage, 1e-9)
}

func TestUpdateStatusRejectsInvalidMode(t *testing.T) {
	s := New()
	before := s.Status()

	err := s.UpdateStatus(StatusUpdate{Mode: modePtr(Mode("sleeping")), LastError: strPtr("x")})
	require.Error(t, err)

	after := s.Status()
	assert.Equal(t, before.Mode, after.Mode)
	assert.Empty(t, after.LastError, "a rejected update must change nothing")
}

// Concurrent writers touching disjoint fields must never leave the snapshot
// timestamp behind the most recent write.
func TestStatusTimestampFreshUnderConcurrency(t *testing.T) {
	s := New()
	start := time.Now().UTC()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				var u StatusUpdate
				if i%2 == 0 {
					u.MotorConnected = boolPtr(j%2 == 0)
				} else {
					u.LidarConnected = boolPtr(j%2 == 0)
				}
				require.NoError(t, s.UpdateStatus(u))
			}
		}(i)
	}
	wg.Wait()

	st := s.Status()
	assert.False(t, st.Timestamp.Before(start))
}

func TestPointsReplacedWholesale(t *testing.T) {
	s := New()
	pts := []RangePoint{{Angle: 10, Distance: 900, Quality: 40}}
	s.SetPoints(pts)

	got := s.Points()
	if diff := cmp.Diff(pts, got); diff != "" {
		t.Fatalf("points mismatch (-want +got):\n%s", diff)
	}

	// Mutating the returned copy must not affect the stored set.
	got[0].Distance = 1
	assert.InDelta(t, 900, s.Points()[0].Distance, 1e-9)
}

func TestVisionDeepCopy(t *testing.T) {
	s := New()
	s.UpdateVision(VisionUpdate{
		LastScan: &ScanRecord{Payload: json.RawMessage(`{"label":"ABC-123"}`)},
	})

	v := s.Vision()
	require.NotNil(t, v.LastScan)
	v.LastScan.Payload[2] = 'x'

	fresh := s.Vision()
	assert.JSONEq(t, `{"label":"ABC-123"}`, string(fresh.LastScan.Payload))
}
