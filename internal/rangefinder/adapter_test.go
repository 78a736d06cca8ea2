package rangefinder

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parcelworks/sortbot/internal/serialport"
)

func simAdapter(t *testing.T) *Adapter {
	t.Helper()
	a, err := NewAdapter(Config{Port: "auto", Baud: 115200, Simulate: true}, nil)
	require.NoError(t, err)
	return a
}

func TestNewAdapterValidatesConfig(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		want string
	}{
		{"empty port", Config{Baud: 115200}, "port"},
		{"bad baud", Config{Port: "auto", Baud: -1}, "baud"},
		{"bad capacity", Config{Port: "auto", Baud: 115200, QueueCapacity: -5}, "queue capacity"},
		{"bad threshold", Config{Port: "auto", Baud: 115200, ObstacleThresholdMM: -1}, "obstacle threshold"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewAdapter(tc.cfg, nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestAdapterSimulatedLifecycle(t *testing.T) {
	a := simAdapter(t)

	require.NoError(t, a.Connect())
	require.NoError(t, a.Connect(), "connect must be idempotent")
	require.NoError(t, a.StartScanning())
	require.NoError(t, a.StartScanning(), "double start must be a no-op")

	require.Eventually(t, func() bool {
		return a.LatestScan().PointCount > 0
	}, 2*time.Second, 20*time.Millisecond)

	st := a.Status()
	assert.True(t, st.Connected)
	assert.True(t, st.Scanning)
	assert.GreaterOrEqual(t, st.UptimeSeconds, 0.0)

	a.StopScanning()
	a.StopScanning() // idempotent
	a.Disconnect()
	a.Disconnect() // idempotent
	assert.False(t, a.Status().Connected)
}

func TestLatestScanObstaclesAndStats(t *testing.T) {
	a := simAdapter(t)
	require.NoError(t, a.Connect())
	require.NoError(t, a.StartScanning())

	var scan Scan
	require.Eventually(t, func() bool {
		scan = a.LatestScan()
		return scan.PointCount > 100
	}, 2*time.Second, 20*time.Millisecond)
	defer a.Disconnect()

	assert.NotEqual(t, scan.ID.String(), "00000000-0000-0000-0000-000000000000")
	assert.Len(t, scan.Points, scan.PointCount)
	assert.NotEmpty(t, scan.Obstacles, "the simulated sweep places an obstacle ahead")
	for _, p := range scan.Obstacles {
		assert.Less(t, p.Distance, DefaultObstacleThresholdMM)
	}
	assert.Greater(t, scan.Stats.MeanDistance, scan.Stats.MinDistance)
	assert.GreaterOrEqual(t, scan.Stats.MaxDistance, scan.Stats.MeanDistance)
}

func TestOnScanReplaceAndPanicContainment(t *testing.T) {
	a := simAdapter(t)
	require.NoError(t, a.Connect())
	require.NoError(t, a.StartScanning())
	defer a.Disconnect()

	first := 0
	a.OnScan(func(Scan) { first++ })
	a.LatestScan()
	assert.Equal(t, 1, first)

	// Replace-on-register: the first callback must not fire again.
	second := 0
	a.OnScan(func(Scan) {
		second++
		panic("consumer bug")
	})
	assert.NotPanics(t, func() { a.LatestScan() }, "callback panics stay at the boundary")
	assert.Equal(t, 1, first)
	assert.Equal(t, 1, second)
}

func TestAdapterReportsReaderDrop(t *testing.T) {
	tp := serialport.NewTestPort()
	a, err := NewAdapter(Config{Port: "/dev/ttyUSB0", Baud: 115200}, tp.Opener())
	require.NoError(t, err)

	require.NoError(t, a.Connect())
	require.NoError(t, a.StartScanning())
	assert.True(t, a.Connected())

	// Kill the stream; the adapter must report the drop without being asked
	// to reconnect.
	tp.Close()
	require.Eventually(t, func() bool { return !a.Connected() },
		3*time.Second, 10*time.Millisecond)
	assert.NotEmpty(t, a.Status().LastError)

	a.Disconnect()
}

func TestStopScanningBounded(t *testing.T) {
	a := simAdapter(t)
	require.NoError(t, a.Connect())
	require.NoError(t, a.StartScanning())

	start := time.Now()
	a.StopScanning()
	assert.Less(t, time.Since(start), joinTimeout+time.Second)
}
