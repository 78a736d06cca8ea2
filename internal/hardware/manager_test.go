package hardware

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parcelworks/sortbot/internal/drive"
	"github.com/parcelworks/sortbot/internal/rangefinder"
	"github.com/parcelworks/sortbot/internal/state"
)

func init() {
	pollInterval = time.Millisecond
}

// fakeMotors records calls and fails on demand.
type fakeMotors struct {
	mu         sync.Mutex
	connectErr error
	sendErr    error
	connected  bool
	sent       []drive.Command
	calls      []string
}

func (f *fakeMotors) Connect(path string, baud int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "connect")
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeMotors) Send(cmd drive.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, cmd)
	return nil
}

func (f *fakeMotors) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeMotors) LastError() string { return "" }

func (f *fakeMotors) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "disconnect")
	f.connected = false
}

// fakeScanner serves a scripted scan and records lifecycle calls.
type fakeScanner struct {
	mu         sync.Mutex
	connectErr error
	startErr   error
	connected  bool
	scanning   bool
	scan       rangefinder.Scan
	calls      []string
}

func (f *fakeScanner) Connect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "connect")
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeScanner) StartScanning() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "start")
	if f.startErr != nil {
		return f.startErr
	}
	f.scanning = true
	return nil
}

func (f *fakeScanner) StopScanning() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "stop")
	f.scanning = false
}

func (f *fakeScanner) Disconnect() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "disconnect")
	f.connected = false
}

func (f *fakeScanner) LatestScan() rangefinder.Scan {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scan
}

func (f *fakeScanner) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeScanner) Status() rangefinder.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return rangefinder.Status{Connected: f.connected, Scanning: f.scanning}
}

func (f *fakeScanner) setConnected(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = v
}

func (f *fakeScanner) setScan(s rangefinder.Scan) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scan = s
}

// orderedAvoider appends its stop into the shared scanner call log so the
// shutdown order is observable.
type orderedAvoider struct {
	scanner *fakeScanner
}

func (o *orderedAvoider) Stop() {
	o.scanner.mu.Lock()
	defer o.scanner.mu.Unlock()
	o.scanner.calls = append(o.scanner.calls, "avoider-stop")
}

func newManager(opts Options) (*Manager, *fakeMotors, *fakeScanner, *state.RobotState) {
	motors := &fakeMotors{}
	scanner := &fakeScanner{}
	robot := state.New()
	return New(opts, motors, scanner, robot), motors, scanner, robot
}

func TestStartAllSimulationMarksConnectedWithoutHardware(t *testing.T) {
	m, motors, scanner, robot := newManager(Options{Simulation: true})
	require.NoError(t, m.StartAll())
	defer m.Shutdown()

	st := robot.Status()
	assert.True(t, st.MotorConnected)
	assert.True(t, st.LidarConnected)
	assert.Equal(t, state.ModeScanning, st.Mode)
	assert.Empty(t, motors.calls, "simulation must not touch the motor link")
	assert.Contains(t, scanner.calls, "start", "the scanner runs synthetic sweeps in simulation")
}

func TestStartAllDegradesOnMotorFailure(t *testing.T) {
	m, motors, _, robot := newManager(Options{MotorPort: "/dev/ttyUSB9", MotorBaud: 115200})
	motors.connectErr = errors.New("no such device")

	require.NoError(t, m.StartAll(), "a missing motor degrades the start, never fails it")
	defer m.Shutdown()

	st := robot.Status()
	assert.False(t, st.MotorConnected)
	assert.True(t, st.LidarConnected)
	assert.Equal(t, state.ModeScanning, st.Mode)
}

func TestStartAllDegradesOnScannerFailure(t *testing.T) {
	m, _, scanner, robot := newManager(Options{MotorPort: "/dev/ttyUSB0", MotorBaud: 115200})
	scanner.connectErr = errors.New("no sensor")

	require.NoError(t, m.StartAll())
	defer m.Shutdown()

	st := robot.Status()
	assert.True(t, st.MotorConnected)
	assert.False(t, st.LidarConnected)
	assert.Equal(t, state.ModeIdle, st.Mode, "nothing to scan with")
}

func TestPollLoopFeedsPointsIntoState(t *testing.T) {
	m, _, scanner, robot := newManager(Options{Simulation: true})
	scanner.setScan(rangefinder.Scan{
		Points:     []state.RangePoint{{Angle: 90, Distance: 1234, Quality: 47}},
		PointCount: 1,
	})

	require.NoError(t, m.StartAll())
	defer m.Shutdown()

	require.Eventually(t, func() bool {
		pts := robot.Points()
		return len(pts) == 1 && pts[0].Distance == 1234
	}, 2*time.Second, time.Millisecond)
}

func TestPollLoopKeepsPreviousSweepOnEmptyDrain(t *testing.T) {
	m, _, scanner, robot := newManager(Options{Simulation: true})
	scanner.setScan(rangefinder.Scan{
		Points:     []state.RangePoint{{Angle: 0, Distance: 800}},
		PointCount: 1,
	})

	require.NoError(t, m.StartAll())
	defer m.Shutdown()

	require.Eventually(t, func() bool { return len(robot.Points()) == 1 },
		2*time.Second, time.Millisecond)

	scanner.setScan(rangefinder.Scan{})
	time.Sleep(10 * time.Millisecond)
	assert.Len(t, robot.Points(), 1, "an empty drain must not blank the display")
}

func TestPollLoopDowngradesDroppedLidar(t *testing.T) {
	m, _, scanner, robot := newManager(Options{MotorPort: "/dev/ttyUSB0", MotorBaud: 115200})
	require.NoError(t, m.StartAll())
	defer m.Shutdown()

	require.True(t, robot.Status().LidarConnected)

	scanner.setConnected(false)
	require.Eventually(t, func() bool { return !robot.Status().LidarConnected },
		2*time.Second, time.Millisecond, "a dropped link must surface within a poll cycle")
}

func TestSendMotorCommandValidatesAndForwards(t *testing.T) {
	m, motors, _, robot := newManager(Options{MotorPort: "/dev/ttyUSB0", MotorBaud: 115200})
	require.NoError(t, m.StartAll())
	defer m.Shutdown()

	require.Error(t, m.SendMotorCommand("warp"))
	assert.Empty(t, motors.sent)

	require.NoError(t, m.SendMotorCommand("forward"))
	assert.Equal(t, []drive.Command{drive.Forward}, motors.sent)
	assert.Equal(t, state.ModeMoving, robot.Status().Mode)

	require.NoError(t, m.StopMotors())
	assert.Equal(t, drive.Stop, motors.sent[len(motors.sent)-1])
	assert.Equal(t, state.ModeIdle, robot.Status().Mode)
}

func TestSendMotorCommandRefusesWhenLinkDown(t *testing.T) {
	m, motors, _, _ := newManager(Options{MotorPort: "/dev/ttyUSB0", MotorBaud: 115200})
	motors.sendErr = drive.ErrNotConnected
	require.NoError(t, m.StartAll())
	defer m.Shutdown()

	err := m.SendMotorCommand("forward")
	require.Error(t, err)
	assert.ErrorIs(t, err, drive.ErrNotConnected)
}

func TestSendMotorCommandSimulationSkipsHardware(t *testing.T) {
	m, motors, _, robot := newManager(Options{Simulation: true})
	require.NoError(t, m.StartAll())
	defer m.Shutdown()

	require.NoError(t, m.SendMotorCommand("left"))
	assert.Empty(t, motors.sent)
	assert.Equal(t, state.ModeMoving, robot.Status().Mode)
}

func TestShutdownOrderAndIdempotence(t *testing.T) {
	m, motors, scanner, robot := newManager(Options{MotorPort: "/dev/ttyUSB0", MotorBaud: 115200})
	m.SetAvoider(&orderedAvoider{scanner: scanner})

	require.NoError(t, m.StartAll())
	m.Shutdown()
	m.Shutdown() // second call is a no-op

	// The avoidance loop stops before the devices it drives go away.
	var order []string
	for _, c := range scanner.calls {
		switch c {
		case "avoider-stop", "stop", "disconnect":
			order = append(order, c)
		}
	}
	assert.Equal(t, []string{"avoider-stop", "stop", "disconnect"}, order)
	assert.Contains(t, motors.calls, "disconnect")

	st := robot.Status()
	assert.Equal(t, state.ModeIdle, st.Mode)
	assert.False(t, st.MotorConnected)
	assert.False(t, st.LidarConnected)
}

func TestShutdownBeforeStartIsSafe(t *testing.T) {
	m, motors, scanner, _ := newManager(Options{})
	assert.NotPanics(t, func() { m.Shutdown() })
	assert.Empty(t, motors.calls)
	assert.Empty(t, scanner.calls)
}

func TestStartAllIdempotent(t *testing.T) {
	m, _, scanner, _ := newManager(Options{Simulation: true})
	require.NoError(t, m.StartAll())
	defer m.Shutdown()
	require.NoError(t, m.StartAll())

	connects := 0
	scanner.mu.Lock()
	for _, c := range scanner.calls {
		if c == "connect" {
			connects++
		}
	}
	scanner.mu.Unlock()
	assert.Equal(t, 1, connects)
}
