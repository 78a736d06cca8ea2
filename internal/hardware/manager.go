// Package hardware orchestrates the robot's devices: motor link, range
// sensor, and host telemetry. The Manager owns the device lifecycles and
// the poll loop feeding the shared state snapshot; nothing else in the
// process touches a sensor directly.
package hardware

import (
	"fmt"
	"sync"
	"time"

	"github.com/parcelworks/sortbot/internal/drive"
	"github.com/parcelworks/sortbot/internal/monitoring"
	"github.com/parcelworks/sortbot/internal/rangefinder"
	"github.com/parcelworks/sortbot/internal/state"
	"github.com/parcelworks/sortbot/internal/telemetry"
)

// pollInterval is the sensor poll cadence. Variable so tests can shorten it.
var pollInterval = 50 * time.Millisecond

// telemetryEvery is how many poll cycles pass between host health samples.
// Host telemetry is cheap but not 20 Hz cheap.
const telemetryEvery = 100

// shutdownJoinTimeout bounds the wait on the poll loop during Shutdown.
const shutdownJoinTimeout = 3 * time.Second

// sampleHost is swappable for tests.
var sampleHost = telemetry.Sample

// MotorController is the slice of the drive controller the manager uses.
type MotorController interface {
	Connect(path string, baud int) error
	Send(cmd drive.Command) error
	Connected() bool
	LastError() string
	Disconnect()
}

// RangeScanner is the slice of the rangefinder adapter the manager uses.
type RangeScanner interface {
	Connect() error
	StartScanning() error
	StopScanning()
	Disconnect()
	LatestScan() rangefinder.Scan
	Connected() bool
	Status() rangefinder.Status
}

// Avoider is a running obstacle-avoidance loop the manager must stop first
// during shutdown, before the devices it drives go away.
type Avoider interface {
	Stop()
}

// Options selects between simulated and real hardware and names the motor
// link. The rangefinder's own configuration lives in its adapter.
type Options struct {
	Simulation bool
	MotorPort  string
	MotorBaud  int
}

// Manager owns the devices exclusively. Exactly one Manager exists per
// process, constructed in main and passed by reference.
type Manager struct {
	opts    Options
	motors  MotorController
	scanner RangeScanner
	robot   *state.RobotState

	mu      sync.Mutex
	started bool
	avoider Avoider
	stop    chan struct{}
	done    chan struct{}
}

// New builds a stopped Manager.
func New(opts Options, motors MotorController, scanner RangeScanner, robot *state.RobotState) *Manager {
	return &Manager{opts: opts, motors: motors, scanner: scanner, robot: robot}
}

// SetAvoider registers the avoidance loop to stop first on Shutdown.
func (m *Manager) SetAvoider(a Avoider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.avoider = a
}

// StartAll brings up every device and spawns the poll loop. In simulation
// both devices are marked connected without touching hardware. A motor that
// fails to connect degrades the start rather than failing it: the robot can
// still scan and report. Idempotent.
func (m *Manager) StartAll() error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = true
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	stop, done := m.stop, m.done
	m.mu.Unlock()

	motorUp := false
	if m.opts.Simulation {
		motorUp = true
		monitoring.Logf("hardware: simulation mode, skipping motor hardware")
	} else if err := m.motors.Connect(m.opts.MotorPort, m.opts.MotorBaud); err != nil {
		monitoring.Logf("hardware: motor connect failed, continuing degraded: %v", err)
	} else {
		motorUp = true
	}

	lidarUp := false
	if err := m.scanner.Connect(); err != nil {
		monitoring.Logf("hardware: rangefinder connect failed, continuing degraded: %v", err)
	} else if err := m.scanner.StartScanning(); err != nil {
		monitoring.Logf("hardware: rangefinder scan start failed, continuing degraded: %v", err)
	} else {
		lidarUp = true
	}

	mode := state.ModeIdle
	if lidarUp {
		mode = state.ModeScanning
	}
	if err := m.robot.UpdateStatus(state.StatusUpdate{
		Mode:           &mode,
		MotorConnected: &motorUp,
		LidarConnected: &lidarUp,
	}); err != nil {
		monitoring.Logf("hardware: status update: %v", err)
	}

	go m.pollLoop(stop, done)
	monitoring.Logf("hardware: started (motor=%v lidar=%v simulation=%v)",
		motorUp, lidarUp, m.opts.Simulation)
	return nil
}

// pollLoop drains the scanner into the shared snapshot at 20 Hz, re-checks
// device connectivity every cycle, and samples host telemetry on a slower
// cadence.
func (m *Manager) pollLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	cycle := 0
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		cycle++

		scan := m.scanner.LatestScan()
		if scan.PointCount > 0 {
			// An empty drain keeps the previous sweep on display rather than
			// flashing the point set to nothing between revolutions.
			m.robot.SetPoints(scan.Points)
		}

		if !m.opts.Simulation {
			m.syncConnectivity()
		}

		if cycle%telemetryEvery == 0 {
			h := sampleHost()
			if err := m.robot.UpdateStatus(state.StatusUpdate{Host: &h}); err != nil {
				monitoring.Logf("hardware: telemetry update: %v", err)
			}
		}
	}
}

// syncConnectivity mirrors live device state into the snapshot, so a link
// dropped behind the manager's back shows up within one poll cycle.
func (m *Manager) syncConnectivity() {
	motorUp := m.motors.Connected()
	lidarUp := m.scanner.Connected()

	st := m.robot.Status()
	if st.MotorConnected == motorUp && st.LidarConnected == lidarUp {
		return
	}

	update := state.StatusUpdate{
		MotorConnected: &motorUp,
		LidarConnected: &lidarUp,
	}
	if lastErr := m.deviceError(); lastErr != "" {
		update.LastError = &lastErr
	}
	if err := m.robot.UpdateStatus(update); err != nil {
		monitoring.Logf("hardware: connectivity update: %v", err)
	}
	monitoring.Logf("hardware: connectivity changed (motor=%v lidar=%v)", motorUp, lidarUp)
}

// deviceError returns the most interesting device failure for the snapshot.
func (m *Manager) deviceError() string {
	if le := m.scanner.Status().LastError; le != "" {
		return le
	}
	return m.motors.LastError()
}

// SendMotorCommand validates and forwards one motor command. In simulation
// the command is accepted and reflected in the mode without hardware.
func (m *Manager) SendMotorCommand(name string) error {
	cmd, err := drive.ParseCommand(name)
	if err != nil {
		return err
	}

	if !m.opts.Simulation {
		if err := m.motors.Send(cmd); err != nil {
			return fmt.Errorf("hardware: motor command %q: %w", cmd, err)
		}
	}

	mode := state.ModeMoving
	if cmd == drive.Stop {
		mode = state.ModeIdle
	}
	if err := m.robot.UpdateStatus(state.StatusUpdate{Mode: &mode}); err != nil {
		monitoring.Logf("hardware: mode update: %v", err)
	}
	return nil
}

// StopMotors issues an immediate stop.
func (m *Manager) StopMotors() error {
	return m.SendMotorCommand(string(drive.Stop))
}

// Shutdown tears everything down in dependency order: the avoidance loop
// first (it drives the motors), then scanning, then the motor link, then the
// snapshot is marked idle. Idempotent; each step proceeds even if the
// previous one timed out.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	avoider := m.avoider
	stop, done := m.stop, m.done
	m.mu.Unlock()

	if avoider != nil {
		avoider.Stop()
	}

	close(stop)
	select {
	case <-done:
	case <-time.After(shutdownJoinTimeout):
		monitoring.Logf("hardware: poll loop did not stop within %v, abandoning join", shutdownJoinTimeout)
	}

	m.scanner.StopScanning()
	m.scanner.Disconnect()
	m.motors.Disconnect()

	mode := state.ModeIdle
	motorDown, lidarDown := false, false
	if err := m.robot.UpdateStatus(state.StatusUpdate{
		Mode:           &mode,
		MotorConnected: &motorDown,
		LidarConnected: &lidarDown,
	}); err != nil {
		monitoring.Logf("hardware: shutdown status update: %v", err)
	}
	monitoring.Logf("hardware: shutdown complete")
}
