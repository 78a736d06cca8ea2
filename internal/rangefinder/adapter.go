package rangefinder

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/parcelworks/sortbot/internal/monitoring"
	"github.com/parcelworks/sortbot/internal/serialport"
	"github.com/parcelworks/sortbot/internal/state"
)

const (
	// joinTimeout bounds the wait on the reader loop during StopScanning.
	joinTimeout = 3 * time.Second

	// snapshotMaxPoints caps how many points one snapshot drains.
	snapshotMaxPoints = 720

	// DefaultObstacleThresholdMM marks points closer than this as obstacles.
	// Tunable via Config rather than hardcoded.
	DefaultObstacleThresholdMM = 1000.0

	// DefaultQueueCapacity is the bounded point buffer size.
	DefaultQueueCapacity = 1000
)

// Config describes one range sensor attachment.
type Config struct {
	// Port is a device path, or "auto" to run detection.
	Port string `yaml:"port"`
	// Baud is the serial speed; must be positive.
	Baud int `yaml:"baud"`
	// QueueCapacity bounds the decoded point buffer; must be positive.
	// Zero selects DefaultQueueCapacity.
	QueueCapacity int `yaml:"queue_capacity"`
	// ObstacleThresholdMM marks points nearer than this as obstacles.
	// Zero selects DefaultObstacleThresholdMM.
	ObstacleThresholdMM float64 `yaml:"obstacle_threshold_mm"`
	// Simulate runs the adapter against a synthetic sweep generator instead
	// of hardware.
	Simulate bool `yaml:"simulate"`
}

// validate reports the first offending field: misconfiguration is loud and
// immediate, never clamped silently.
func (c Config) validate() error {
	if c.Port == "" {
		return fmt.Errorf("rangefinder config: port must be a device path or \"auto\"")
	}
	if c.Baud <= 0 {
		return fmt.Errorf("rangefinder config: baud %d: must be positive", c.Baud)
	}
	if c.QueueCapacity < 0 {
		return fmt.Errorf("rangefinder config: queue capacity %d: must be positive", c.QueueCapacity)
	}
	if c.ObstacleThresholdMM < 0 {
		return fmt.Errorf("rangefinder config: obstacle threshold %v: must be positive", c.ObstacleThresholdMM)
	}
	return nil
}

// ScanStats summarizes the distances in one snapshot.
type ScanStats struct {
	MinDistance  float64 `json:"min_distance"`
	MeanDistance float64 `json:"mean_distance"`
	MaxDistance  float64 `json:"max_distance"`
}

// Scan is one structured snapshot of the latest decoded points.
type Scan struct {
	ID         uuid.UUID          `json:"id"`
	Points     []state.RangePoint `json:"points"`
	Timestamp  time.Time          `json:"timestamp"`
	PointCount int                `json:"point_count"`
	Obstacles  []state.RangePoint `json:"obstacles"`
	Stats      ScanStats          `json:"stats"`
}

// Status reports the adapter's current lifecycle state.
type Status struct {
	Connected     bool    `json:"connected"`
	Scanning      bool    `json:"scanning"`
	Port          string  `json:"port"`
	LastError     string  `json:"last_error,omitempty"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// Adapter wraps a Reader with lifecycle management, snapshot assembly, and
// an optional snapshot callback. In simulation mode it generates a synthetic
// sweep instead of touching hardware.
type Adapter struct {
	cfg    Config
	reader *Reader
	ring   *pointRing // simulation buffer; reader owns its own ring

	mu          sync.Mutex
	connected   bool
	scanning    bool
	connectedAt time.Time
	lastError   string
	callback    func(Scan)
	simStop     chan struct{}
	simDone     chan struct{}
}

// NewAdapter validates the config and builds the adapter. Construction-time
// misconfiguration is the only error this returns; hardware absence is
// reported later through Status.
func NewAdapter(cfg Config, opener serialport.Opener) (*Adapter, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.QueueCapacity == 0 {
		cfg.QueueCapacity = DefaultQueueCapacity
	}
	if cfg.ObstacleThresholdMM == 0 {
		cfg.ObstacleThresholdMM = DefaultObstacleThresholdMM
	}

	a := &Adapter{cfg: cfg}
	if cfg.Simulate {
		a.ring = newPointRing(cfg.QueueCapacity)
		return a, nil
	}

	path := cfg.Port
	if path == "auto" {
		detected, err := AutoDetect(cfg.Baud)
		if err != nil {
			// Detection failure is a connection-class problem: record it and
			// let Connect report the degraded state.
			monitoring.Logf("rangefinder: auto-detection failed: %v", err)
			a.lastError = err.Error()
			path = DefaultFallbackPaths[0]
		} else {
			path = detected
		}
	}
	a.reader = NewReader(path, cfg.Baud, cfg.QueueCapacity, opener)
	return a, nil
}

// Connect opens the sensor link. Idempotent; in simulation mode it succeeds
// without hardware.
func (a *Adapter) Connect() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.connected {
		return nil
	}

	if !a.cfg.Simulate {
		if err := a.reader.Connect(); err != nil {
			a.lastError = err.Error()
			return err
		}
	}

	a.connected = true
	a.connectedAt = time.Now()
	a.lastError = ""
	return nil
}

// StartScanning arms the sensor and begins buffering points.
func (a *Adapter) StartScanning() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.connected {
		return ErrNotConnected
	}
	if a.scanning {
		return nil
	}

	if a.cfg.Simulate {
		a.simStop = make(chan struct{})
		a.simDone = make(chan struct{})
		go simulateSweep(a.ring, a.simStop, a.simDone)
	} else if err := a.reader.StartScan(); err != nil {
		a.lastError = err.Error()
		return err
	}

	a.scanning = true
	return nil
}

// StopScanning disarms the sensor and joins the background loop, waiting at
// most joinTimeout. A timed-out join is logged and abandoned rather than
// hanging shutdown. Idempotent.
func (a *Adapter) StopScanning() {
	a.mu.Lock()
	if !a.scanning {
		a.mu.Unlock()
		return
	}
	a.scanning = false

	var done <-chan struct{}
	if a.cfg.Simulate {
		close(a.simStop)
		done = a.simDone
	} else {
		a.reader.StopScan()
		done = a.reader.Done()
	}
	a.mu.Unlock()

	if done == nil {
		return
	}
	select {
	case <-done:
	case <-time.After(joinTimeout):
		monitoring.Logf("rangefinder: scan loop did not stop within %v, abandoning join", joinTimeout)
	}
}

// Disconnect stops scanning and closes the link. Idempotent.
func (a *Adapter) Disconnect() {
	a.StopScanning()

	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.connected {
		return
	}
	if !a.cfg.Simulate {
		a.reader.Disconnect()
	}
	a.connected = false
}

// OnScan registers fn to receive each snapshot assembled by LatestScan.
// At most one callback is held; registering replaces the previous one, nil
// unregisters. Callback panics are caught and logged, never propagated.
func (a *Adapter) OnScan(fn func(Scan)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.callback = fn
}

// LatestScan assembles a snapshot from the buffered points: the points
// themselves, the subset nearer than the obstacle threshold, and distance
// statistics.
func (a *Adapter) LatestScan() Scan {
	var points []state.RangePoint
	if a.cfg.Simulate {
		points = a.ring.drain(snapshotMaxPoints)
	} else {
		points = a.reader.Latest(snapshotMaxPoints)
	}

	scan := Scan{
		ID:         uuid.New(),
		Points:     points,
		Timestamp:  time.Now().UTC(),
		PointCount: len(points),
	}

	threshold := a.cfg.ObstacleThresholdMM
	distances := make([]float64, 0, len(points))
	for _, p := range points {
		distances = append(distances, p.Distance)
		if p.Distance < threshold {
			scan.Obstacles = append(scan.Obstacles, p)
		}
	}
	if len(distances) > 0 {
		scan.Stats = ScanStats{
			MinDistance:  floats.Min(distances),
			MeanDistance: stat.Mean(distances, nil),
			MaxDistance:  floats.Max(distances),
		}
	}

	a.mu.Lock()
	cb := a.callback
	a.mu.Unlock()
	if cb != nil {
		a.deliver(cb, scan)
	}

	return scan
}

// deliver invokes the callback, containing any panic at the boundary.
func (a *Adapter) deliver(cb func(Scan), scan Scan) {
	defer func() {
		if rec := recover(); rec != nil {
			monitoring.Logf("rangefinder: scan callback panicked: %v", rec)
		}
	}()
	cb(scan)
}

// Status reports connected/scanning/port/last-error/uptime. It never fails:
// a supervising layer can always render what is connected right now.
func (a *Adapter) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := Status{
		Connected: a.connected,
		Scanning:  a.scanning,
		Port:      a.cfg.Port,
		LastError: a.lastError,
	}
	if !a.cfg.Simulate && a.reader != nil {
		// The reader may have dropped the link behind our back; its word is
		// authoritative for connectivity.
		s.Connected = a.connected && a.reader.Connected()
		if le := a.reader.LastError(); le != "" {
			s.LastError = le
		}
		s.Port = a.reader.path
	}
	if s.Connected && !a.connectedAt.IsZero() {
		s.UptimeSeconds = time.Since(a.connectedAt).Seconds()
	}
	return s
}

// Connected reports the adapter's live connectivity, consulting the reader
// so a stream drop is visible the moment it happens.
func (a *Adapter) Connected() bool {
	return a.Status().Connected
}

// simulateSweep produces a plausible rotating sweep at ~10 revolutions per
// second of wall time: an open room with one nearby obstacle ahead.
func simulateSweep(ring *pointRing, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for deg := 0; deg < 360; deg += 2 {
				distance := 3000.0 + 500.0*math.Sin(float64(deg)/180.0*math.Pi)
				if deg >= 350 || deg <= 10 {
					distance = 600.0 // obstacle straight ahead
				}
				ring.push(state.RangePoint{
					Angle:    float64(deg),
					Distance: distance,
					Quality:  47,
				})
			}
		}
	}
}
