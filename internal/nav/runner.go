package nav

import (
	"sync"
	"time"

	"github.com/parcelworks/sortbot/internal/drive"
	"github.com/parcelworks/sortbot/internal/monitoring"
	"github.com/parcelworks/sortbot/internal/state"
)

// DefaultInterval is the re-evaluation cadence of the continuous runner.
const DefaultInterval = 100 * time.Millisecond

// runnerJoinTimeout bounds the wait on the loop during Stop.
const runnerJoinTimeout = 2 * time.Second

// CommandSender is the slice of the drive controller the runner needs.
type CommandSender interface {
	Send(cmd drive.Command) error
}

// Runner re-evaluates the policy on a fixed interval, translating each
// decision into a motor command. It logs decisions only when they change to
// avoid flooding at 10 Hz.
type Runner struct {
	robot    *state.RobotState
	motors   CommandSender
	th       Thresholds
	interval time.Duration

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

// NewRunner builds a stopped Runner. A zero interval selects
// DefaultInterval; zero thresholds select DefaultThresholds.
func NewRunner(robot *state.RobotState, motors CommandSender, th Thresholds, interval time.Duration) *Runner {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if th == (Thresholds{}) {
		th = DefaultThresholds()
	}
	return &Runner{robot: robot, motors: motors, th: th, interval: interval}
}

// Start launches the control loop. Idempotent.
func (r *Runner) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return
	}
	r.running = true
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	go r.loop(r.stop, r.done)
	monitoring.Logf("nav: obstacle avoidance started (interval %v, safety %.0fmm)", r.interval, r.th.SafetyMM)
}

// Running reports whether the loop is live.
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

// Stop signals the loop and joins it with a bounded wait. Idempotent; a
// best-effort stop command is issued to the motors on the way out.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	stop, done := r.stop, r.done
	r.mu.Unlock()

	close(stop)
	select {
	case <-done:
	case <-time.After(runnerJoinTimeout):
		monitoring.Logf("nav: control loop did not stop within %v, abandoning join", runnerJoinTimeout)
	}

	if err := r.motors.Send(drive.Stop); err != nil {
		monitoring.Debugf("nav: stop command on shutdown: %v", err)
	}
	monitoring.Logf("nav: obstacle avoidance stopped")
}

func (r *Runner) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	var last drive.Command
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		points := r.robot.Points()
		decision := Decide(EvaluateSectors(points), r.th)

		if decision != last {
			monitoring.Logf("nav: decision %s -> %s (%d points)", last, decision, len(points))
			last = decision
		}

		if err := r.motors.Send(decision); err != nil {
			// A broken link is reported through status by the drive layer;
			// keep evaluating so commands resume after a reconnect.
			monitoring.Debugf("nav: send %s: %v", decision, err)
		}
	}
}
