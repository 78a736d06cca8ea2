// Package state holds the single shared snapshot of the robot read by the
// HTTP layer and the avoidance policy. One instance lives for the whole
// process and is passed explicitly to every component that needs it.
package state

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Mode is the robot's coarse operating mode.
type Mode string

const (
	ModeIdle     Mode = "idle"
	ModeMoving   Mode = "moving"
	ModeScanning Mode = "scanning"
	ModeError    Mode = "error"
)

// Valid reports whether m is one of the four accepted modes.
func (m Mode) Valid() bool {
	switch m {
	case ModeIdle, ModeMoving, ModeScanning, ModeError:
		return true
	}
	return false
}

// RangePoint is one angle/distance/quality sample from the rotating range
// sensor. Immutable once created.
type RangePoint struct {
	Angle    float64 `json:"angle"`    // degrees, [0,360)
	Distance float64 `json:"distance"` // millimetres
	Quality  int     `json:"quality"`
}

// HostHealth carries coarse host telemetry sampled alongside the sensors.
type HostHealth struct {
	Load1   float64 `json:"load_1"`
	CPUTemp float64 `json:"cpu_temp_c"`
}

// RobotStatus is the drive/sensor side of the snapshot.
type RobotStatus struct {
	Mode            Mode       `json:"mode"`
	BatteryVoltage  *float64   `json:"battery_voltage,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
	MotorConnected  bool       `json:"motor_connected"`
	LidarConnected  bool       `json:"lidar_connected"`
	CameraConnected bool       `json:"camera_connected"`
	Host            HostHealth `json:"host"`
	Timestamp       time.Time  `json:"timestamp"`
}

// ScanRecord is an opaque result pushed by the OCR collaborator. The core
// stores and serves it without inspecting the payload.
type ScanRecord struct {
	ID      uuid.UUID       `json:"id"`
	Time    time.Time       `json:"time"`
	Payload json.RawMessage `json:"payload"`
}

// VisionState is the camera side of the snapshot.
type VisionState struct {
	CameraConnected bool        `json:"camera_connected"`
	CameraIndex     *int        `json:"camera_index,omitempty"`
	StreamActive    bool        `json:"stream_active"`
	LastScan        *ScanRecord `json:"last_scan,omitempty"`
}

// StatusUpdate is a field mask for RobotState.UpdateStatus: only non-nil
// fields are applied.
type StatusUpdate struct {
	Mode            *Mode
	BatteryVoltage  *float64
	LastError       *string
	MotorConnected  *bool
	LidarConnected  *bool
	CameraConnected *bool
	Host            *HostHealth
}

// VisionUpdate is a field mask for RobotState.UpdateVision.
type VisionUpdate struct {
	CameraConnected *bool
	CameraIndex     *int
	StreamActive    *bool
	LastScan        *ScanRecord
}

// RobotState aggregates the status, vision state, and the current point set
// behind one mutex. Readers always receive deep copies; the point slice is
// replaced wholesale and never mutated in place.
type RobotState struct {
	mu     sync.Mutex
	status RobotStatus
	vision VisionState
	points []RangePoint
}

// New returns a RobotState starting in idle mode.
func New() *RobotState {
	return &RobotState{
		status: RobotStatus{
			Mode:      ModeIdle,
			Timestamp: time.Now().UTC(),
		},
	}
}

// UpdateStatus applies the supplied fields and refreshes the timestamp.
// An invalid mode is rejected and nothing is changed.
func (s *RobotState) UpdateStatus(u StatusUpdate) error {
	if u.Mode != nil && !u.Mode.Valid() {
		return fmt.Errorf("invalid mode %q: must be one of idle, moving, scanning, error", *u.Mode)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if u.Mode != nil {
		s.status.Mode = *u.Mode
	}
	if u.BatteryVoltage != nil {
		v := *u.BatteryVoltage
		s.status.BatteryVoltage = &v
	}
	if u.LastError != nil {
		s.status.LastError = *u.LastError
	}
	if u.MotorConnected != nil {
		s.status.MotorConnected = *u.MotorConnected
	}
	if u.LidarConnected != nil {
		s.status.LidarConnected = *u.LidarConnected
	}
	if u.CameraConnected != nil {
		s.status.CameraConnected = *u.CameraConnected
	}
	if u.Host != nil {
		s.status.Host = *u.Host
	}
	s.status.Timestamp = time.Now().UTC()
	return nil
}

// UpdateVision applies the supplied vision fields.
func (s *RobotState) UpdateVision(u VisionUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u.CameraConnected != nil {
		s.vision.CameraConnected = *u.CameraConnected
	}
	if u.CameraIndex != nil {
		idx := *u.CameraIndex
		s.vision.CameraIndex = &idx
	}
	if u.StreamActive != nil {
		s.vision.StreamActive = *u.StreamActive
	}
	if u.LastScan != nil {
		rec := *u.LastScan
		rec.Payload = append(json.RawMessage(nil), u.LastScan.Payload...)
		s.vision.LastScan = &rec
	}
}

// SetPoints replaces the current point set atomically. The caller must not
// retain the slice afterwards.
func (s *RobotState) SetPoints(points []RangePoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.points = points
}

// Status returns a deep copy of the current status.
func (s *RobotState) Status() RobotStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.status
	if s.status.BatteryVoltage != nil {
		v := *s.status.BatteryVoltage
		out.BatteryVoltage = &v
	}
	return out
}

// Vision returns a deep copy of the current vision state.
func (s *RobotState) Vision() VisionState {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.vision
	if s.vision.CameraIndex != nil {
		idx := *s.vision.CameraIndex
		out.CameraIndex = &idx
	}
	if s.vision.LastScan != nil {
		rec := *s.vision.LastScan
		rec.Payload = append(json.RawMessage(nil), s.vision.LastScan.Payload...)
		out.LastScan = &rec
	}
	return out
}

// Points returns a copy of the current point set.
func (s *RobotState) Points() []RangePoint {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]RangePoint(nil), s.points...)
}
