// Package api is the thin HTTP boundary over the hardware core: status and
// scan snapshots out, motor commands and OCR scan results in, plus the MJPEG
// camera stream.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"tailscale.com/tsweb"

	"github.com/parcelworks/sortbot/internal/monitoring"
	"github.com/parcelworks/sortbot/internal/rangefinder"
	"github.com/parcelworks/sortbot/internal/state"
)

// maxScanBody bounds the OCR result payload.
const maxScanBody = 256 * 1024

// defaultStreamQuality is the JPEG quality when the client does not ask.
const defaultStreamQuality = 75

// ANSI escape codes for request logging
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Commander forwards validated motor commands.
type Commander interface {
	SendMotorCommand(name string) error
	StopMotors() error
}

// Scanner serves range sensor snapshots.
type Scanner interface {
	LatestScan() rangefinder.Scan
	Status() rangefinder.Status
}

// Streamer produces the MJPEG camera stream.
type Streamer interface {
	StreamMJPEG(ctx context.Context, w io.Writer, quality int) error
}

type Server struct {
	commander Commander
	scanner   Scanner
	streamer  Streamer
	robot     *state.RobotState
}

func NewServer(commander Commander, scanner Scanner, streamer Streamer, robot *state.RobotState) *Server {
	return &Server{
		commander: commander,
		scanner:   scanner,
		streamer:  streamer,
		robot:     robot,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.showStatus)
	mux.HandleFunc("/api/lidar", s.showLidar)
	mux.HandleFunc("/api/command", s.sendCommandHandler)
	mux.HandleFunc("/api/scan", s.pushScanResult)
	mux.HandleFunc("/stream.mjpg", s.streamMJPEG)
	s.AttachAdminRoutes(mux)
	return mux
}

// statusResponse is the combined snapshot served at /api/status.
type statusResponse struct {
	Status state.RobotStatus `json:"status"`
	Vision state.VisionState `json:"vision"`
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, statusResponse{
		Status: s.robot.Status(),
		Vision: s.robot.Vision(),
	})
}

// lidarResponse pairs the sensor lifecycle state with the latest snapshot.
type lidarResponse struct {
	Sensor rangefinder.Status `json:"sensor"`
	Scan   rangefinder.Scan   `json:"scan"`
}

func (s *Server) showLidar(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, lidarResponse{
		Sensor: s.scanner.Status(),
		Scan:   s.scanner.LatestScan(),
	})
}

func (s *Server) sendCommandHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	command := r.FormValue("command")
	if command == "" {
		http.Error(w, "Missing command", http.StatusBadRequest)
		return
	}

	if err := s.commander.SendMotorCommand(command); err != nil {
		http.Error(w, fmt.Sprintf("Failed to send command: %v", err), http.StatusBadRequest)
		return
	}
	io.WriteString(w, "Command sent successfully")
}

// pushScanResult accepts an opaque JSON payload from the OCR collaborator and
// records it as the latest scan result. The core never inspects the payload.
func (s *Server) pushScanResult(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxScanBody+1))
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}
	if len(body) > maxScanBody {
		http.Error(w, "Payload too large", http.StatusRequestEntityTooLarge)
		return
	}
	if !json.Valid(body) {
		http.Error(w, "Payload must be valid JSON", http.StatusBadRequest)
		return
	}

	rec := state.ScanRecord{
		ID:      uuid.New(),
		Time:    time.Now().UTC(),
		Payload: body,
	}
	s.robot.UpdateVision(state.VisionUpdate{LastScan: &rec})

	w.WriteHeader(http.StatusCreated)
	writeJSON(w, map[string]string{"id": rec.ID.String()})
}

func (s *Server) streamMJPEG(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	quality := defaultStreamQuality
	if q := r.URL.Query().Get("quality"); q != "" {
		parsed, err := strconv.Atoi(q)
		if err != nil || parsed <= 0 || parsed > 100 {
			http.Error(w, "quality must be an integer in (0,100]", http.StatusBadRequest)
			return
		}
		quality = parsed
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	if err := s.streamer.StreamMJPEG(r.Context(), w, quality); err != nil && r.Context().Err() == nil {
		monitoring.Logf("api: mjpeg stream ended: %v", err)
	}
}

// AttachAdminRoutes registers the tsweb debug surface: loopback-only status
// and an emergency stop.
func (s *Server) AttachAdminRoutes(mux *http.ServeMux) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("robot-status", "current robot status snapshot", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, statusResponse{
			Status: s.robot.Status(),
			Vision: s.robot.Vision(),
		})
	})

	debug.HandleSilentFunc("stop-motors", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := s.commander.StopMotors(); err != nil {
			http.Error(w, fmt.Sprintf("Failed to stop motors: %v", err), http.StatusInternalServerError)
			return
		}
		io.WriteString(w, "Motors stopped")
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		monitoring.Logf("api: encode response: %v", err)
	}
}
