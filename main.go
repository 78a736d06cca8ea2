package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/parcelworks/sortbot/api"
	"github.com/parcelworks/sortbot/internal/camera"
	"github.com/parcelworks/sortbot/internal/config"
	"github.com/parcelworks/sortbot/internal/drive"
	"github.com/parcelworks/sortbot/internal/hardware"
	"github.com/parcelworks/sortbot/internal/nav"
	"github.com/parcelworks/sortbot/internal/rangefinder"
	"github.com/parcelworks/sortbot/internal/state"
	"github.com/parcelworks/sortbot/internal/vision"
)

var (
	configPath = flag.String("config", "", "Path to yaml config file (defaults apply when empty)")
	listen     = flag.String("listen", "", "Listen address (overrides config)")
	simulate   = flag.Bool("simulate", false, "Run against simulated hardware")
	avoid      = flag.Bool("avoid", false, "Start the obstacle avoidance loop at boot")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if *listen != "" {
		cfg.ListenAddr = *listen
	}
	if *simulate {
		cfg.Simulation = true
	}

	robot := state.New()
	motors := drive.New(nil)

	adapter, err := rangefinder.NewAdapter(rangefinder.Config{
		Port:                cfg.Lidar.Port,
		Baud:                cfg.Lidar.Baud,
		ObstacleThresholdMM: cfg.Lidar.ObstacleThresholdMM,
		Simulate:            cfg.Simulation,
	}, nil)
	if err != nil {
		log.Fatalf("failed to configure rangefinder: %v", err)
	}

	provider, err := camera.New(cfg.Camera.Interface)
	if err != nil {
		log.Fatalf("failed to select camera backend: %v", err)
	}
	vis := vision.New(provider, robot)

	mgr := hardware.New(hardware.Options{
		Simulation: cfg.Simulation,
		MotorPort:  cfg.Motor.Port,
		MotorBaud:  cfg.Motor.Baud,
	}, motors, adapter, robot)

	runner := nav.NewRunner(robot, motors, nav.Thresholds{
		SafetyMM:     cfg.Nav.SafetyMM,
		FrontClearMM: cfg.Nav.FrontClearMM,
	}, 0)
	mgr.SetAvoider(runner)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := mgr.StartAll(); err != nil {
		log.Fatalf("failed to start hardware: %v", err)
	}
	if *avoid {
		runner.Start()
	}

	// The camera is optional equipment on some chassis; a failed start is a
	// degraded boot, not a fatal one.
	if err := vis.StartCapture(cfg.Camera.Width, cfg.Camera.Height, cfg.Camera.FPS); err != nil {
		log.Printf("camera capture unavailable: %v", err)
	}

	var wg sync.WaitGroup

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := api.NewServer(mgr, adapter, vis, robot).ServeMux()

		server := &http.Server{
			Addr:    cfg.ListenAddr,
			Handler: api.LoggingMiddleware(mux),
		}

		// Start server in a goroutine so it doesn't block
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		// Wait for context cancellation to shut down server
		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}

		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()

	// Devices come down in dependency order: capture first, then the manager
	// stops avoidance, scanning, and the motor link.
	vis.StopCapture()
	mgr.Shutdown()
	log.Printf("Graceful shutdown complete")
}
