package serialport

import (
	"fmt"
	"strings"
	"time"

	"go.bug.st/serial/enumerator"

	"github.com/parcelworks/sortbot/internal/monitoring"
)

// probeTimeout bounds the open attempt on each conventional device path when
// USB enumeration gives no match.
const probeTimeout = 500 * time.Millisecond

// listDetailedPorts is swapped out in tests.
var listDetailedPorts = enumerator.GetDetailedPortsList

// Discover returns the first serial device whose USB product string contains
// one of the given vendor substrings (case-insensitive). If enumeration finds
// nothing it probes the fallback paths in order, returning the first one that
// opens with the supplied options inside a short timeout.
func Discover(vendorMatches []string, fallbackPaths []string, opts Options) (string, error) {
	ports, err := listDetailedPorts()
	if err != nil {
		monitoring.Logf("serial enumeration failed: %v", err)
	} else {
		for _, p := range ports {
			if !p.IsUSB {
				continue
			}
			for _, match := range vendorMatches {
				if strings.Contains(strings.ToLower(p.Product), strings.ToLower(match)) {
					monitoring.Logf("matched serial device %s (%s)", p.Name, p.Product)
					return p.Name, nil
				}
			}
		}
	}

	for _, path := range fallbackPaths {
		if probePath(path, opts) {
			monitoring.Logf("probed serial device %s", path)
			return path, nil
		}
	}

	return "", fmt.Errorf("no serial device matched %v and none of %v responded", vendorMatches, fallbackPaths)
}

// probePath attempts to open the path within probeTimeout. The open itself
// runs in a goroutine because some drivers block in open when the device is
// wedged; a leaked attempt closes the port when it eventually returns.
func probePath(path string, opts Options) bool {
	done := make(chan bool, 1)
	go func() {
		port, err := Open(path, opts)
		if err != nil {
			done <- false
			return
		}
		port.Close()
		done <- true
	}()

	select {
	case ok := <-done:
		return ok
	case <-time.After(probeTimeout):
		return false
	}
}
