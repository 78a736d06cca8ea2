// Package monitoring holds the process-wide diagnostic logger used by the
// hardware drivers and their background loops.
package monitoring

import (
	"log"
	"os"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf but may
// be replaced by SetLogger. Tests or production code can redirect or mute it.
var Logf func(format string, v ...interface{}) = log.Printf

var debugEnabled = os.Getenv("SORTBOT_DEBUG") != ""

// Debugf logs only when SORTBOT_DEBUG is set in the environment. The scan and
// capture loops use it for per-cycle chatter that would otherwise flood logs.
func Debugf(format string, v ...interface{}) {
	if debugEnabled {
		Logf(format, v...)
	}
}

// SetLogger replaces the package logger. Passing nil will set a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}
