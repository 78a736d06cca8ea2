// Package telemetry samples coarse host health (load average, CPU
// temperature) for inclusion in the robot status snapshot.
package telemetry

import (
	"strings"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"

	"github.com/parcelworks/sortbot/internal/monitoring"
	"github.com/parcelworks/sortbot/internal/state"
)

// Sampling funcs are variables so tests can substitute fixed readings.
var (
	loadAvg             = load.Avg
	sensorsTemperatures = host.SensorsTemperatures
)

// cpuSensorKeys are the sensor names that report the CPU or SoC die
// temperature across the boards we deploy on. First match wins.
var cpuSensorKeys = []string{
	"cpu_thermal",
	"cpu-thermal",
	"soc_thermal",
	"coretemp",
	"k10temp",
}

// Sample reads the current host health. Partial failure is tolerated: a
// sensor that cannot be read leaves its field zero rather than failing the
// whole sample.
func Sample() state.HostHealth {
	var h state.HostHealth

	if avg, err := loadAvg(); err != nil {
		monitoring.Debugf("telemetry: load average: %v", err)
	} else {
		h.Load1 = avg.Load1
	}

	temps, err := sensorsTemperatures()
	if err != nil {
		monitoring.Debugf("telemetry: temperature sensors: %v", err)
		return h
	}
	h.CPUTemp = cpuTemperature(temps)
	return h
}

// cpuTemperature picks the CPU die temperature out of the sensor list,
// falling back to the hottest sensor when no known key is present.
func cpuTemperature(temps []host.TemperatureStat) float64 {
	for _, key := range cpuSensorKeys {
		for _, t := range temps {
			if strings.Contains(t.SensorKey, key) && t.Temperature > 0 {
				return t.Temperature
			}
		}
	}

	var hottest float64
	for _, t := range temps {
		if t.Temperature > hottest {
			hottest = t.Temperature
		}
	}
	return hottest
}
