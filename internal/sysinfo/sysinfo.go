// Package sysinfo reads live host metrics for the monitors.
package sysinfo

import (
	"context"
	"fmt"
	"strings"

	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/sensors"

	"github.com/nous-labs/pibot/internal/monitor"
)

// DefaultSensorKeys lists CPU temperature sensor key prefixes in order of
// preference: Raspberry Pi SoC, Intel, AMD, generic.
var DefaultSensorKeys = []string{"cpu_thermal", "coretemp", "k10temp", "cpu"}

// Source implements monitor.Source using gopsutil.
type Source struct {
	SensorKeys []string
}

// New returns a Source preferring the given sensor key prefixes.
// An empty list means DefaultSensorKeys.
func New(sensorKeys []string) *Source {
	if len(sensorKeys) == 0 {
		sensorKeys = DefaultSensorKeys
	}
	return &Source{SensorKeys: sensorKeys}
}

// Read returns the current value of m. Missing sensors and collection
// failures are reported as monitor.ErrMetricUnavailable.
func (s *Source) Read(ctx context.Context, m monitor.Metric) (float64, error) {
	switch m {
	case monitor.CPUTemp:
		return s.cpuTemp(ctx)
	case monitor.RAMPercent:
		v, err := mem.VirtualMemoryWithContext(ctx)
		if err != nil {
			return 0, fmt.Errorf("%w: virtual memory: %v", monitor.ErrMetricUnavailable, err)
		}
		return v.UsedPercent, nil
	default:
		return 0, fmt.Errorf("%w: unsupported metric %s", monitor.ErrMetricUnavailable, m)
	}
}

func (s *Source) cpuTemp(ctx context.Context) (float64, error) {
	// gopsutil returns partial readings together with a warnings error when
	// some sensors fail; usable readings win.
	temps, err := sensors.TemperaturesWithContext(ctx)
	if len(temps) == 0 {
		if err != nil {
			return 0, fmt.Errorf("%w: temperatures: %v", monitor.ErrMetricUnavailable, err)
		}
		return 0, fmt.Errorf("%w: no temperature sensors", monitor.ErrMetricUnavailable)
	}

	if v, ok := pickTemperature(temps, s.SensorKeys); ok {
		return v, nil
	}
	return 0, fmt.Errorf("%w: no sensor matching %s", monitor.ErrMetricUnavailable, strings.Join(s.SensorKeys, ","))
}

// pickTemperature returns the first reading whose key starts with the most
// preferred prefix that has any match.
func pickTemperature(temps []sensors.TemperatureStat, prefixes []string) (float64, bool) {
	for _, prefix := range prefixes {
		for _, t := range temps {
			if strings.HasPrefix(strings.ToLower(t.SensorKey), prefix) {
				return t.Temperature, true
			}
		}
	}
	return 0, false
}
