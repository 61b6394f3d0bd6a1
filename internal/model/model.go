// Package model holds the shared, dependency-injected telemetry
// snapshot that the telemetry gatherer writes and the telemetry passer
// and HTTP API read. The state manager, job tracker and command runner
// do not reference it.
package model

import "sync"

// Telemetry is the nullable-field snapshot described in §3. Pointer
// fields distinguish "unknown" from "zero".
type Telemetry struct {
	TempNozzle    *float64
	TempBed       *float64
	TargetNozzle  *float64
	TargetBed     *float64
	PosX          *float64
	PosY          *float64
	PosZ          *float64
	PosE          *float64
	FanExtruderRPM *float64
	FanPrintRPM    *float64
	Progress       *float64
	SpeedMult      *float64
	FlowMult       *float64
	PrintingSeconds *float64
	RemainingSeconds *float64
	State          string
}

// Model is the shared, mutex-protected record referenced by the
// telemetry gatherer, the telemetry passer and the HTTP API.
type Model struct {
	mu        sync.RWMutex
	Telemetry Telemetry
}

func New() *Model {
	return &Model{}
}

func (m *Model) SetTelemetry(t Telemetry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Telemetry = t
}

func (m *Model) GetTelemetry() Telemetry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.Telemetry
}
