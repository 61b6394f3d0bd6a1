package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSetGetTelemetryRoundTrips(t *testing.T) {
	m := New()
	temp := 210.5
	t1 := Telemetry{TempNozzle: &temp, State: "PRINTING"}

	m.SetTelemetry(t1)
	got := m.GetTelemetry()

	assert.Equal(t, "PRINTING", got.State)
	assert.NotNil(t, got.TempNozzle)
	assert.Equal(t, 210.5, *got.TempNozzle)
}

func TestGetTelemetryBeforeSetIsZeroValue(t *testing.T) {
	m := New()
	got := m.GetTelemetry()
	assert.Nil(t, got.TempNozzle)
	assert.Equal(t, "", got.State)
}
