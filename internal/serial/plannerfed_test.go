package serial

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPlannerFedDefaultThreshold(t *testing.T) {
	p := NewPlannerFed()
	assert.Equal(t, plannerFedDefaultTh, p.Threshold())
	assert.False(t, p.IsFed())
}

func TestPlannerFedIgnoresLatenciesAboveCeiling(t *testing.T) {
	p := NewPlannerFed()
	before := p.Threshold()
	p.ProcessValue(2 * time.Second)
	assert.Equal(t, before, p.Threshold())
}

func TestPlannerFedIsFedWhenLatencyExceedsThreshold(t *testing.T) {
	p := NewPlannerFed()
	p.SetThreshold(50 * time.Millisecond)
	p.dynamic = false

	p.ProcessValue(10 * time.Millisecond)
	assert.False(t, p.IsFed())

	p.ProcessValue(100 * time.Millisecond)
	assert.True(t, p.IsFed())
}

func TestPlannerFedMarkConsumedSuppressesUntilNextValue(t *testing.T) {
	p := NewPlannerFed()
	p.SetThreshold(50 * time.Millisecond)
	p.dynamic = false
	p.ProcessValue(100 * time.Millisecond)
	require := assert.New(t)
	require.True(p.IsFed())

	p.MarkConsumed()
	require.False(p.IsFed())

	p.ProcessValue(100 * time.Millisecond)
	require.True(p.IsFed())
}

func TestPlannerFedComputesPercentileDynamically(t *testing.T) {
	p := NewPlannerFed()
	for i := 1; i <= 100; i++ {
		p.ProcessValue(time.Duration(i) * time.Millisecond)
	}
	// 95th percentile of 1..100ms should land close to 95ms.
	got := p.Threshold()
	assert.GreaterOrEqual(t, got, 90*time.Millisecond)
	assert.LessOrEqual(t, got, 100*time.Millisecond)
}

func TestPlannerFedSetThresholdOverridesComputed(t *testing.T) {
	p := NewPlannerFed()
	p.SetThreshold(777 * time.Millisecond)
	assert.Equal(t, 777*time.Millisecond, p.Threshold())
}
