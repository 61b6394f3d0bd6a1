package serial

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFillDataChecksummed(t *testing.T) {
	i := NewInstruction("G28", true)
	data := i.FillData(5)
	assert.Regexp(t, `^N5 G28 \*\d+\n$`, string(data))
	assert.Equal(t, uint32(5), i.Number())
}

func TestFillDataNotChecksummed(t *testing.T) {
	i := NewInstruction("M115", false)
	data := i.FillData(0)
	assert.Equal(t, "M115\n", string(data))
}

func TestPlainInstructionConfirmsOnceSent(t *testing.T) {
	i := NewInstruction("G28", false)
	assert.False(t, i.Confirm(false), "cannot confirm before Sent")
	i.Sent()
	assert.True(t, i.Confirm(false))
	assert.True(t, i.IsConfirmed())
}

func TestMandatoryMatchableRefusesWithoutCapture(t *testing.T) {
	re := regexp.MustCompile(`^ok`)
	i := NewMandatoryMatchable("M115", false, re)
	i.Sent()
	assert.False(t, i.Confirm(false), "should refuse confirmation with nothing captured")
	assert.False(t, i.IsConfirmed())

	i.OutputCaptured("ok", []string{"ok"})
	assert.True(t, i.Confirm(false))
	assert.True(t, i.IsConfirmed())
}

func TestMandatoryMatchableForceOverridesRefusal(t *testing.T) {
	re := regexp.MustCompile(`^ok`)
	i := NewMandatoryMatchable("M115", false, re)
	i.Sent()
	assert.True(t, i.Confirm(true))
}

func TestCollectingCapturesBetweenBeginAndEnd(t *testing.T) {
	begin := regexp.MustCompile(`^begin`)
	capture := regexp.MustCompile(`^data:`)
	end := regexp.MustCompile(`^end`)
	i := NewCollecting("M117", false, begin, capture, end)
	i.Sent()

	i.OutputCaptured("begin", []string{"begin"})
	assert.False(t, i.Confirm(false))

	i.OutputCaptured("data:1", []string{"data:1"})
	i.OutputCaptured("data:2", []string{"data:2"})
	assert.False(t, i.Confirm(false), "should still refuse before the terminator")

	i.OutputCaptured("end", []string{"end"})
	require.True(t, i.Confirm(false))
	assert.Equal(t, []string{"data:1", "data:2"}, i.Matches())
}

func TestWaitForConfirmationTimesOut(t *testing.T) {
	i := NewInstruction("G28", false)
	start := time.Now()
	ok := i.WaitForConfirmation(20 * time.Millisecond)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestResetAllowsRetransmission(t *testing.T) {
	i := NewInstruction("G28", false)
	i.Sent()
	assert.True(t, i.IsSent())
	i.Reset()
	assert.False(t, i.IsSent())
}

func TestNewInstructionPanicsOnNewline(t *testing.T) {
	assert.Panics(t, func() {
		NewInstruction("G28\nG1", false)
	})
}
