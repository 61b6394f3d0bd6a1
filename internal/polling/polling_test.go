package polling

import (
	"testing"

	"github.com/prusa3d/prusalink-go/internal/model"
	"github.com/prusa3d/prusalink-go/internal/serial"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	transport := serial.New("/dev/nonexistent", 115200, false, nil)
	dispatcher := serial.NewDispatcher()
	plannerFed := serial.NewPlannerFed()
	q := serial.NewQueue(transport, dispatcher, plannerFed)
	return New(q, dispatcher, model.New())
}

func TestNewRegistersAllCatalogItems(t *testing.T) {
	c := newTestCatalog(t)
	require.NotNil(t, c.FirmwareVersion)
	require.NotNil(t, c.SerialNumber)
	require.NotNil(t, c.PrinterType)
	require.NotNil(t, c.NozzleDiameter)
	require.NotNil(t, c.SpeedMultiplier)
	require.NotNil(t, c.FlowMultiplier)

	assert.Equal(t, "firmware_version", c.FirmwareVersion.Name)
	assert.Equal(t, "nozzle_diameter", c.NozzleDiameter.Name)
}

func TestFirmwareVersionRegexExtractsVersion(t *testing.T) {
	m := firmwareVersionRegex.FindStringSubmatch("PRUSA Fir 3.13.3")
	require.NotNil(t, m)
	assert.Equal(t, "3.13.3", m[1])
}

func TestSerialNumberRegexExtractsSN(t *testing.T) {
	m := serialNumberRegex.FindStringSubmatch("CZPX1234X000XC12345")
	require.NotNil(t, m)
	assert.Equal(t, "CZPX1234X000XC12345", m[1])
}

func TestPercentRegexExtractsSpeedFactor(t *testing.T) {
	m := percentRegex.FindStringSubmatch("Speed factor at 100%")
	require.NotNil(t, m)
	assert.Equal(t, "100", m[1])
}

func TestPercentRegexExtractsFlowFactor(t *testing.T) {
	m := percentRegex.FindStringSubmatch("Flow factor at 95%")
	require.NotNil(t, m)
	assert.Equal(t, "95", m[1])
}

func TestNozzleDiameterRegexExtractsSize(t *testing.T) {
	m := nozzleDiameterRegex.FindStringSubmatch("0.40")
	require.NotNil(t, m)
	assert.Equal(t, "0.40", m[1])
}

func TestFirstCaptureReturnsNamedGroup(t *testing.T) {
	instr := serial.NewMandatoryMatchable("M862.1 Q", false, nozzleDiameterRegex)
	instr.OutputCaptured("0.40", []string{"0.40"})
	got := firstCapture(instr, nozzleDiameterRegex)
	assert.Equal(t, "0.40", got)
}

func TestFirstCaptureNoMatchReturnsEmpty(t *testing.T) {
	instr := serial.NewMandatoryMatchable("M862.1 Q", false, nozzleDiameterRegex)
	instr.OutputCaptured("garbage", []string{"garbage"})
	got := firstCapture(instr, nozzleDiameterRegex)
	assert.Empty(t, got)
}

func TestErrTimedOutMessage(t *testing.T) {
	err := errTimedOut("nozzle_diameter")
	assert.Contains(t, err.Error(), "nozzle_diameter")
	assert.Contains(t, err.Error(), "timed out")
}
