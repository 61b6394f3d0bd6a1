package gcode

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScanDetectsM73(t *testing.T) {
	data := []byte("G28\nM73 P50 R10\nG1 X10 Y10\n")
	meta := Scan(data)
	assert.True(t, meta.HasM73)
}

func TestScanWithoutM73(t *testing.T) {
	meta := Scan([]byte("G28\nG1 X10 Y10\n"))
	assert.False(t, meta.HasM73)
}

func TestScanParsesTimeComment(t *testing.T) {
	meta := Scan([]byte("; TIME:3725\nG28\n"))
	assert.Equal(t, 3725.0, meta.EstimatedTime)
}

func TestScanParsesEstimatedPrintingTimeKeyValue(t *testing.T) {
	meta := Scan([]byte("; estimated printing time (normal mode) = 1h 30m 15s\nG28\n"))
	assert.Equal(t, float64(1*3600+30*60+15), meta.EstimatedTime)
}

func TestScanParsesLayerHeight(t *testing.T) {
	meta := Scan([]byte("; layer_height = 0.2\nG28\n"))
	assert.Equal(t, 0.2, meta.LayerHeight)
}

func TestScanTracksAbsoluteExtrusion(t *testing.T) {
	data := []byte("M82\nG1 E10\nG1 E15\nG1 E12\n")
	meta := Scan(data)
	assert.Equal(t, 15.0, meta.FilamentMM)
}

func TestScanTracksRelativeExtrusion(t *testing.T) {
	data := []byte("M83\nG1 E1.5\nG1 E2.0\n")
	meta := Scan(data)
	assert.InDelta(t, 3.5, meta.FilamentMM, 0.0001)
}

func TestScanG92ResetsAbsoluteBaseline(t *testing.T) {
	data := []byte("M82\nG1 E10\nG92 E0\nG1 E5\n")
	meta := Scan(data)
	assert.Equal(t, 15.0, meta.FilamentMM)
}

func TestScanCountsTotalLines(t *testing.T) {
	meta := Scan([]byte("a\nb\nc"))
	assert.Equal(t, 3, meta.TotalLines)
}

func TestParseDurationPlainSeconds(t *testing.T) {
	assert.Equal(t, 90.0, parseDuration("90"))
}

func TestParseDurationCompound(t *testing.T) {
	assert.Equal(t, float64(2*86400+3*3600+4*60+5), parseDuration("2d 3h 4m 5s"))
}

func TestScanParsesSlicerIdentity(t *testing.T) {
	meta := Scan([]byte("; generated by PrusaSlicer\n; slicer_version = 2.6.0\nG28\n"))
	assert.Equal(t, "PrusaSlicer", meta.Slicer)
	assert.Equal(t, "2.6.0", meta.SlicerVersion)
}

func TestScanParsesHeights(t *testing.T) {
	meta := Scan([]byte("; first_layer_height = 0.25\n; max_print_height = 180\nG28\n"))
	assert.Equal(t, 0.25, meta.FirstLayerHeight)
	assert.Equal(t, 180.0, meta.ObjectHeight)
}
