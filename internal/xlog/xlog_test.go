package xlog

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"DEBUG", LevelDebug},
		{"INFO", LevelInfo},
		{"WARNING", LevelWarning},
		{"WARN", LevelWarning},
		{"ERROR", LevelError},
		{"nonsense", LevelError},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
}

func TestLoggerLevelGating(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stderr)

	SetLevel("test_gating", LevelWarning)
	l := For("test_gating")

	l.Debugf("debug line")
	l.Infof("info line")
	assert.Empty(t, buf.String(), "debug/info should be suppressed above WARNING")

	l.Warningf("warn line")
	assert.Contains(t, buf.String(), "WARNING warn line")

	buf.Reset()
	l.Errorf("boom")
	assert.Contains(t, buf.String(), "ERROR boom")
}

func TestSetDefaultLevelUpdatesExistingLoggers(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	defer SetOutput(os.Stderr)

	l := For("test_default_level")
	SetDefaultLevel(LevelError)
	l.Warningf("should be suppressed")
	assert.Empty(t, buf.String())

	SetDefaultLevel(LevelDebug)
	l.Debugf("should now show")
	assert.True(t, strings.Contains(buf.String(), "should now show"))

	SetDefaultLevel(LevelInfo)
}

func TestForReturnsSameLoggerPerModule(t *testing.T) {
	a := For("test_identity")
	b := For("test_identity")
	assert.Same(t, a, b)
}
