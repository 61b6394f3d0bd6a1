package serial

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWriteWhileDisconnectedReturnsError(t *testing.T) {
	tr := New("/dev/nonexistent", 115200, false, nil)
	err := tr.Write([]byte("G28\n"))
	assert.ErrorIs(t, err, ErrTransportDisconnected)
	assert.False(t, tr.Connected())
}

func TestBlipDTRNoOpWithoutOpenPort(t *testing.T) {
	tr := New("/dev/nonexistent", 115200, false, nil)
	assert.NotPanics(t, tr.BlipDTR)
}

func TestDecodeCP437StripsNUL(t *testing.T) {
	in := []byte{'o', 'k', 0x00, '\n'}
	out := decodeCP437StripNUL(in)
	assert.Equal(t, []byte{'o', 'k', '\n'}, out)
}

func TestSetDTRResetsTogglesFlag(t *testing.T) {
	tr := New("/dev/nonexistent", 115200, false, nil)
	assert.True(t, tr.dtrResets.Load())
	tr.SetDTRResets(false)
	assert.False(t, tr.dtrResets.Load())
}
