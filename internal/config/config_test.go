package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsError(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.conf"))
	require.Error(t, err)
	_ = cfg
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().HTTP, cfg.HTTP)
	assert.Equal(t, "connect.prusa3d.com", cfg.Connect.Hostname)
}

func TestLoadOverlaysIniOntoDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prusalink.conf")
	contents := `
[daemon]
data_dir = /tmp/prusalink-data
pid_file = daemon.pid

[http]
address = 127.0.0.1
port = 9090
link_info = true

[printer]
port = /dev/ttyUSB0
baudrate = 250000

[service::connect]
hostname = connect.example.com
tls = false
port = 8000
token = abc123

[log]
serial_queue = DEBUG
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.HTTP.Address)
	assert.Equal(t, 9090, cfg.HTTP.Port)
	assert.True(t, cfg.HTTP.LinkInfo)
	assert.Equal(t, "/dev/ttyUSB0", cfg.Printer.Port)
	assert.Equal(t, 250000, cfg.Printer.Baudrate)
	assert.Equal(t, "connect.example.com", cfg.Connect.Hostname)
	assert.False(t, cfg.Connect.TLS)
	assert.Equal(t, 8000, cfg.Connect.Port)
	assert.Equal(t, "abc123", cfg.Connect.Token)
	assert.Equal(t, "DEBUG", cfg.LogLevels["serial_queue"])
	assert.Equal(t, filepath.Join("/tmp/prusalink-data", "daemon.pid"), cfg.Daemon.PidFile)
}

func TestListenAddr(t *testing.T) {
	cfg := Default()
	cfg.HTTP.Address = "0.0.0.0"
	cfg.HTTP.Port = 8080
	assert.Equal(t, "0.0.0.0:8080", cfg.ListenAddr())
}

func TestConnectBaseURL(t *testing.T) {
	tests := []struct {
		name string
		c    Connect
		want string
	}{
		{"tls default port omitted", Connect{Hostname: "connect.prusa3d.com", TLS: true}, "https://connect.prusa3d.com"},
		{"tls explicit default port omitted", Connect{Hostname: "h", TLS: true, Port: 443}, "https://h"},
		{"tls nonstandard port kept", Connect{Hostname: "h", TLS: true, Port: 8443}, "https://h:8443"},
		{"plain http default port omitted", Connect{Hostname: "h", TLS: false, Port: 80}, "http://h"},
		{"plain http nonstandard port kept", Connect{Hostname: "h", TLS: false, Port: 8080}, "http://h:8080"},
		{"plain http no port set defaults to 80", Connect{Hostname: "h", TLS: false}, "http://h"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.c.BaseURL())
		})
	}
}
