// Package config loads the PrusaLink host configuration. The file
// format is INI (spec-mandated), parsed with gopkg.in/ini.v1; the
// struct layout and defaulting style follow the teacher's own
// config.go (DefaultConfig + LoadConfig overlay), generalized from
// YAML to INI sections.
package config

import (
	"fmt"
	"path/filepath"

	"gopkg.in/ini.v1"
)

type Daemon struct {
	DataDir         string `ini:"data_dir"`
	PidFile         string `ini:"pid_file"`
	CurrentFile     string `ini:"current_file"`
	PowerPanicFile  string `ini:"power_panic_file"`
	JobFile         string `ini:"job_file"`
	ThresholdFile   string `ini:"threshold_file"`
	User            string `ini:"user"`
	Group           string `ini:"group"`
}

type HTTP struct {
	Address  string `ini:"address"`
	Port     int    `ini:"port"`
	LinkInfo bool   `ini:"link_info"`
}

type Printer struct {
	Port        string `ini:"port"`
	Baudrate    int    `ini:"baudrate"`
	SerialFile  string `ini:"serial_file"`
	Settings    string `ini:"settings"`
	Mountpoints string `ini:"mountpoints"`
	Directories string `ini:"directories"`
}

type Logging struct {
	Syslog string `ini:"syslog"`
	Format string `ini:"format"`
}

// Connect holds the [service::connect] section: where to register
// telemetry/events, and the token issued by that pairing.
type Connect struct {
	Hostname string `ini:"hostname"`
	TLS      bool   `ini:"tls"`
	Port     int    `ini:"port"`
	Token    string `ini:"token"`
}

// BaseURL formats the scheme/host/port for the http client, defaulting
// the port to 443/80 per whether TLS is on, mirroring the original's
// "0 means default port" convention.
func (c Connect) BaseURL() string {
	scheme := "http"
	port := c.Port
	if c.TLS {
		scheme = "https"
		if port == 0 {
			port = 443
		}
	} else if port == 0 {
		port = 80
	}
	if (c.TLS && port == 443) || (!c.TLS && port == 80) {
		return fmt.Sprintf("%s://%s", scheme, c.Hostname)
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.Hostname, port)
}

// Config is the fully resolved daemon configuration, overlaying the
// INI file's values on top of the spec-mandated defaults.
type Config struct {
	Daemon  Daemon
	HTTP    HTTP
	Printer Printer
	Logging Logging
	Connect Connect
	// LogLevels holds module=LEVEL pairs from the [log] section,
	// further overridden by repeatable -L flags.
	LogLevels map[string]string
}

// Default returns the spec's documented defaults (§6).
func Default() *Config {
	return &Config{
		Daemon: Daemon{
			DataDir:        "/var/lib/prusalink",
			PidFile:        "prusa-link.pid",
			CurrentFile:    "currently_printing.gcode",
			PowerPanicFile: "power_panic",
			JobFile:        "job_data.json",
			ThresholdFile:  "threshold.data",
		},
		HTTP: HTTP{
			Address: "0.0.0.0",
			Port:    8080,
		},
		Printer: Printer{
			Port:     "/dev/ttyAMA0",
			Baudrate: 115200,
		},
		Logging: Logging{
			Syslog: "/dev/log",
		},
		Connect: Connect{
			Hostname: "connect.prusa3d.com",
			TLS:      true,
		},
		LogLevels: map[string]string{},
	}
}

// Load reads the INI file at path and overlays it onto Default().
// An empty path returns Default() unchanged, so the daemon can run from
// bare CLI flags; a path naming a missing file returns an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	f, err := ini.LoadSources(ini.LoadOptions{AllowBooleanKeys: true}, path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if sec := f.Section("daemon"); sec != nil {
		if err := sec.MapTo(&cfg.Daemon); err != nil {
			return nil, fmt.Errorf("parsing [daemon]: %w", err)
		}
	}
	if sec := f.Section("http"); sec != nil {
		if err := sec.MapTo(&cfg.HTTP); err != nil {
			return nil, fmt.Errorf("parsing [http]: %w", err)
		}
	}
	if sec := f.Section("printer"); sec != nil {
		if err := sec.MapTo(&cfg.Printer); err != nil {
			return nil, fmt.Errorf("parsing [printer]: %w", err)
		}
	}
	if sec := f.Section("logging"); sec != nil {
		if err := sec.MapTo(&cfg.Logging); err != nil {
			return nil, fmt.Errorf("parsing [logging]: %w", err)
		}
	}
	if sec, err := f.GetSection("service::connect"); err == nil {
		if err := sec.MapTo(&cfg.Connect); err != nil {
			return nil, fmt.Errorf("parsing [service::connect]: %w", err)
		}
	}
	if sec, err := f.GetSection("log"); err == nil {
		for _, key := range sec.Keys() {
			cfg.LogLevels[key.Name()] = key.Value()
		}
	}

	if !filepath.IsAbs(cfg.Daemon.PidFile) {
		cfg.Daemon.PidFile = filepath.Join(cfg.Daemon.DataDir, cfg.Daemon.PidFile)
	}
	return cfg, nil
}

// ListenAddr formats the [http] address/port pair for net/http.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.HTTP.Address, c.HTTP.Port)
}
