package main

import (
	"os"

	"github.com/grandcat/zeroconf"
)

// registerDiscovery publishes mDNS/DNS-SD records so LAN tools (slicer
// printer discovery, the Connect pairing wizard) can find this daemon
// without a fixed address, grounded on service_discovery.py's three
// registrations: one _prusalink for this daemon, one _http since it
// serves a web API, and one _octoprint for legacy slicer plugins that
// only know to look for that name.
func registerDiscovery(port int) (func(), error) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "prusalink"
	}
	instance := "PrusaLink at " + hostname

	var servers []*zeroconf.Server
	for _, serviceType := range []string{"_prusalink._tcp", "_http._tcp", "_octoprint._tcp"} {
		srv, err := zeroconf.Register(instance, serviceType, "local.", port, nil, nil)
		if err != nil {
			for _, s := range servers {
				s.Shutdown()
			}
			return nil, err
		}
		servers = append(servers, srv)
	}

	return func() {
		for _, s := range servers {
			s.Shutdown()
		}
	}, nil
}
