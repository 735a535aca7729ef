package app

import (
	"fmt"
	"os"
	"strings"

	"github.com/grandcat/zeroconf"
)

const (
	mdnsServiceType = "_resqlink._tcp"
	mdnsDomain      = "local."
)

// startMDNS advertises the operations console on the local network so field
// laptops can find the tracker without manual configuration.
func (a *App) startMDNS(port int) error {
	if port <= 0 {
		return fmt.Errorf("invalid port %d", port)
	}

	a.stopMDNS()

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "resqlink"
	}

	instance := sanitizeMDNSInstance(fmt.Sprintf("ResQLink Tracker (%s)", hostname))

	txt := []string{
		fmt.Sprintf("http_port=%d", port),
		fmt.Sprintf("metrics_port=%d", a.cfg.MetricsPort),
		"proto=v1",
	}

	server, err := zeroconf.Register(instance, mdnsServiceType, mdnsDomain, port, txt, nil)
	if err != nil {
		return err
	}

	a.mdns = server
	a.logger.Info("mDNS advertisement started", "instance", instance, "port", port)
	return nil
}

func (a *App) stopMDNS() {
	if a.mdns == nil {
		return
	}

	a.mdns.Shutdown()
	a.logger.Info("mDNS advertisement stopped")
	a.mdns = nil
}

func sanitizeMDNSInstance(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "ResQLink Tracker"
	}
	return strings.Map(func(r rune) rune {
		if r == '.' {
			return '-'
		}
		return r
	}, name)
}
