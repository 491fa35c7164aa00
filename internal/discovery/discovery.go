// Package discovery advertises this gateway on the LAN via mDNS so
// local devices can locate it without static configuration, adapted
// from the teacher's internal/app/mdns.go.
package discovery

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/grandcat/zeroconf"
)

const (
	serviceType = "_edgegateway._tcp"
	domain      = "local."
)

// Advertiser advertises the gateway's MQTT and HTTP admin ports.
type Advertiser struct {
	log    *slog.Logger
	server *zeroconf.Server
}

// New constructs an Advertiser.
func New(logger *slog.Logger) *Advertiser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Advertiser{log: logger}
}

// Start registers the gateway's mDNS record. mqttPort is the service
// port advertised to zeroconf; httpPort is carried in the TXT record
// alongside the protocol version.
func (a *Advertiser) Start(mqttPort, httpPort int) error {
	if mqttPort <= 0 {
		return fmt.Errorf("invalid mqtt port %d", mqttPort)
	}

	a.Stop()

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "edgegateway"
	}

	instance := sanitizeInstance(fmt.Sprintf("Edge Gateway (%s)", hostname))

	txt := []string{
		fmt.Sprintf("mqtt_port=%d", mqttPort),
		fmt.Sprintf("http_port=%d", httpPort),
		"tls=0",
		"proto=v1",
	}

	server, err := zeroconf.Register(instance, serviceType, domain, mqttPort, txt, nil)
	if err != nil {
		return fmt.Errorf("register mdns service: %w", err)
	}

	a.server = server
	a.log.Info("mdns advertisement started", "instance", instance, "mqttPort", mqttPort, "httpPort", httpPort)
	return nil
}

// Stop withdraws the mDNS record, if one is active.
func (a *Advertiser) Stop() {
	if a.server == nil {
		return
	}
	a.server.Shutdown()
	a.log.Info("mdns advertisement stopped")
	a.server = nil
}

func sanitizeInstance(name string) string {
	cleaned := strings.TrimSpace(name)
	cleaned = strings.ReplaceAll(cleaned, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	cleaned = strings.ReplaceAll(cleaned, "_", " ")
	if cleaned == "" {
		cleaned = "Edge Gateway"
	}
	runes := []rune(cleaned)
	const maxLen = 63
	if len(runes) > maxLen {
		cleaned = string(runes[:maxLen])
	}
	return cleaned
}
