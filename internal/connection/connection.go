// Package connection implements the ConnectionManager and DeviceProxy
// contracts from spec §6 over the local MQTT broker: a device or
// module is "subscribed" to desired-property updates iff its MQTT
// session holds an active subscription to its well-known patch topic.
package connection

import (
	"fmt"
	"log/slog"
)

// DesiredPatchTopic is the well-known topic a connected device
// subscribes to in order to receive desired-property patches pushed
// by the Twin Manager.
func DesiredPatchTopic(id string) string {
	return fmt.Sprintf("$twin/%s/desired/patch", id)
}

// Publisher is the subset of internal/mqttbroker.Broker the
// connection manager needs: targeted publish and subscription
// lookup, scoped so this package can be tested against a fake without
// pulling in the wire protocol.
type Publisher interface {
	IsSubscribed(clientID, topic string) bool
	PublishTo(clientID, topic string, payload []byte) error
}

// Manager is the ConnectionManager from spec §6.
type Manager struct {
	broker Publisher
	log    *slog.Logger
}

// New constructs a Manager backed by broker.
func New(broker Publisher, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{broker: broker, log: logger}
}

// IsSubscribed implements ConnectionManager.isSubscribed.
func (m *Manager) IsSubscribed(id, topic string) bool {
	return m.broker.IsSubscribed(id, topic)
}

// GetProxy implements ConnectionManager.getProxy. The bool result is
// false when id has no active local session, the Optional<DeviceProxy>
// from spec §6.
func (m *Manager) GetProxy(id string) (DeviceProxy, bool) {
	if !m.broker.IsSubscribed(id, DesiredPatchTopic(id)) {
		return DeviceProxy{}, false
	}
	return DeviceProxy{id: id, broker: m.broker, log: m.log}, true
}

// DeviceProxy delivers desired-property patches to one connected
// local client.
type DeviceProxy struct {
	id     string
	broker Publisher
	log    *slog.Logger
}

// OnDesiredPropertyUpdates publishes patch to the device's
// desired-patch topic. Failures are logged, not retried synchronously
// — per spec §9, cloud-to-device fanout never retries implicitly.
func (p DeviceProxy) OnDesiredPropertyUpdates(payload []byte) {
	if err := p.broker.PublishTo(p.id, DesiredPatchTopic(p.id), payload); err != nil {
		p.log.Warn("desired patch delivery failed", "id", p.id, "error", err)
	}
}
