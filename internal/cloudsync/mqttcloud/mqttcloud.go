// Package mqttcloud implements cloudsync.Syncer over an upstream MQTT
// broker using github.com/eclipse/paho.mqtt.golang, grounded on the
// teacher's cmd/beacon-sim client usage (NewClientOptions + AddBroker
// + token.Wait()).
package mqttcloud

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"twingate/edge-gateway/internal/connection"
	"twingate/edge-gateway/internal/model"
)

// Config carries mqttcloud's tunables.
type Config struct {
	BrokerURL    string
	ClientID     string
	RequestTimeout time.Duration
}

// ProxySource resolves the local device proxy for sendDesiredPatch,
// satisfied by internal/connection.Manager.
type ProxySource interface {
	GetProxy(id string) (connection.DeviceProxy, bool)
}

// Syncer implements cloudsync.Syncer against an upstream cloud broker.
type Syncer struct {
	client  mqtt.Client
	proxies ProxySource
	log     *slog.Logger
	timeout time.Duration

	pendingMu sync.Mutex
	pending   map[string]chan []byte
}

// New connects to cfg.BrokerURL and subscribes to the twin
// response topic. proxies resolves local device proxies for
// SendDesiredPatch.
func New(cfg Config, proxies ProxySource, logger *slog.Logger) (*Syncer, error) {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Syncer{
		proxies: proxies,
		log:     logger,
		timeout: cfg.RequestTimeout,
		pending: make(map[string]chan []byte),
	}

	opts := mqtt.NewClientOptions().AddBroker(cfg.BrokerURL).SetClientID(cfg.ClientID)
	opts = opts.SetOrderMatters(false)
	opts = opts.SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connect to cloud broker: %w", token.Error())
	}
	s.client = client

	if token := client.Subscribe("$cloud/twins/+/response", 0, s.handleTwinResponse); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("subscribe to twin responses: %w", token.Error())
	}

	return s, nil
}

func (s *Syncer) handleTwinResponse(_ mqtt.Client, msg mqtt.Message) {
	id := twinIDFromResponseTopic(msg.Topic())
	if id == "" {
		return
	}

	s.pendingMu.Lock()
	ch, ok := s.pending[id]
	s.pendingMu.Unlock()
	if !ok {
		return
	}

	select {
	case ch <- msg.Payload():
	default:
	}
}

// GetTwin implements cloudsync.Syncer. A timeout waiting for the
// cloud's response is treated as unreachable (ok=false, err=nil), per
// spec §5.
func (s *Syncer) GetTwin(ctx context.Context, id string) (model.Twin, bool, error) {
	ch := make(chan []byte, 1)

	s.pendingMu.Lock()
	s.pending[id] = ch
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, id)
		s.pendingMu.Unlock()
	}()

	topic := fmt.Sprintf("$cloud/twins/%s/request", id)
	if token := s.client.Publish(topic, 0, false, []byte{}); token.Wait() && token.Error() != nil {
		return model.Twin{}, false, fmt.Errorf("publish twin request: %w", token.Error())
	}

	timeout := time.NewTimer(s.timeout)
	defer timeout.Stop()

	select {
	case payload := <-ch:
		var wire model.WireTwin
		if err := json.Unmarshal(payload, &wire); err != nil {
			return model.Twin{}, false, fmt.Errorf("decode twin response: %w", err)
		}
		return model.FromWire(wire), true, nil
	case <-timeout.C:
		s.log.Warn("cloud twin fetch timed out, treating as unreachable", "id", id)
		return model.Twin{}, false, nil
	case <-ctx.Done():
		return model.Twin{}, false, ctx.Err()
	}
}

// UpdateReported implements cloudsync.Syncer.
func (s *Syncer) UpdateReported(ctx context.Context, id string, patch model.Collection) model.SyncResult {
	if !s.client.IsConnected() {
		return model.SyncTransient
	}

	data, err := json.Marshal(patch)
	if err != nil {
		s.log.Error("encode reported patch", "id", id, "error", err)
		return model.SyncPermanent
	}

	topic := fmt.Sprintf("$cloud/twins/%s/reported", id)
	token := s.client.Publish(topic, 0, false, data)
	if !token.WaitTimeout(s.timeout) {
		return model.SyncTransient
	}
	if err := token.Error(); err != nil {
		s.log.Warn("publish reported patch failed", "id", id, "error", err)
		return model.SyncTransient
	}
	return model.SyncOK
}

// SendDesiredPatch implements cloudsync.Syncer by delivering patch to
// the local device proxy if it's currently subscribed; otherwise a
// no-op, per spec §4.5/§6.
func (s *Syncer) SendDesiredPatch(_ context.Context, id string, patch model.Collection) model.SyncResult {
	proxy, ok := s.proxies.GetProxy(id)
	if !ok {
		return model.SyncOK
	}

	data, err := json.Marshal(patch)
	if err != nil {
		s.log.Error("encode desired patch", "id", id, "error", err)
		return model.SyncPermanent
	}

	proxy.OnDesiredPropertyUpdates(data)
	return model.SyncOK
}

// Close disconnects from the cloud broker.
func (s *Syncer) Close() {
	s.client.Disconnect(250)
}

func twinIDFromResponseTopic(topic string) string {
	const prefix = "$cloud/twins/"
	const suffix = "/response"
	if len(topic) <= len(prefix)+len(suffix) {
		return ""
	}
	if topic[:len(prefix)] != prefix || topic[len(topic)-len(suffix):] != suffix {
		return ""
	}
	return topic[len(prefix) : len(topic)-len(suffix)]
}
