// Package app wires together the gateway's components and manages
// their combined lifecycle: the local MQTT broker, the admin HTTP/WS
// API, the identity refresher, and the periodic reported-sync loop,
// adapted from the teacher's internal/app/app.go supervisory pattern.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"log/slog"

	"golang.org/x/sync/errgroup"

	"twingate/edge-gateway/internal/authn"
	"twingate/edge-gateway/internal/cloudsync/mqttcloud"
	"twingate/edge-gateway/internal/config"
	"twingate/edge-gateway/internal/connection"
	"twingate/edge-gateway/internal/discovery"
	"twingate/edge-gateway/internal/identitycache"
	"twingate/edge-gateway/internal/kvstore"
	"twingate/edge-gateway/internal/lock"
	"twingate/edge-gateway/internal/model"
	"twingate/edge-gateway/internal/mqttbroker"
	"twingate/edge-gateway/internal/reportedqueue"
	"twingate/edge-gateway/internal/serviceproxy/httpproxy"
	"twingate/edge-gateway/internal/twinmanager"
	"twingate/edge-gateway/internal/twinstore"
)

// App wires together the gateway services and manages their lifecycle.
type App struct {
	cfg config.Config
	log *slog.Logger

	kv         kvstore.Store
	broker     *mqttbroker.Broker
	conns      *connection.Manager
	cloud      *mqttcloud.Syncer
	queue      *reportedqueue.Queue
	store      *twinstore.Store
	manager    *twinmanager.Manager
	identities *identitycache.Cache
	advertiser *discovery.Advertiser

	ready bool
}

// New constructs a new application instance.
func New(cfg config.Config, logger *slog.Logger) *App {
	if logger == nil {
		logger = slog.Default()
	}
	return &App{cfg: cfg, log: logger}
}

// Run starts every configured service and blocks until ctx is
// canceled or a fatal error occurs, then performs an ordered shutdown.
func (a *App) Run(ctx context.Context) error {
	kv, err := kvstore.OpenSQLite(a.cfg.KVStorePath)
	if err != nil {
		return fmt.Errorf("open kv store: %w", err)
	}
	a.kv = kv
	defer func() {
		if err := a.kv.Close(); err != nil {
			a.log.Error("close kv store", "error", err)
		}
	}()

	twinLocks := lock.NewTable(a.cfg.LockStripes)
	reportedLocks := lock.NewTable(a.cfg.LockStripes)

	a.store = twinstore.New(kv, twinLocks)

	proxy := httpproxy.New(a.cfg.IdentityServiceURL, 5*time.Second, a.log)
	a.identities = identitycache.New(kv, proxy, a.cfg.SelfIdentityID, identitycache.Config{
		PeriodicInterval: a.cfg.IdentityRefreshInterval,
		RefreshDelay:     a.cfg.IdentityRefreshDelay,
	}, a.log)
	if err := a.identities.LoadFromStore(ctx); err != nil {
		return fmt.Errorf("load identity scope cache: %w", err)
	}

	a.broker = mqttbroker.New(a.log)
	a.conns = connection.New(a.broker, a.log)

	cloud, err := mqttcloud.New(mqttcloud.Config{
		BrokerURL: a.cfg.CloudBrokerURL,
		ClientID:  "gatewayd-" + a.cfg.SelfIdentityID,
	}, a.conns, a.log)
	if err != nil {
		return fmt.Errorf("connect to cloud broker: %w", err)
	}
	a.cloud = cloud

	a.queue = reportedqueue.New(kv, reportedLocks, a.cloud, reportedqueue.Config{
		RetryInterval: a.cfg.ReportedSyncInterval,
	}, a.log)

	a.manager = twinmanager.New(a.store, a.queue, a.cloud, a.conns, twinmanager.Config{
		MinSyncPeriod: a.cfg.MinTwinSyncPeriod,
	}, a.log)

	authenticator := authn.New(a.identities, 5*time.Second, a.log)
	a.broker.SetAuthenticator(authenticator.Authenticate)
	a.broker.SetConnectHandler(func(clientID string) {
		a.manager.OnDeviceConnected(context.Background(), clientID)
	})
	a.broker.SetPublishHandler(a.handleMQTTPublish)

	brokerErrCh, err := a.broker.Start(a.cfg.MQTTBindAddress)
	if err != nil {
		return fmt.Errorf("start mqtt broker: %w", err)
	}

	a.advertiser = discovery.New(a.log)
	if mqttPort, perr := bindPort(a.cfg.MQTTBindAddress); perr == nil {
		if err := a.advertiser.Start(mqttPort, a.cfg.HTTPPort); err != nil {
			a.log.Warn("mdns advertisement failed to start", "error", err)
		}
	} else {
		a.log.Warn("could not determine mqtt port for mdns advertisement", "bind", a.cfg.MQTTBindAddress, "error", perr)
	}

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", a.cfg.HTTPPort),
		Handler: a.routes(),
	}

	a.ready = true

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.log.Info("http server started", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case err, ok := <-brokerErrCh:
				if !ok {
					return nil
				}
				if err != nil {
					return fmt.Errorf("mqtt broker: %w", err)
				}
			}
		}
	})

	g.Go(func() error {
		a.identities.Run(gctx)
		return nil
	})

	g.Go(func() error {
		ticker := time.NewTicker(a.cfg.ReportedSyncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				if err := a.queue.SyncAll(gctx); err != nil {
					a.log.Warn("periodic reported sync failed", "error", err)
				}
			}
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		a.shutdown(httpServer)
		return nil
	})

	runErr := g.Wait()
	if runErr != nil {
		a.log.Error("application terminated with error", "error", runErr)
	}
	return runErr
}

// shutdown performs the ordered teardown from spec §5: stop accepting
// new HTTP work, stop the identity refresher, drain in-flight reported
// sync with a bounded grace period, then stop the local transports and
// the cloud connection. The twin/reported key locks need no explicit
// release here — every caller already releases its stripe before
// returning, so by the time the loops above have exited there is
// nothing left holding one.
func (a *App) shutdown(httpServer *http.Server) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		a.log.Error("http server shutdown", "error", err)
	}
	a.log.Info("http server stopped")

	a.identities.Stop()
	a.log.Info("identity refresher stopped")

	drained := make(chan struct{})
	go func() {
		a.queue.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(5 * time.Second):
		a.log.Warn("reported sync drain timed out, shutting down with patches still pending")
	}

	a.advertiser.Stop()

	if err := a.broker.Stop(); err != nil {
		a.log.Error("mqtt broker stop", "error", err)
	}
	a.log.Info("mqtt broker stopped")

	a.cloud.Close()
}

func (a *App) handleMQTTPublish(ctx context.Context, msg mqttbroker.PublishMessage) {
	id, ok := parseReportedPatchTopic(msg.Topic)
	if !ok {
		return
	}

	var patch model.Collection
	if err := json.Unmarshal(msg.Payload, &patch); err != nil {
		a.log.Warn("reported patch decode failed", "id", id, "error", err)
		return
	}

	if err := a.manager.UpdateReported(ctx, id, patch); err != nil {
		a.log.Warn("reported patch rejected", "id", id, "error", err)
	}
}

// parseReportedPatchTopic recognizes the device-originated reported
// patch topic "$twin/<id>/reported/patch", the uplink counterpart of
// connection.DesiredPatchTopic.
func parseReportedPatchTopic(topic string) (string, bool) {
	const prefix = "$twin/"
	const suffix = "/reported/patch"
	if len(topic) <= len(prefix)+len(suffix) {
		return "", false
	}
	if topic[:len(prefix)] != prefix || topic[len(topic)-len(suffix):] != suffix {
		return "", false
	}
	return topic[len(prefix) : len(topic)-len(suffix)], true
}

func bindPort(bind string) (int, error) {
	_, portStr, err := net.SplitHostPort(bind)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(portStr)
}
