// Package authn implements the authenticator the local MQTT broker
// consults on CONNECT, per SPEC_FULL §4.11: it resolves the
// connecting client's auth chain through the identity scope cache and
// admits the connection iff that chain is non-empty and terminates at
// the claimed client id.
package authn

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"twingate/edge-gateway/internal/model"
)

// ScopeCache is the subset of identitycache.Cache the authenticator
// needs.
type ScopeCache interface {
	GetAuthChain(id string) []model.ServiceIdentity
	RefreshAuthChain(ctx context.Context, chain []string)
}

// Authenticator consults a ScopeCache to admit or deny incoming MQTT
// connections.
type Authenticator struct {
	cache   ScopeCache
	log     *slog.Logger
	timeout time.Duration
}

// New constructs an Authenticator. timeout bounds the on-demand
// refresh triggered when the cached chain is empty.
func New(cache ScopeCache, timeout time.Duration, logger *slog.Logger) *Authenticator {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{cache: cache, log: logger, timeout: timeout}
}

// Authenticate implements mqttbroker.Authenticator. username carries
// the auth chain encoded as "<target>;<hop1>;...;<root>", matching
// the upstream gateway's encoding from spec §3 (distinct from the
// "/"-joined encoding internal/identity uses for its own persistence
// keys).
func (a *Authenticator) Authenticate(clientID, username string) bool {
	chain := a.cache.GetAuthChain(clientID)

	if len(chain) == 0 {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		defer cancel()
		a.cache.RefreshAuthChain(ctx, claimedChain(clientID, username))
		chain = a.cache.GetAuthChain(clientID)
	}

	if len(chain) == 0 {
		a.log.Warn("mqtt connect rejected: no auth chain", "clientId", clientID)
		return false
	}

	leaf := chain[len(chain)-1]
	if leaf.ID != clientID {
		a.log.Warn("mqtt connect rejected: auth chain leaf mismatch", "clientId", clientID, "leaf", leaf.ID)
		return false
	}
	if !leaf.Enabled() {
		a.log.Warn("mqtt connect rejected: identity disabled", "clientId", clientID)
		return false
	}

	return true
}

// claimedChain decodes the CONNECT username into the hop ids to
// refresh, falling back to just the client id itself when the
// username is absent or malformed.
func claimedChain(clientID, username string) []string {
	if username == "" {
		return []string{clientID}
	}
	return strings.Split(username, ";")
}
