package authn

import (
	"context"
	"testing"
	"time"

	"twingate/edge-gateway/internal/model"
)

type fakeCache struct {
	chains    map[string][]model.ServiceIdentity
	refreshed [][]string
	onRefresh func()
}

func (f *fakeCache) GetAuthChain(id string) []model.ServiceIdentity {
	return f.chains[id]
}

func (f *fakeCache) RefreshAuthChain(_ context.Context, chain []string) {
	f.refreshed = append(f.refreshed, chain)
	if f.onRefresh != nil {
		f.onRefresh()
	}
}

func identity(id string, status model.IdentityStatus) model.ServiceIdentity {
	return model.ServiceIdentity{ID: id, Kind: model.KindDevice, Status: status}
}

func TestAuthenticateAcceptsMatchingEnabledLeaf(t *testing.T) {
	cache := &fakeCache{chains: map[string][]model.ServiceIdentity{
		"d1": {identity("gateway", model.StatusEnabled), identity("d1", model.StatusEnabled)},
	}}
	a := New(cache, time.Second, nil)

	if !a.Authenticate("d1", "") {
		t.Fatal("expected acceptance for a matching enabled leaf")
	}
}

func TestAuthenticateRejectsDisabledLeaf(t *testing.T) {
	cache := &fakeCache{chains: map[string][]model.ServiceIdentity{
		"d1": {identity("gateway", model.StatusEnabled), identity("d1", model.StatusDisabled)},
	}}
	a := New(cache, time.Second, nil)

	if a.Authenticate("d1", "") {
		t.Fatal("expected rejection for a disabled leaf")
	}
}

func TestAuthenticateRejectsLeafMismatch(t *testing.T) {
	cache := &fakeCache{chains: map[string][]model.ServiceIdentity{
		"d1": {identity("gateway", model.StatusEnabled), identity("d2", model.StatusEnabled)},
	}}
	a := New(cache, time.Second, nil)

	if a.Authenticate("d1", "") {
		t.Fatal("expected rejection when the claimed client id isn't the chain's leaf")
	}
}

func TestAuthenticateRefreshesOnEmptyChainThenRetries(t *testing.T) {
	cache := &fakeCache{chains: map[string][]model.ServiceIdentity{}}
	cache.onRefresh = func() {
		cache.chains["d1"] = []model.ServiceIdentity{identity("gateway", model.StatusEnabled), identity("d1", model.StatusEnabled)}
	}
	a := New(cache, time.Second, nil)

	if !a.Authenticate("d1", "gateway;d1") {
		t.Fatal("expected acceptance after on-demand refresh resolves the chain")
	}
	if len(cache.refreshed) != 1 {
		t.Fatalf("refreshed calls = %d, want 1", len(cache.refreshed))
	}
	if cache.refreshed[0][0] != "gateway" || cache.refreshed[0][1] != "d1" {
		t.Fatalf("refreshed chain = %v, want [gateway d1] decoded from the username", cache.refreshed[0])
	}
}

func TestAuthenticateRejectsWhenChainStaysEmptyAfterRefresh(t *testing.T) {
	cache := &fakeCache{chains: map[string][]model.ServiceIdentity{}}
	a := New(cache, time.Second, nil)

	if a.Authenticate("d1", "") {
		t.Fatal("expected rejection when no chain is ever resolved")
	}
}
