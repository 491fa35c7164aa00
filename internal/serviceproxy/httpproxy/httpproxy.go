// Package httpproxy implements serviceproxy.Proxy over a plain HTTP
// JSON API exposed by the remote identity service, grounded on the
// pack's context-scoped http.NewRequestWithContext + http.Client.Do
// forwarding pattern (torua's coordinator forwardGet/forwardPut).
package httpproxy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"twingate/edge-gateway/internal/model"
	"twingate/edge-gateway/internal/serviceproxy"
)

// Proxy talks to the remote identity service's HTTP API.
type Proxy struct {
	baseURL string
	client  *http.Client
	log     *slog.Logger
}

// New constructs a Proxy. baseURL is the identity service root, e.g.
// "https://identity.example.com". timeout bounds every request.
func New(baseURL string, timeout time.Duration, logger *slog.Logger) *Proxy {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Proxy{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		log:     logger,
	}
}

// Iterator implements serviceproxy.Proxy.
func (p *Proxy) Iterator(_ context.Context) serviceproxy.Iterator {
	return &pageIterator{proxy: p}
}

type listResponse struct {
	Identities    []model.ServiceIdentity `json:"identities"`
	NextPageToken string                  `json:"nextPageToken"`
}

type pageIterator struct {
	proxy     *Proxy
	token     string
	started   bool
	exhausted bool
}

func (it *pageIterator) HasNext() bool {
	return !it.started || (!it.exhausted && it.token != "")
}

func (it *pageIterator) Next(ctx context.Context) ([]model.ServiceIdentity, error) {
	it.started = true

	u := it.proxy.baseURL + "/identities?pageSize=200"
	if it.token != "" {
		u += "&pageToken=" + url.QueryEscape(it.token)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		it.exhausted = true
		return nil, nil
	}

	resp, err := it.proxy.client.Do(req)
	if err != nil {
		it.logError("list identities", err)
		it.exhausted = true
		return nil, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		it.logError("list identities", fmt.Errorf("unexpected status %d", resp.StatusCode))
		it.exhausted = true
		return nil, nil
	}

	var page listResponse
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		it.logError("decode identity page", err)
		it.exhausted = true
		return nil, nil
	}

	it.token = page.NextPageToken
	if it.token == "" {
		it.exhausted = true
	}
	return page.Identities, nil
}

func (it *pageIterator) logError(op string, err error) {
	if it.proxy.log != nil {
		it.proxy.log.Warn("service proxy request failed", "op", op, "error", err)
	}
}

// GetIdentity implements serviceproxy.Proxy.
func (p *Proxy) GetIdentity(ctx context.Context, deviceID, moduleID string) (model.ServiceIdentity, bool) {
	path := "/identities/" + url.PathEscape(deviceID)
	if moduleID != "" {
		path += "/modules/" + url.PathEscape(moduleID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+path, nil)
	if err != nil {
		return model.ServiceIdentity{}, false
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if p.log != nil {
			p.log.Warn("get identity request failed", "deviceId", deviceID, "moduleId", moduleID, "error", err)
		}
		return model.ServiceIdentity{}, false
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return model.ServiceIdentity{}, false
	}
	if resp.StatusCode != http.StatusOK {
		if p.log != nil {
			p.log.Warn("get identity unexpected status", "deviceId", deviceID, "status", resp.StatusCode)
		}
		return model.ServiceIdentity{}, false
	}

	var identity model.ServiceIdentity
	if err := json.NewDecoder(resp.Body).Decode(&identity); err != nil {
		if p.log != nil {
			p.log.Warn("decode identity failed", "deviceId", deviceID, "error", err)
		}
		return model.ServiceIdentity{}, false
	}
	return identity, true
}
