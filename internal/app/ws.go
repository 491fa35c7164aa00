package app

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"twingate/edge-gateway/internal/model"
)

var identityEventsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type wireIdentityChange struct {
	Kind     string                 `json:"kind"`
	ID       string                 `json:"id"`
	Identity *model.ServiceIdentity `json:"identity,omitempty"`
}

// handleIdentityEvents upgrades to a websocket connection and streams
// every IdentityChange the cache emits until the connection drops or
// the request context is canceled.
func (a *App) handleIdentityEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := identityEventsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Warn("identity events websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := make(chan model.IdentityChange, 16)
	unsubscribe := a.identities.Subscribe(ch)
	defer unsubscribe()

	pingTicker := time.NewTicker(30 * time.Second)
	defer pingTicker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-pingTicker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		case change, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(toWireIdentityChange(change)); err != nil {
				return
			}
		}
	}
}

func toWireIdentityChange(change model.IdentityChange) wireIdentityChange {
	w := wireIdentityChange{ID: change.ID}
	switch change.Kind {
	case model.IdentityUpdated:
		w.Kind = "updated"
		identity := change.Identity
		w.Identity = &identity
	case model.IdentityRemoved:
		w.Kind = "removed"
	}
	return w
}
