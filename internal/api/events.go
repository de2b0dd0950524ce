package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"soulkyn.app/character-chat/internal/core"
)

const (
	eventBuffer  = 256
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

// EventHub pushes state store events to websocket clients. Each
// connection owns its own subscription; a slow client drops events
// rather than holding up the store.
type EventHub struct {
	state    *core.StateStore
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

func NewEventHub(state *core.StateStore, logger *zap.Logger) *EventHub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventHub{
		state:  state,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Local single-user app
			},
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

func (hub *EventHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Subscribe before the handshake completes so the client sees every
	// change made after it connected.
	events, cancel := hub.state.Subscribe(eventBuffer)
	defer cancel()

	conn, err := hub.upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	// The client never sends anything we care about; reading only detects close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				hub.logger.Debug("Websocket write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
