package realtime

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"loom/api/internal/metrics"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// Bridge upgrades client connections to websockets and forwards every
// envelope published on the requested channel until the client goes
// away. Authorization happens before the upgrade, in the HTTP layer.
type Bridge struct {
	client   *redis.Client
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

func NewBridge(client *redis.Client, log zerolog.Logger) *Bridge {
	return &Bridge{
		client: client,
		log:    log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// ServeChannel runs one subscriber connection to completion.
func (b *Bridge) ServeChannel(w http.ResponseWriter, r *http.Request, channel string) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Warn().Err(err).Str("channel", channel).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	metrics.WsConnections.Inc()
	defer metrics.WsConnections.Dec()

	sub := b.client.Subscribe(r.Context(), channel)
	defer sub.Close()

	// Reader loop only services control frames; subscribers never send.
	go func() {
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				_ = sub.Close()
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	deliveries := sub.Channel()
	for {
		select {
		case msg, ok := <-deliveries:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, []byte(msg.Payload)); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}
