package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"flowagent/internal/eventbus"
)

const (
	streamBuffer     = 256
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// streamEvents handles GET /api/events/stream?type=&org_id=
// 每个连接注册一个 OnAny 订阅，断开时注销；慢客户端的事件被丢弃
func (r *Router) streamEvents(c *gin.Context) {
	filter, ok := historyFilter(c)
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		r.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	send := make(chan eventbus.Event, streamBuffer)
	subID := r.deps.Bus.OnAny(func(_ context.Context, ev eventbus.Event) error {
		if !filter.Match(ev) {
			return nil
		}
		select {
		case send <- ev:
		default:
			r.logger.Debug("Stream client too slow, event dropped", zap.String("event_id", ev.ID))
		}
		return nil
	})
	r.logger.Info("Event stream client connected", zap.String("subscription_id", subID))

	closed := make(chan struct{})
	go r.readPump(conn, closed)
	r.writePump(conn, send, closed)

	r.deps.Bus.Off(subID)
	conn.Close()
	r.logger.Info("Event stream client disconnected", zap.String("subscription_id", subID))
}

// readPump discards client frames and closes done when the peer goes away.
func (r *Router) readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (r *Router) writePump(conn *websocket.Conn, send <-chan eventbus.Event, done <-chan struct{}) {
	ticker := time.NewTicker(streamPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case ev := <-send:
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
