package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/taskrun/internal/bus"
)

type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsClient) write(ctx context.Context, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return wsjson.Write(wctx, c.conn, payload)
}

// wsEvent is the wire shape of a pushed bus event.
type wsEvent struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload"`
}

// handleWS upgrades the connection and streams every run and
// notification lifecycle event to the client until it disconnects.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		// Same-origin requests are always allowed by the websocket
		// library; cross-origin needs an explicit allowlist entry.
		OriginPatterns: s.cfg.AllowOrigins,
	})
	if err != nil {
		return
	}
	c := &wsClient{conn: conn}
	s.addClient(c)
	s.logger.Info("ws client connected")
	defer func() {
		s.removeClient(c)
		s.logger.Info("ws client disconnected")
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	ctx := r.Context()
	var sub *bus.Subscription
	if s.cfg.Bus != nil {
		sub = s.cfg.Bus.Subscribe("")
		defer s.cfg.Bus.Unsubscribe(sub)
	}

	// Reads are discarded; the socket is push-only. The read loop
	// exists to notice disconnects promptly.
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	if sub == nil {
		<-readDone
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-readDone:
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			if err := c.write(ctx, wsEvent{Topic: ev.Topic, Payload: ev.Payload}); err != nil {
				return
			}
		}
	}
}

func (s *Server) addClient(c *wsClient) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) removeClient(c *wsClient) {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	delete(s.clients, c)
}

func (s *Server) clientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
