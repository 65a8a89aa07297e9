package mockserver

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	sendBuffer = 64
)

type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// subscriber is one open event socket.
type subscriber struct {
	viewer string
	send   chan []byte
}

type hub struct {
	logger *zap.Logger
	mu     sync.Mutex
	subs   map[*subscriber]struct{}
}

func newHub(logger *zap.Logger) *hub {
	return &hub{logger: logger, subs: make(map[*subscriber]struct{})}
}

func (h *hub) add(sub *subscriber) {
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
}

func (h *hub) remove(sub *subscriber) {
	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
}

func (h *hub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// broadcast renders data per subscriber viewer and queues the frame. A
// subscriber whose buffer is full misses the event.
func (h *hub) broadcast(event string, data func(viewer string) any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		payload, err := json.Marshal(data(sub.viewer))
		if err != nil {
			h.logger.Error("encode event", zap.String("event", event), zap.Error(err))
			return
		}
		msg, err := json.Marshal(frame{Event: event, Data: payload})
		if err != nil {
			h.logger.Error("encode frame", zap.String("event", event), zap.Error(err))
			return
		}
		select {
		case sub.send <- msg:
		default:
			h.logger.Warn("event dropped for slow subscriber", zap.String("viewer", sub.viewer), zap.String("event", event))
		}
	}
}

// Subscribers returns the number of open event sockets.
func (s *Server) Subscribers() int {
	return s.hub.count()
}

// Broadcast sends a raw event to every open socket.
func (s *Server) Broadcast(event string, data any) {
	s.hub.broadcast(event, func(string) any { return data })
}

// DropConnections closes every open event socket, as a backend restart would.
func (s *Server) DropConnections() {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	for sub := range s.hub.subs {
		close(sub.send)
		delete(s.hub.subs, sub)
	}
}

type broadcastArgs struct {
	Event string          `json:"event" binding:"required"`
	Data  json.RawMessage `json:"data"`
}

func (s *Server) broadcastRaw(c *gin.Context) {
	var args broadcastArgs
	if err := c.ShouldBindJSON(&args); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	s.Broadcast(args.Event, args.Data)
	ok(c, http.StatusOK, gin.H{"subscribers": s.Subscribers()})
}

// serveEvents upgrades to a websocket and streams frames until either side
// closes. The viewer query parameter must match the token subject.
func (s *Server) serveEvents(c *gin.Context) {
	viewer := viewerOf(c)
	if q := c.Query("viewer"); q != "" && q != viewer {
		fail(c, http.StatusForbidden, "viewer does not match token")
		return
	}
	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("upgrade failed", zap.Error(err))
		return
	}
	sub := &subscriber{viewer: viewer, send: make(chan []byte, sendBuffer)}
	s.hub.add(sub)
	s.logger.Debug("event socket opened", zap.String("viewer", viewer))

	// Reader: answers pings and notices the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	defer func() {
		s.hub.remove(sub)
		_ = ws.Close()
		s.logger.Debug("event socket closed", zap.String("viewer", viewer))
	}()
	for {
		select {
		case msg, open := <-sub.send:
			if !open {
				_ = ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "server restart"),
					time.Now().Add(writeWait))
				return
			}
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}
