package push

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Frame is one message on the push socket.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Conn is an established push transport.
type Conn interface {
	// ReadFrame blocks until the next frame arrives or the transport breaks.
	ReadFrame() (Frame, error)
	WriteFrame(Frame) error
	Close() error
}

// Dialer opens a push transport for one viewer.
type Dialer interface {
	Dial(ctx context.Context, viewerID string) (Conn, error)
}

// TokenSource supplies the bearer token presented during the handshake.
type TokenSource interface {
	Token() string
}

// WebsocketSettings are the transport timeouts.
type WebsocketSettings struct {
	HandshakeTimeout time.Duration
	PingInterval     time.Duration
	WriteTimeout     time.Duration
	// ReadTimeout must exceed PingInterval; every pong extends it.
	ReadTimeout time.Duration
}

func DefaultWebsocketSettings() WebsocketSettings {
	return WebsocketSettings{
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     20 * time.Second,
		WriteTimeout:     10 * time.Second,
		ReadTimeout:      60 * time.Second,
	}
}

// WebsocketDialer dials the push endpoint with gorilla/websocket.
type WebsocketDialer struct {
	url      string
	tokens   TokenSource
	settings WebsocketSettings
	logger   *zap.Logger
}

// NewWebsocketDialer creates a dialer for the events endpoint at rawURL.
// The viewer id is appended as the "viewer" query parameter.
func NewWebsocketDialer(rawURL string, tokens TokenSource, settings WebsocketSettings, logger *zap.Logger) *WebsocketDialer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebsocketDialer{url: rawURL, tokens: tokens, settings: settings, logger: logger}
}

func (d *WebsocketDialer) Dial(ctx context.Context, viewerID string) (Conn, error) {
	u, err := url.Parse(d.url)
	if err != nil {
		return nil, fmt.Errorf("parse events url: %w", err)
	}
	q := u.Query()
	q.Set("viewer", viewerID)
	u.RawQuery = q.Encode()

	header := http.Header{}
	if d.tokens != nil {
		if token := d.tokens.Token(); token != "" {
			header.Set("Authorization", "Bearer "+token)
		}
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.settings.HandshakeTimeout,
	}
	ws, resp, err := dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: handshake status %d: %w", u.Redacted(), resp.StatusCode, err)
		}
		return nil, fmt.Errorf("dial %s: %w", u.Redacted(), err)
	}

	c := &wsConn{
		ws:       ws,
		settings: d.settings,
		logger:   d.logger,
		stop:     make(chan struct{}),
	}
	if d.settings.ReadTimeout > 0 {
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(d.settings.ReadTimeout))
		})
	}
	if d.settings.PingInterval > 0 {
		go c.keepalive()
	}
	return c, nil
}

type wsConn struct {
	ws       *websocket.Conn
	settings WebsocketSettings
	logger   *zap.Logger

	writeMu   sync.Mutex
	stop      chan struct{}
	closeOnce sync.Once
}

func (c *wsConn) ReadFrame() (Frame, error) {
	for {
		if c.settings.ReadTimeout > 0 {
			_ = c.ws.SetReadDeadline(time.Now().Add(c.settings.ReadTimeout))
		}
		messageType, message, err := c.ws.ReadMessage()
		if err != nil {
			return Frame{}, err
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		var f Frame
		if err := json.Unmarshal(message, &f); err != nil || f.Event == "" {
			c.logger.Warn("malformed push frame dropped", zap.Int("size", len(message)), zap.Error(err))
			continue
		}
		return f, nil
	}
}

func (c *wsConn) WriteFrame(f Frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.settings.WriteTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.settings.WriteTimeout))
	}
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stop)
		deadline := time.Now().Add(time.Second)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		err = c.ws.Close()
	})
	return err
}

func (c *wsConn) keepalive() {
	ticker := time.NewTicker(c.settings.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			deadline := time.Now().Add(max(c.settings.WriteTimeout, time.Second))
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				// A failed ping surfaces as a read error on the next frame.
				c.logger.Debug("ping failed", zap.Error(err))
				return
			}
		}
	}
}
