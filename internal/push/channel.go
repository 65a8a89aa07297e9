// Package push maintains the long-lived event connection to the backend and
// fans incoming events out to subscribed handlers.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/matheus3301/feedsync/internal/bus"
	"github.com/matheus3301/feedsync/internal/status"
	"go.uber.org/zap"
)

// Event names delivered by the backend.
const (
	ItemCreated         = "item-created"
	ItemUpdated         = "item-updated"
	ItemRemoved         = "item-removed"
	ReactionChanged     = "reaction-changed"
	CommentCountChanged = "comment-count-changed"
)

// ErrNotConnected is returned by Emit while no transport is up.
var ErrNotConnected = errors.New("push channel not connected")

// Handler receives the raw data of one event.
type Handler func(data json.RawMessage)

// Token identifies a subscription.
type Token uint64

// Policy bounds reconnection after a transport drop.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  5,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
	}
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.InitialDelay
	exp.MaxInterval = max(p.MaxDelay, p.InitialDelay)
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0
	exp.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(max(p.MaxAttempts, 0))), ctx)
}

// Received is the bus payload for every delivered event.
type Received struct {
	Event string
	Data  json.RawMessage
}

type subscription struct {
	event   string
	handler Handler
}

// session is one Connect..Disconnect lifetime.
type session struct {
	viewer string
	cancel context.CancelFunc
	done   chan struct{}
	conn   Conn
}

// Channel is the process-wide push connection. Subscriptions outlive
// transport drops and reconnects; only Unsubscribe removes them.
type Channel struct {
	dialer  Dialer
	policy  Policy
	machine *status.Machine
	bus     *bus.Bus
	logger  *zap.Logger

	// lifecycle serializes Connect and Disconnect.
	lifecycle sync.Mutex

	mu        sync.Mutex
	subs      map[Token]subscription
	nextToken Token
	sess      *session
}

// Option configures a Channel.
type Option func(*Channel)

func WithPolicy(p Policy) Option {
	return func(c *Channel) { c.policy = p }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Channel) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewChannel creates a disconnected channel. State changes are recorded on
// machine, which is created if nil.
func NewChannel(dialer Dialer, machine *status.Machine, b *bus.Bus, opts ...Option) *Channel {
	if machine == nil {
		machine = status.NewMachine(b)
	}
	c := &Channel{
		dialer:  dialer,
		policy:  DefaultPolicy(),
		machine: machine,
		bus:     b,
		logger:  zap.NewNop(),
		subs:    make(map[Token]subscription),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Subscribe registers handler for event. Handlers for the channel run one
// at a time on the read loop, in delivery order; they must not block and
// must not call Disconnect.
func (c *Channel) Subscribe(event string, handler Handler) Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextToken++
	c.subs[c.nextToken] = subscription{event: event, handler: handler}
	return c.nextToken
}

// Unsubscribe removes a subscription. Unknown tokens are ignored.
func (c *Channel) Unsubscribe(token Token) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[token]
	delete(c.subs, token)
	return ok
}

// IsConnected reports whether a transport is currently up.
func (c *Channel) IsConnected() bool {
	return c.machine.Current() == status.Connected
}

// State returns the connection state and attempt counter.
func (c *Channel) State() status.Snapshot {
	return c.machine.Snapshot()
}

// Viewer returns the viewer of the active session, if any.
func (c *Channel) Viewer() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return ""
	}
	return c.sess.viewer
}

// Emit sends an event upstream.
func (c *Channel) Emit(event string, data any) error {
	c.mu.Lock()
	var conn Conn
	if c.sess != nil {
		conn = c.sess.conn
	}
	c.mu.Unlock()
	if conn == nil || !c.IsConnected() {
		return ErrNotConnected
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s: %w", event, err)
	}
	if err := conn.WriteFrame(Frame{Event: event, Data: raw}); err != nil {
		return fmt.Errorf("emit %s: %w", event, err)
	}
	return nil
}

// Connect opens the channel for viewerID. Calling it again for the same
// viewer while a session is active is a no-op; a different viewer tears the
// current session down first. The first dial runs synchronously; if it
// fails the channel keeps retrying in the background under the reconnect
// policy.
func (c *Channel) Connect(ctx context.Context, viewerID string) error {
	if viewerID == "" {
		return fmt.Errorf("connect: empty viewer id")
	}
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	if c.sess != nil && c.sess.viewer == viewerID {
		c.mu.Unlock()
		return nil
	}
	switching := c.sess != nil
	c.mu.Unlock()
	if switching {
		c.teardown()
	}

	if err := c.machine.Transition(status.Connecting); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	attempt := c.machine.RecordAttempt()
	conn, err := c.dialer.Dial(ctx, viewerID)
	if ctx.Err() != nil {
		if conn != nil {
			_ = conn.Close()
		}
		_ = c.machine.Transition(status.Disconnected)
		return fmt.Errorf("connect: %w", ctx.Err())
	}

	sessCtx, cancel := context.WithCancel(context.Background())
	sess := &session{viewer: viewerID, cancel: cancel, done: make(chan struct{}), conn: conn}
	c.mu.Lock()
	c.sess = sess
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("push dial failed", zap.String("viewer", viewerID), zap.Uint64("attempt", attempt), zap.Error(err))
		_ = c.machine.Transition(status.Reconnecting)
	} else {
		c.logger.Info("push connected", zap.String("viewer", viewerID), zap.Uint64("attempt", attempt))
		_ = c.machine.Transition(status.Connected)
	}
	go c.run(sessCtx, sess)
	return nil
}

// Disconnect closes the channel. It never reconnects on its own afterwards.
func (c *Channel) Disconnect() {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	c.teardown()
}

func (c *Channel) teardown() {
	c.mu.Lock()
	sess := c.sess
	c.sess = nil
	var conn Conn
	if sess != nil {
		conn = sess.conn
	}
	c.mu.Unlock()

	if sess != nil {
		sess.cancel()
		if conn != nil {
			_ = conn.Close()
		}
		<-sess.done
		c.logger.Info("push disconnected", zap.String("viewer", sess.viewer))
	}
	if c.machine.Current() != status.Disconnected {
		_ = c.machine.Transition(status.Disconnected)
	}
}

func (c *Channel) run(ctx context.Context, sess *session) {
	defer close(sess.done)
	conn := sess.conn
	for {
		if conn != nil {
			err := c.readLoop(conn)
			_ = conn.Close()
			if ctx.Err() != nil {
				return
			}
			c.logger.Warn("push transport dropped", zap.String("viewer", sess.viewer), zap.Error(err))
			c.setConn(sess, nil)
			_ = c.machine.Transition(status.Reconnecting)
		}

		conn = c.redial(ctx, sess.viewer)
		if conn == nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("push reconnect gave up",
				zap.String("viewer", sess.viewer),
				zap.Uint64("attempts", c.machine.Attempts()))
			c.mu.Lock()
			if c.sess == sess {
				c.sess = nil
			}
			c.mu.Unlock()
			_ = c.machine.GiveUp()
			return
		}
		if !c.setConn(sess, conn) {
			_ = conn.Close()
			return
		}
		c.logger.Info("push reconnected", zap.String("viewer", sess.viewer), zap.Uint64("attempt", c.machine.Attempts()))
		_ = c.machine.Transition(status.Connected)
	}
}

// setConn publishes conn as the session transport unless the session has
// been torn down.
func (c *Channel) setConn(sess *session, conn Conn) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != sess {
		return false
	}
	sess.conn = conn
	return true
}

func (c *Channel) redial(ctx context.Context, viewerID string) Conn {
	b := c.policy.backOff(ctx)
	for {
		delay := b.NextBackOff()
		if delay == backoff.Stop {
			return nil
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		attempt := c.machine.RecordAttempt()
		conn, err := c.dialer.Dial(ctx, viewerID)
		if err == nil {
			return conn
		}
		c.logger.Debug("push redial failed", zap.Uint64("attempt", attempt), zap.Error(err))
	}
}

func (c *Channel) readLoop(conn Conn) error {
	for {
		f, err := conn.ReadFrame()
		if err != nil {
			return err
		}
		c.dispatch(f)
	}
}

func (c *Channel) dispatch(f Frame) {
	c.mu.Lock()
	var tokens []Token
	for tok, sub := range c.subs {
		if sub.event == f.Event {
			tokens = append(tokens, tok)
		}
	}
	slices.Sort(tokens)
	handlers := make([]Handler, 0, len(tokens))
	for _, tok := range tokens {
		handlers = append(handlers, c.subs[tok].handler)
	}
	c.mu.Unlock()

	for _, h := range handlers {
		c.invoke(f, h)
	}
	c.bus.Publish(bus.NewEvent(bus.KindChannelEvent, Received{Event: f.Event, Data: f.Data}))
}

func (c *Channel) invoke(f Frame, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("push handler panicked", zap.String("event", f.Event), zap.Any("panic", r))
		}
	}()
	h(f.Data)
}
