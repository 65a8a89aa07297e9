package push

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/feedsync/internal/bus"
	"github.com/matheus3301/feedsync/internal/status"
)

var errDropped = errors.New("connection reset")

type fakeConn struct {
	frames    chan Frame
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	written []Frame
}

func newFakeConn() *fakeConn {
	return &fakeConn{frames: make(chan Frame, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadFrame() (Frame, error) {
	select {
	case f := <-c.frames:
		return f, nil
	case <-c.closed:
		return Frame{}, errDropped
	}
}

func (c *fakeConn) WriteFrame(f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, f)
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) send(event, data string) {
	c.frames <- Frame{Event: event, Data: json.RawMessage(data)}
}

// fakeDialer hands out connections in order. A nil entry (or running out)
// fails the dial.
type fakeDialer struct {
	mu      sync.Mutex
	conns   []*fakeConn
	dials   int
	viewers []string
}

func (d *fakeDialer) Dial(_ context.Context, viewerID string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	d.viewers = append(d.viewers, viewerID)
	if len(d.conns) == 0 {
		return nil, errors.New("refused")
	}
	c := d.conns[0]
	d.conns = d.conns[1:]
	if c == nil {
		return nil, errors.New("refused")
	}
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func fastPolicy(attempts int) Policy {
	return Policy{MaxAttempts: attempts, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestConnectAndDispatch(t *testing.T) {
	conn := newFakeConn()
	ch := NewChannel(&fakeDialer{conns: []*fakeConn{conn}}, nil, nil)
	defer ch.Disconnect()

	got := make(chan string, 4)
	ch.Subscribe(ItemCreated, func(data json.RawMessage) { got <- "a:" + string(data) })
	ch.Subscribe(ItemCreated, func(data json.RawMessage) { got <- "b:" + string(data) })
	ch.Subscribe(ItemRemoved, func(json.RawMessage) { got <- "removed" })

	if err := ch.Connect(context.Background(), "u1"); err != nil {
		t.Fatal(err)
	}
	if !ch.IsConnected() {
		t.Fatal("expected connected after successful dial")
	}

	conn.send(ItemCreated, `{"id":"p1"}`)
	for _, want := range []string{`a:{"id":"p1"}`, `b:{"id":"p1"}`} {
		select {
		case g := <-got:
			if g != want {
				t.Errorf("got %q, want %q", g, want)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for handler")
		}
	}
	select {
	case g := <-got:
		t.Errorf("unexpected delivery %q", g)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	conn := newFakeConn()
	ch := NewChannel(&fakeDialer{conns: []*fakeConn{conn}}, nil, nil)
	defer ch.Disconnect()

	got := make(chan string, 4)
	tok := ch.Subscribe(ItemUpdated, func(json.RawMessage) { got <- "first" })
	ch.Subscribe(ItemUpdated, func(json.RawMessage) { got <- "second" })
	if !ch.Unsubscribe(tok) {
		t.Fatal("Unsubscribe returned false for a live token")
	}
	if ch.Unsubscribe(tok) {
		t.Fatal("second Unsubscribe should report false")
	}

	if err := ch.Connect(context.Background(), "u1"); err != nil {
		t.Fatal(err)
	}
	conn.send(ItemUpdated, `{}`)
	select {
	case g := <-got:
		if g != "second" {
			t.Errorf("got %q, want second", g)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout")
	}
}

func TestConnectIdempotentForSameViewer(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	d := &fakeDialer{conns: []*fakeConn{first, second}}
	ch := NewChannel(d, nil, nil)
	defer ch.Disconnect()

	ctx := context.Background()
	if err := ch.Connect(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	if err := ch.Connect(ctx, "u1"); err != nil {
		t.Fatal(err)
	}
	if d.dialCount() != 1 {
		t.Fatalf("dials = %d, want 1", d.dialCount())
	}

	if err := ch.Connect(ctx, "u2"); err != nil {
		t.Fatal(err)
	}
	if d.dialCount() != 2 {
		t.Fatalf("dials = %d, want 2", d.dialCount())
	}
	select {
	case <-first.closed:
	default:
		t.Error("switching viewers must close the previous transport")
	}
	if ch.Viewer() != "u2" {
		t.Errorf("viewer = %q", ch.Viewer())
	}
}

func TestReconnectKeepsHandlers(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	b := bus.New()
	states, unsub := b.Subscribe("channel.state", 16)
	defer unsub()

	ch := NewChannel(&fakeDialer{conns: []*fakeConn{first, nil, second}}, nil, b, WithPolicy(fastPolicy(5)))
	defer ch.Disconnect()

	got := make(chan string, 4)
	ch.Subscribe(ReactionChanged, func(data json.RawMessage) { got <- string(data) })

	if err := ch.Connect(context.Background(), "u1"); err != nil {
		t.Fatal(err)
	}
	first.Close()
	waitFor(t, "reconnect", func() bool {
		s := ch.State()
		return s.State == status.Connected && s.Attempts == 3
	})

	second.send(ReactionChanged, `{"id":"p1"}`)
	select {
	case g := <-got:
		if g != `{"id":"p1"}` {
			t.Errorf("got %q", g)
		}
	case <-time.After(time.Second):
		t.Fatal("handler lost across reconnect")
	}

	var seen []status.State
	for len(seen) < 4 {
		select {
		case evt := <-states:
			seen = append(seen, evt.Payload.(status.StatusChange).To)
		case <-time.After(time.Second):
			t.Fatalf("state events = %v", seen)
		}
	}
	want := []status.State{status.Connecting, status.Connected, status.Reconnecting, status.Connected}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("state events = %v, want %v", seen, want)
		}
	}
}

func TestRetriesExhaustedIsTerminal(t *testing.T) {
	first := newFakeConn()
	d := &fakeDialer{conns: []*fakeConn{first}}
	ch := NewChannel(d, nil, nil, WithPolicy(fastPolicy(3)))

	if err := ch.Connect(context.Background(), "u1"); err != nil {
		t.Fatal(err)
	}
	first.Close()
	waitFor(t, "give up", func() bool { return ch.State().GaveUp })

	s := ch.State()
	if s.State != status.Disconnected {
		t.Errorf("state = %s, want DISCONNECTED", s.State)
	}
	if s.Attempts != 4 {
		t.Errorf("attempts = %d, want 4 (initial + 3 retries)", s.Attempts)
	}
	time.Sleep(20 * time.Millisecond)
	if d.dialCount() != 4 {
		t.Errorf("dials after giving up = %d, want 4", d.dialCount())
	}

	// A new Connect starts over.
	d.mu.Lock()
	d.conns = []*fakeConn{newFakeConn()}
	d.mu.Unlock()
	if err := ch.Connect(context.Background(), "u1"); err != nil {
		t.Fatal(err)
	}
	if !ch.IsConnected() {
		t.Error("expected connected after explicit Connect")
	}
	ch.Disconnect()
}

func TestDisconnectNeverReconnects(t *testing.T) {
	conn := newFakeConn()
	d := &fakeDialer{conns: []*fakeConn{conn, newFakeConn()}}
	ch := NewChannel(d, nil, nil, WithPolicy(fastPolicy(5)))

	if err := ch.Connect(context.Background(), "u1"); err != nil {
		t.Fatal(err)
	}
	ch.Disconnect()
	time.Sleep(20 * time.Millisecond)

	if d.dialCount() != 1 {
		t.Errorf("dials = %d, want 1", d.dialCount())
	}
	if ch.State().State != status.Disconnected || ch.State().GaveUp {
		t.Errorf("state = %+v", ch.State())
	}
	if ch.Viewer() != "" {
		t.Error("viewer should be cleared")
	}
	// Disconnect twice is harmless.
	ch.Disconnect()
}

func TestInitialDialFailureRetries(t *testing.T) {
	conn := newFakeConn()
	d := &fakeDialer{conns: []*fakeConn{nil, conn}}
	ch := NewChannel(d, nil, nil, WithPolicy(fastPolicy(5)))
	defer ch.Disconnect()

	if err := ch.Connect(context.Background(), "u1"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "connected", ch.IsConnected)
	if d.dialCount() != 2 {
		t.Errorf("dials = %d, want 2", d.dialCount())
	}
}

func TestEmit(t *testing.T) {
	conn := newFakeConn()
	ch := NewChannel(&fakeDialer{conns: []*fakeConn{conn}}, nil, nil)

	if err := ch.Emit("typing", map[string]string{"post": "p1"}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Emit before connect = %v, want ErrNotConnected", err)
	}
	if err := ch.Connect(context.Background(), "u1"); err != nil {
		t.Fatal(err)
	}
	if err := ch.Emit("typing", map[string]string{"post": "p1"}); err != nil {
		t.Fatal(err)
	}
	conn.mu.Lock()
	written := conn.written
	conn.mu.Unlock()
	if len(written) != 1 || written[0].Event != "typing" || string(written[0].Data) != `{"post":"p1"}` {
		t.Errorf("written = %+v", written)
	}

	ch.Disconnect()
	if err := ch.Emit("typing", nil); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Emit after disconnect = %v, want ErrNotConnected", err)
	}
}

func TestHandlerPanicDoesNotKillChannel(t *testing.T) {
	conn := newFakeConn()
	ch := NewChannel(&fakeDialer{conns: []*fakeConn{conn}}, nil, nil)
	defer ch.Disconnect()

	got := make(chan struct{}, 1)
	ch.Subscribe(ItemRemoved, func(json.RawMessage) { panic("boom") })
	ch.Subscribe(ItemRemoved, func(json.RawMessage) { got <- struct{}{} })
	if err := ch.Connect(context.Background(), "u1"); err != nil {
		t.Fatal(err)
	}
	conn.send(ItemRemoved, `{}`)
	select {
	case <-got:
	case <-time.After(time.Second):
		t.Fatal("second handler not invoked")
	}
	if !ch.IsConnected() {
		t.Error("panic must not drop the connection")
	}
}

func TestDispatchPublishesOnBus(t *testing.T) {
	conn := newFakeConn()
	b := bus.New()
	events, unsub := b.Subscribe(bus.KindChannelEvent, 4)
	defer unsub()

	ch := NewChannel(&fakeDialer{conns: []*fakeConn{conn}}, nil, b)
	defer ch.Disconnect()
	if err := ch.Connect(context.Background(), "u1"); err != nil {
		t.Fatal(err)
	}
	conn.send(CommentCountChanged, `{"id":"p1","comment_count":2}`)

	select {
	case evt := <-events:
		r := evt.Payload.(Received)
		if r.Event != CommentCountChanged {
			t.Errorf("event = %q", r.Event)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout")
	}
}
