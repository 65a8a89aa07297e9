package session

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/matheus3301/feedsync/internal/bus"
	"github.com/matheus3301/feedsync/internal/feed"
	"github.com/matheus3301/feedsync/internal/gateway"
	"github.com/matheus3301/feedsync/internal/store"
)

type fakeChannel struct {
	mu          sync.Mutex
	viewers     []string
	disconnects int
	err         error
}

func (c *fakeChannel) Connect(_ context.Context, viewerID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.viewers = append(c.viewers, viewerID)
	return nil
}

func (c *fakeChannel) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnects++
}

type fakeIdentifier struct {
	seen string
	m    *Manager
	user gateway.User
	err  error
}

func (f *fakeIdentifier) Me(context.Context) (gateway.User, error) {
	f.seen = f.m.Token()
	return f.user, f.err
}

func testStore(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "feedsync.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func signed(t *testing.T, claims gojwt.MapClaims) string {
	t.Helper()
	s, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestViewerFromToken(t *testing.T) {
	tests := []struct {
		name  string
		token string
		want  string
	}{
		{"sub claim", signed(t, gojwt.MapClaims{"sub": "u-42"}), "u-42"},
		{"user_id claim", signed(t, gojwt.MapClaims{"user_id": "u-7"}), "u-7"},
		{"numeric user_id", signed(t, gojwt.MapClaims{"user_id": 1234}), "1234"},
		{"sub wins", signed(t, gojwt.MapClaims{"sub": "a", "user_id": "b"}), "a"},
		{"no claims", signed(t, gojwt.MapClaims{"scope": "feed"}), ""},
		{"opaque token", "not-a-jwt", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ViewerFromToken(tt.token); got != tt.want {
				t.Errorf("ViewerFromToken() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLoginWithJWT(t *testing.T) {
	db := testStore(t)
	ch := &fakeChannel{}
	b := bus.New()
	events, unsub := b.Subscribe("session.", 4)
	defer unsub()
	m := NewManager(db, ch, nil, b, nil)

	var hooked []string
	m.OnLogin(func(_ context.Context, id Identity) { hooked = append(hooked, id.ViewerID) })

	token := signed(t, gojwt.MapClaims{"sub": "u1"})
	id, err := m.Login(context.Background(), "  "+token+"\n")
	if err != nil {
		t.Fatal(err)
	}
	if id.ViewerID != "u1" || m.Token() != token {
		t.Errorf("identity = %+v token = %q", id, m.Token())
	}
	if len(ch.viewers) != 1 || ch.viewers[0] != "u1" {
		t.Errorf("connects = %v", ch.viewers)
	}
	if len(hooked) != 1 {
		t.Errorf("login hooks ran %d times", len(hooked))
	}
	c, err := db.LoadCredentials()
	if err != nil || c.Token != token || c.ViewerID != "u1" {
		t.Errorf("stored = %+v, %v", c, err)
	}
	evt := <-events
	if evt.Kind != bus.KindSessionLoggedIn {
		t.Errorf("event = %s", evt.Kind)
	}
}

func TestLoginFallsBackToMe(t *testing.T) {
	db := testStore(t)
	ident := &fakeIdentifier{user: gateway.User{ID: "u9", Name: "Nine"}}
	m := NewManager(db, &fakeChannel{}, ident, nil, nil)
	ident.m = m

	id, err := m.Login(context.Background(), "opaque-token")
	if err != nil {
		t.Fatal(err)
	}
	if ident.seen != "opaque-token" {
		t.Errorf("identify saw token %q", ident.seen)
	}
	if id.ViewerID != "u9" || id.Name != "Nine" {
		t.Errorf("identity = %+v", id)
	}
}

func TestLoginFailures(t *testing.T) {
	db := testStore(t)

	m := NewManager(db, &fakeChannel{}, nil, nil, nil)
	if _, err := m.Login(context.Background(), ""); err == nil {
		t.Error("empty token accepted")
	}
	if _, err := m.Login(context.Background(), "opaque"); !errors.Is(err, ErrUnknownViewer) {
		t.Errorf("opaque token without identifier err = %v", err)
	}

	ident := &fakeIdentifier{err: errors.New("401")}
	m = NewManager(db, &fakeChannel{}, ident, nil, nil)
	ident.m = m
	if _, err := m.Login(context.Background(), "opaque"); err == nil {
		t.Error("identify failure accepted")
	}
	if m.Token() != "" {
		t.Errorf("token left installed after failed identify: %q", m.Token())
	}
	if _, err := db.LoadCredentials(); !errors.Is(err, store.ErrNoCredentials) {
		t.Errorf("credentials stored on failure: %v", err)
	}
}

func TestSwitchingViewerRunsLogoutHooks(t *testing.T) {
	m := NewManager(testStore(t), &fakeChannel{}, nil, nil, nil)
	teardowns := 0
	m.OnLogout(func() { teardowns++ })

	ctx := context.Background()
	if _, err := m.Login(ctx, signed(t, gojwt.MapClaims{"sub": "u1"})); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Login(ctx, signed(t, gojwt.MapClaims{"sub": "u1", "iat": 1})); err != nil {
		t.Fatal(err)
	}
	if teardowns != 0 {
		t.Errorf("same viewer re-login tore down views")
	}
	if _, err := m.Login(ctx, signed(t, gojwt.MapClaims{"sub": "u2"})); err != nil {
		t.Fatal(err)
	}
	if teardowns != 1 {
		t.Errorf("teardowns = %d, want 1", teardowns)
	}
}

func TestSwitchingViewerDropsPreviousCache(t *testing.T) {
	db := testStore(t)
	m := NewManager(db, &fakeChannel{}, nil, nil, nil)
	// Stands in for the host persisting the outgoing viewer's feed.
	m.OnLogout(func() {
		_ = db.SaveFeed("home@u1", []feed.Item{{ID: "p1", Body: "secret", Visibility: feed.Private}})
		_ = db.PutCheckpoint("cursor:home@u1", "c1")
	})

	ctx := context.Background()
	if _, err := m.Login(ctx, signed(t, gojwt.MapClaims{"sub": "u1"})); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Login(ctx, signed(t, gojwt.MapClaims{"sub": "u2"})); err != nil {
		t.Fatal(err)
	}
	if cached, err := db.LoadFeed("home@u1"); err != nil || len(cached) != 0 {
		t.Errorf("previous viewer's cache = %d items, %v", len(cached), err)
	}
	if _, ok, _ := db.GetCheckpoint("cursor:home@u1"); ok {
		t.Error("previous viewer's cursor survived the switch")
	}
	if id, _ := m.Identity(); id.ViewerID != "u2" {
		t.Errorf("viewer = %q", id.ViewerID)
	}
}

func TestLogoutClearsEverything(t *testing.T) {
	db := testStore(t)
	ch := &fakeChannel{}
	m := NewManager(db, ch, nil, nil, nil)
	closed := false
	m.OnLogout(func() { closed = true })

	ctx := context.Background()
	if err := m.Logout(ctx); !errors.Is(err, ErrNotLoggedIn) {
		t.Errorf("logout while logged out err = %v", err)
	}
	if _, err := m.Login(ctx, signed(t, gojwt.MapClaims{"sub": "u1"})); err != nil {
		t.Fatal(err)
	}
	if err := db.PutCheckpoint("feed:home:cursor", "c1"); err != nil {
		t.Fatal(err)
	}

	if err := m.Logout(ctx); err != nil {
		t.Fatal(err)
	}
	if !closed || ch.disconnects != 1 {
		t.Errorf("closed=%v disconnects=%d", closed, ch.disconnects)
	}
	if _, ok := m.Identity(); ok || m.Token() != "" {
		t.Error("identity survived logout")
	}
	if _, err := db.LoadCredentials(); !errors.Is(err, store.ErrNoCredentials) {
		t.Errorf("credentials survived logout: %v", err)
	}
	if _, ok, _ := db.GetCheckpoint("feed:home:cursor"); ok {
		t.Error("checkpoint survived logout")
	}
}

func TestRestore(t *testing.T) {
	db := testStore(t)
	ch := &fakeChannel{}
	m := NewManager(db, ch, nil, nil, nil)

	ok, err := m.Restore(context.Background())
	if err != nil || ok {
		t.Fatalf("restore with nothing stored = %v %v", ok, err)
	}

	if err := db.SaveCredentials(store.Credentials{Token: "tok", ViewerID: "u5", User: `{"id":"u5","name":"Five"}`}); err != nil {
		t.Fatal(err)
	}
	ok, err = m.Restore(context.Background())
	if err != nil || !ok {
		t.Fatalf("restore = %v %v", ok, err)
	}
	id, _ := m.Identity()
	if id.ViewerID != "u5" || id.Name != "Five" || m.Token() != "tok" {
		t.Errorf("restored identity = %+v token %q", id, m.Token())
	}
	if len(ch.viewers) != 1 || ch.viewers[0] != "u5" {
		t.Errorf("connects = %v", ch.viewers)
	}
}
