package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/matheus3301/feedsync/internal/bus"
	"github.com/matheus3301/feedsync/internal/gateway"
	"github.com/matheus3301/feedsync/internal/store"
	"go.uber.org/zap"
)

var (
	ErrNotLoggedIn   = errors.New("not logged in")
	ErrUnknownViewer = errors.New("cannot determine viewer id from token")
)

// CredentialStore persists the login and everything derived from it.
type CredentialStore interface {
	SaveCredentials(store.Credentials) error
	LoadCredentials() (*store.Credentials, error)
	ClearCredentials() error
	ClearCheckpoints() error
	ClearFeeds() error
}

// Connector is the push channel lifecycle the manager owns.
type Connector interface {
	Connect(ctx context.Context, viewerID string) error
	Disconnect()
}

// Identifier resolves the viewer when the token itself does not say.
type Identifier interface {
	Me(ctx context.Context) (gateway.User, error)
}

// Identity is the logged-in viewer.
type Identity struct {
	ViewerID string
	Name     string
}

// Manager owns the authenticated session: the bearer token, the viewer id
// and the push channel connection that belongs to them. It is the only
// component allowed to connect or tear down the channel.
type Manager struct {
	db       CredentialStore
	channel  Connector
	identify Identifier
	bus      *bus.Bus
	logger   *zap.Logger

	mu       sync.RWMutex
	token    string
	identity Identity

	hooksMu     sync.Mutex
	loginHooks  []func(ctx context.Context, id Identity)
	logoutHooks []func()
}

// NewManager creates a logged-out manager. identify may be nil.
func NewManager(db CredentialStore, channel Connector, identify Identifier, b *bus.Bus, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		db:       db,
		channel:  channel,
		identify: identify,
		bus:      b,
		logger:   logger,
	}
}

// OnLogin registers fn to run after every successful login or restore.
func (m *Manager) OnLogin(fn func(ctx context.Context, id Identity)) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.loginHooks = append(m.loginHooks, fn)
}

// OnLogout registers fn to run before the channel is torn down.
func (m *Manager) OnLogout(fn func()) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.logoutHooks = append(m.logoutHooks, fn)
}

// Token implements gateway.TokenSource and push.TokenSource.
func (m *Manager) Token() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.token
}

// Identity returns the logged-in viewer.
func (m *Manager) Identity() (Identity, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.identity, m.identity.ViewerID != ""
}

// Login stores token, resolves the viewer and connects the push channel.
// Logging in as a different viewer ends the current session first.
func (m *Manager) Login(ctx context.Context, token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, fmt.Errorf("login: empty token")
	}

	id := Identity{ViewerID: ViewerFromToken(token)}
	var userJSON string
	if id.ViewerID == "" && m.identify != nil {
		u, err := m.identifyWith(ctx, token)
		if err != nil {
			return Identity{}, fmt.Errorf("login: %w", err)
		}
		id = Identity{ViewerID: u.ID, Name: u.Name}
		if b, err := json.Marshal(u); err == nil {
			userJSON = string(b)
		}
	}
	if id.ViewerID == "" {
		return Identity{}, fmt.Errorf("login: %w", ErrUnknownViewer)
	}

	if cur, ok := m.Identity(); ok && cur.ViewerID != id.ViewerID {
		m.logger.Info("switching viewer", zap.String("from", cur.ViewerID), zap.String("to", id.ViewerID))
		m.runLogoutHooks()
		// Unmounting just persisted the previous viewer's feed.
		if err := errors.Join(m.db.ClearCheckpoints(), m.db.ClearFeeds()); err != nil {
			return Identity{}, fmt.Errorf("login: clear previous session: %w", err)
		}
	}

	if err := m.db.SaveCredentials(store.Credentials{Token: token, ViewerID: id.ViewerID, User: userJSON}); err != nil {
		return Identity{}, fmt.Errorf("login: save credentials: %w", err)
	}
	m.set(token, id)

	if err := m.start(ctx, id); err != nil {
		return Identity{}, fmt.Errorf("login: %w", err)
	}
	m.logger.Info("logged in", zap.String("viewer", id.ViewerID))
	return id, nil
}

// Restore resumes a stored session. It reports false when there is none.
func (m *Manager) Restore(ctx context.Context) (bool, error) {
	c, err := m.db.LoadCredentials()
	if errors.Is(err, store.ErrNoCredentials) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("restore: %w", err)
	}

	id := Identity{ViewerID: c.ViewerID}
	if c.User != "" {
		var u gateway.User
		if json.Unmarshal([]byte(c.User), &u) == nil {
			id.Name = u.Name
		}
	}
	m.set(c.Token, id)
	if err := m.start(ctx, id); err != nil {
		return false, fmt.Errorf("restore: %w", err)
	}
	m.logger.Info("session restored", zap.String("viewer", id.ViewerID))
	return true, nil
}

// Logout tears down views, disconnects the channel and forgets everything
// stored for the viewer.
func (m *Manager) Logout(_ context.Context) error {
	id, ok := m.Identity()
	if !ok {
		return ErrNotLoggedIn
	}

	m.runLogoutHooks()
	m.channel.Disconnect()
	m.set("", Identity{})

	err := errors.Join(m.db.ClearCredentials(), m.db.ClearCheckpoints(), m.db.ClearFeeds())
	m.bus.Publish(bus.NewEvent(bus.KindSessionLoggedOut, id))
	m.logger.Info("logged out", zap.String("viewer", id.ViewerID))
	if err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	return nil
}

func (m *Manager) start(ctx context.Context, id Identity) error {
	if err := m.channel.Connect(ctx, id.ViewerID); err != nil {
		return fmt.Errorf("connect push channel: %w", err)
	}
	m.hooksMu.Lock()
	hooks := append([]func(context.Context, Identity){}, m.loginHooks...)
	m.hooksMu.Unlock()
	for _, fn := range hooks {
		fn(ctx, id)
	}
	m.bus.Publish(bus.NewEvent(bus.KindSessionLoggedIn, id))
	return nil
}

func (m *Manager) runLogoutHooks() {
	m.hooksMu.Lock()
	hooks := append([]func(){}, m.logoutHooks...)
	m.hooksMu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

// identifyWith asks the backend who owns token. The token is installed for
// the duration of the call and restored on failure.
func (m *Manager) identifyWith(ctx context.Context, token string) (gateway.User, error) {
	m.mu.Lock()
	prev := m.token
	m.token = token
	m.mu.Unlock()

	u, err := m.identify.Me(ctx)
	if err != nil || u.ID == "" {
		m.mu.Lock()
		m.token = prev
		m.mu.Unlock()
	}
	if err != nil {
		return gateway.User{}, fmt.Errorf("identify: %w", err)
	}
	return u, nil
}

func (m *Manager) set(token string, id Identity) {
	m.mu.Lock()
	m.token = token
	m.identity = id
	m.mu.Unlock()
}

// ViewerFromToken reads the viewer id from the claims of a JWT without
// verifying it; the backend verifies. Non-JWT tokens yield "".
func ViewerFromToken(token string) string {
	parsed, _, err := gojwt.NewParser().ParseUnverified(token, gojwt.MapClaims{})
	if err != nil {
		return ""
	}
	claims, ok := parsed.Claims.(gojwt.MapClaims)
	if !ok {
		return ""
	}
	if sub, err := claims.GetSubject(); err == nil && sub != "" {
		return sub
	}
	switch v := claims["user_id"].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	}
	return ""
}
