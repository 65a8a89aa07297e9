// Package mockserver is an in-memory backend speaking the feed REST
// envelope and the push event socket. It drives local development and the
// integration tests.
package mockserver

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/matheus3301/feedsync/internal/feed"
	"github.com/matheus3301/feedsync/internal/gateway"
	"go.uber.org/zap"
)

const viewerKey = "viewer"

// fault is one injected failure.
type fault struct {
	status int
	// envelope answers 200 with success=false instead of status.
	envelope bool
}

type post struct {
	item     feed.Item
	reactors map[string]bool
	comments []feed.Comment
}

// Server holds the backend state. All methods are safe for concurrent use.
type Server struct {
	secret   []byte
	logger   *zap.Logger
	router   *gin.Engine
	upgrader websocket.Upgrader

	mu     sync.Mutex
	posts  map[string]*post
	users  map[string]gateway.User
	faults []fault

	hub *hub
}

// New creates an empty backend that signs and verifies HS256 tokens with
// secret.
func New(secret string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		secret: []byte(secret),
		logger: logger,
		posts:  make(map[string]*post),
		users:  make(map[string]gateway.User),
		hub:    newHub(logger),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	s.router = s.routes()
	return s
}

// Handler returns the HTTP handler serving every route.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.accessLog())

	admin := r.Group("/_mock")
	admin.POST("/fail", s.injectFault)
	admin.POST("/token", s.issueToken)
	admin.POST("/broadcast", s.broadcastRaw)

	r.GET("/events", s.authenticate(), s.serveEvents)

	api := r.Group("/", s.authenticate(), s.faultInjector())
	api.GET("/me", s.me)
	api.GET("/feed", s.listFeed)
	api.POST("/posts", s.createPost)
	api.GET("/posts/:id", s.getPost)
	api.PATCH("/posts/:id", s.editPost)
	api.DELETE("/posts/:id", s.deletePost)
	api.POST("/posts/:id/reactions", s.react)
	api.DELETE("/posts/:id/reactions", s.unreact)
	api.GET("/posts/:id/comments", s.listComments)
	api.POST("/posts/:id/comments", s.addComment)
	return r
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		s.logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
		)
	}
}

func ok(c *gin.Context, status int, data any) {
	c.JSON(status, gin.H{"success": true, "data": data})
}

func fail(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"success": false, "message": msg})
}

// IssueToken signs a token for viewerID and registers the user.
func (s *Server) IssueToken(viewerID, name string) (string, error) {
	if viewerID == "" {
		return "", errors.New("viewer id is required")
	}
	s.mu.Lock()
	s.users[viewerID] = gateway.User{ID: viewerID, Name: name}
	s.mu.Unlock()
	tok := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"sub":  viewerID,
		"name": name,
	})
	return tok.SignedString(s.secret)
}

func (s *Server) viewerFrom(header string) (string, error) {
	raw, found := strings.CutPrefix(header, "Bearer ")
	if !found || raw == "" {
		return "", errors.New("missing bearer token")
	}
	tok, err := gojwt.Parse(raw, func(*gojwt.Token) (any, error) {
		return s.secret, nil
	}, gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}
	sub, err := tok.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", errors.New("token has no subject")
	}
	return sub, nil
}

func (s *Server) authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		viewer, err := s.viewerFrom(c.GetHeader("Authorization"))
		if err != nil {
			fail(c, http.StatusUnauthorized, err.Error())
			return
		}
		c.Set(viewerKey, viewer)
		c.Next()
	}
}

// FailNext makes the next n API requests fail with status. A status of 200
// answers with success=false in the envelope instead.
func (s *Server) FailNext(n, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for range n {
		s.faults = append(s.faults, fault{status: status, envelope: status == http.StatusOK})
	}
}

func (s *Server) faultInjector() gin.HandlerFunc {
	return func(c *gin.Context) {
		s.mu.Lock()
		var f *fault
		if len(s.faults) > 0 {
			f = &s.faults[0]
			s.faults = s.faults[1:]
		}
		s.mu.Unlock()
		if f == nil {
			c.Next()
			return
		}
		if f.envelope {
			c.AbortWithStatusJSON(http.StatusOK, gin.H{"success": false, "message": "injected failure"})
			return
		}
		fail(c, f.status, "injected failure")
	}
}

type faultArgs struct {
	Count  int `json:"count" binding:"required,min=1"`
	Status int `json:"status"`
}

func (s *Server) injectFault(c *gin.Context) {
	var args faultArgs
	if err := c.ShouldBindJSON(&args); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	if args.Status == 0 {
		args.Status = http.StatusInternalServerError
	}
	s.FailNext(args.Count, args.Status)
	ok(c, http.StatusOK, args)
}

type tokenArgs struct {
	ViewerID string `json:"viewer_id" binding:"required"`
	Name     string `json:"name"`
}

func (s *Server) issueToken(c *gin.Context) {
	var args tokenArgs
	if err := c.ShouldBindJSON(&args); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	tok, err := s.IssueToken(args.ViewerID, args.Name)
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	ok(c, http.StatusOK, gin.H{"token": tok})
}
