package mockserver

import (
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/matheus3301/feedsync/internal/feed"
	"github.com/oklog/ulid/v2"
)

const (
	defaultLimit = 20
	maxLimit     = 100
)

// Event names sent on the push socket.
const (
	eventItemCreated         = "item-created"
	eventItemUpdated         = "item-updated"
	eventItemRemoved         = "item-removed"
	eventReactionChanged     = "reaction-changed"
	eventCommentCountChanged = "comment-count-changed"
)

// Seed inserts items as they are. Missing ids and timestamps are filled in.
func (s *Server) Seed(items ...feed.Item) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range items {
		if it.ID == "" {
			it.ID = newID()
		}
		if it.CreatedAt.IsZero() {
			it.CreatedAt = time.Now().UTC()
		}
		if it.Visibility == "" {
			it.Visibility = feed.Public
		}
		if it.Version == 0 {
			it.Version = 1
		}
		s.posts[it.ID] = &post{item: it.Clone(), reactors: make(map[string]bool)}
	}
}

// Post returns the stored item as viewer sees it.
func (s *Server) Post(id, viewer string) (feed.Item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, found := s.posts[id]
	if !found {
		return feed.Item{}, false
	}
	return p.render(viewer), true
}

func newID() string {
	return "p_" + ulid.Make().String()
}

func (p *post) render(viewer string) feed.Item {
	it := p.item.Clone()
	it.ReactionCount = len(p.reactors)
	it.ViewerReacted = p.reactors[viewer]
	it.CommentCount = len(p.comments)
	return it
}

func viewerOf(c *gin.Context) string {
	return c.GetString(viewerKey)
}

// sortedLocked returns posts newest first, ties broken by id.
func (s *Server) sortedLocked() []*post {
	out := make([]*post, 0, len(s.posts))
	for _, p := range s.posts {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, b *post) int {
		if c := b.item.CreatedAt.Compare(a.item.CreatedAt); c != 0 {
			return c
		}
		switch {
		case a.item.ID > b.item.ID:
			return -1
		case a.item.ID < b.item.ID:
			return 1
		}
		return 0
	})
	return out
}

func (s *Server) me(c *gin.Context) {
	viewer := viewerOf(c)
	s.mu.Lock()
	u, found := s.users[viewer]
	s.mu.Unlock()
	if !found {
		u.ID = viewer
	}
	ok(c, http.StatusOK, u)
}

// listFeed pages by offset; the cursor is the offset of the next page.
func (s *Server) listFeed(c *gin.Context) {
	limit := defaultLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			fail(c, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, maxLimit)
	}
	offset := 0
	if raw := c.Query("cursor"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			fail(c, http.StatusBadRequest, "invalid cursor")
			return
		}
		offset = n
	}

	viewer := viewerOf(c)
	s.mu.Lock()
	all := s.sortedLocked()
	items := []feed.Item{}
	for i := offset; i < len(all) && i < offset+limit; i++ {
		items = append(items, all[i].render(viewer))
	}
	more := offset+limit < len(all)
	s.mu.Unlock()

	page := gin.H{"items": items, "has_more": more}
	if more {
		page["next_cursor"] = strconv.Itoa(offset + limit)
	}
	ok(c, http.StatusOK, page)
}

func (s *Server) getPost(c *gin.Context) {
	it, found := s.Post(c.Param("id"), viewerOf(c))
	if !found {
		fail(c, http.StatusNotFound, "post not found")
		return
	}
	ok(c, http.StatusOK, it)
}

func (s *Server) createPost(c *gin.Context) {
	var d feed.Draft
	if err := c.ShouldBindJSON(&d); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	vis, err := feed.ParseVisibility(string(d.Visibility))
	if err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	viewer := viewerOf(c)

	s.mu.Lock()
	// Retried creates with the same client token return the first post.
	for _, p := range s.posts {
		if d.ClientToken != "" && p.item.ClientToken == d.ClientToken {
			it := p.render(viewer)
			s.mu.Unlock()
			ok(c, http.StatusOK, it)
			return
		}
	}
	now := time.Now().UTC()
	p := &post{
		item: feed.Item{
			ID:          newID(),
			AuthorID:    viewer,
			AuthorName:  s.users[viewer].Name,
			Body:        d.Body,
			Attachments: d.Attachments,
			CreatedAt:   now,
			Version:     1,
			Visibility:  vis,
			ClientToken: d.ClientToken,
		},
		reactors: make(map[string]bool),
	}
	s.posts[p.item.ID] = p
	it := p.render(viewer)
	s.mu.Unlock()

	s.hub.broadcast(eventItemCreated, func(string) any { return it })
	ok(c, http.StatusCreated, it)
}

type editArgs struct {
	Body       string `json:"body"`
	Visibility string `json:"visibility"`
}

func (s *Server) editPost(c *gin.Context) {
	var args editArgs
	if err := c.ShouldBindJSON(&args); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	vis, err := feed.ParseVisibility(args.Visibility)
	if err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	viewer := viewerOf(c)

	s.mu.Lock()
	p, found := s.posts[c.Param("id")]
	if !found {
		s.mu.Unlock()
		fail(c, http.StatusNotFound, "post not found")
		return
	}
	if p.item.AuthorID != viewer {
		s.mu.Unlock()
		fail(c, http.StatusForbidden, "only the author can edit")
		return
	}
	p.item.Body = args.Body
	p.item.Visibility = vis
	p.item.UpdatedAt = time.Now().UTC()
	p.item.Version++
	it := p.render(viewer)
	s.mu.Unlock()

	s.hub.broadcast(eventItemUpdated, func(string) any {
		return gin.H{
			"id":         it.ID,
			"body":       it.Body,
			"visibility": it.Visibility,
			"updated_at": it.UpdatedAt,
			"version":    it.Version,
		}
	})
	ok(c, http.StatusOK, it)
}

func (s *Server) deletePost(c *gin.Context) {
	id := c.Param("id")
	viewer := viewerOf(c)

	s.mu.Lock()
	p, found := s.posts[id]
	if !found {
		s.mu.Unlock()
		fail(c, http.StatusNotFound, "post not found")
		return
	}
	if p.item.AuthorID != viewer {
		s.mu.Unlock()
		fail(c, http.StatusForbidden, "only the author can delete")
		return
	}
	delete(s.posts, id)
	s.mu.Unlock()

	s.hub.broadcast(eventItemRemoved, func(string) any { return gin.H{"id": id} })
	ok(c, http.StatusOK, nil)
}

func (s *Server) react(c *gin.Context) {
	s.setReaction(c, true)
}

func (s *Server) unreact(c *gin.Context) {
	s.setReaction(c, false)
}

func (s *Server) setReaction(c *gin.Context, on bool) {
	id := c.Param("id")
	viewer := viewerOf(c)

	s.mu.Lock()
	p, found := s.posts[id]
	if !found {
		s.mu.Unlock()
		fail(c, http.StatusNotFound, "post not found")
		return
	}
	if on {
		p.reactors[viewer] = true
	} else {
		delete(p.reactors, viewer)
	}
	count := len(p.reactors)
	reactors := make(map[string]bool, count)
	for k := range p.reactors {
		reactors[k] = true
	}
	s.mu.Unlock()

	at := time.Now().UTC()
	s.hub.broadcast(eventReactionChanged, func(sub string) any {
		return gin.H{
			"id":             id,
			"reaction_count": count,
			"viewer_reacted": reactors[sub],
			"updated_at":     at,
		}
	})
	ok(c, http.StatusOK, feed.ReactionState{Count: count, Reacted: on})
}

func (s *Server) listComments(c *gin.Context) {
	offset := 0
	if raw := c.Query("cursor"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			fail(c, http.StatusBadRequest, "invalid cursor")
			return
		}
		offset = n
	}

	s.mu.Lock()
	p, found := s.posts[c.Param("id")]
	if !found {
		s.mu.Unlock()
		fail(c, http.StatusNotFound, "post not found")
		return
	}
	comments := []feed.Comment{}
	end := min(offset+defaultLimit, len(p.comments))
	if offset < end {
		comments = append(comments, p.comments[offset:end]...)
	}
	more := end < len(p.comments)
	s.mu.Unlock()

	page := gin.H{"comments": comments}
	if more {
		page["next_cursor"] = strconv.Itoa(end)
	}
	ok(c, http.StatusOK, page)
}

type commentArgs struct {
	Body string `json:"body" binding:"required"`
}

func (s *Server) addComment(c *gin.Context) {
	var args commentArgs
	if err := c.ShouldBindJSON(&args); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	id := c.Param("id")

	s.mu.Lock()
	p, found := s.posts[id]
	if !found {
		s.mu.Unlock()
		fail(c, http.StatusNotFound, "post not found")
		return
	}
	cm := feed.Comment{
		ID:        "c_" + ulid.Make().String(),
		ItemID:    id,
		AuthorID:  viewerOf(c),
		Body:      args.Body,
		CreatedAt: time.Now().UTC(),
	}
	p.comments = append(p.comments, cm)
	count := len(p.comments)
	s.mu.Unlock()

	at := time.Now().UTC()
	s.hub.broadcast(eventCommentCountChanged, func(string) any {
		return gin.H{"id": id, "comment_count": count, "updated_at": at}
	})
	ok(c, http.StatusCreated, cm)
}
