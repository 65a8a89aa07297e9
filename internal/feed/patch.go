package feed

import "time"

// Patch is a partial update delivered by a push event: the item id plus the
// fields that changed. Nil fields are left untouched.
type Patch struct {
	ID            string
	Body          *string
	Visibility    *Visibility
	Attachments   *[]Attachment
	ReactionCount *int
	ViewerReacted *bool
	CommentCount  *int
	UpdatedAt     time.Time
	Version       int64
}

// touchesContent reports whether the patch changes author-controlled fields.
// Content is versioned by the item's write marker; counters carry their own.
func (p Patch) touchesContent() bool {
	return p.Body != nil || p.Visibility != nil || p.Attachments != nil
}

func (p Patch) touchesCounters() bool {
	return p.ReactionCount != nil || p.ViewerReacted != nil || p.CommentCount != nil
}

func (p Patch) mark() mark {
	return mark{version: p.Version, at: p.UpdatedAt}
}

func (p Patch) applyContent(it *Item) {
	if p.Body != nil {
		it.Body = *p.Body
	}
	if p.Visibility != nil {
		it.Visibility = *p.Visibility
	}
	if p.Attachments != nil {
		it.Attachments = append([]Attachment(nil), (*p.Attachments)...)
	}
	if p.UpdatedAt.After(it.UpdatedAt) {
		it.UpdatedAt = p.UpdatedAt
	}
	if p.Version > it.Version {
		it.Version = p.Version
	}
}

func (p Patch) applyCounters(it *Item) {
	if p.ReactionCount != nil {
		it.ReactionCount = *p.ReactionCount
	}
	if p.ViewerReacted != nil {
		it.ViewerReacted = *p.ViewerReacted
	}
	if p.CommentCount != nil {
		it.CommentCount = *p.CommentCount
	}
}
