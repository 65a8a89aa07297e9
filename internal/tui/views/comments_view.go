package views

import (
	"fmt"
	"time"

	"github.com/matheus3301/feedsync/internal/api"
	"github.com/matheus3301/feedsync/internal/feed"
	"github.com/matheus3301/feedsync/internal/tui/ui"
	"github.com/rivo/tview"
)

// CommentsView shows one post and its loaded comments, oldest first.
type CommentsView struct {
	*tview.TextView
	theme *ui.Theme
}

// NewCommentsView creates a new comments view.
func NewCommentsView(theme *ui.Theme) *CommentsView {
	tv := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetWordWrap(true)
	tv.SetBorder(true)
	tv.SetBorderColor(theme.BorderColor)
	tv.SetBackgroundColor(theme.BgColor)
	tv.SetTextColor(theme.FgColor)
	tv.SetTitle(" Comments ")
	tv.SetTitleColor(theme.TitleColor)

	return &CommentsView{TextView: tv, theme: theme}
}

// Update renders the post followed by its comments.
func (cv *CommentsView) Update(post api.ItemView, comments []feed.Comment, hasMore bool) {
	cv.Clear()
	now := time.Now()
	counter := ui.Tag(cv.theme.CounterColor)

	author := post.AuthorName
	if author == "" {
		author = post.AuthorID
	}
	_, _ = fmt.Fprintf(cv, "[::b]%s[-:-:-] [::d]%s[-:-:-]\n%s\n[%s]♥ %d  💬 %d[-]\n\n",
		tview.Escape(author), formatTimestamp(post.CreatedAt, now),
		tview.Escape(sanitizeForTerminal(post.Body)),
		counter, post.ReactionCount, post.CommentCount)

	if len(comments) == 0 {
		_, _ = fmt.Fprint(cv, "[::d]No comments yet.[-:-:-]\n")
	}
	for _, c := range comments {
		_, _ = fmt.Fprintf(cv, "  [::b]%s[-:-:-] [::d]%s[-:-:-]\n  %s\n\n",
			tview.Escape(c.AuthorID), formatTimestamp(c.CreatedAt, now),
			tview.Escape(sanitizeForTerminal(c.Body)))
	}
	if hasMore {
		_, _ = fmt.Fprint(cv, "[::d]m: load more comments[-:-:-]\n")
	}

	cv.SetTitle(fmt.Sprintf(" Comments (%d/%d) ", len(comments), post.CommentCount))
	cv.ScrollToBeginning()
}
