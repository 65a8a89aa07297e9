package views

import (
	"fmt"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/matheus3301/feedsync/internal/api"
	"github.com/matheus3301/feedsync/internal/tui/ui"
	"github.com/rivo/tview"
)

// FeedList is the main feed table, newest first.
type FeedList struct {
	*tview.Table
	theme   *ui.Theme
	items   []api.ItemView
	visible []string
	viewer  string
	filter  string
	hasMore bool
	now     func() time.Time
}

// NewFeedList creates the feed table.
func NewFeedList(theme *ui.Theme) *FeedList {
	table := tview.NewTable().
		SetSelectable(true, false).
		SetBorders(false).
		SetFixed(1, 0)
	table.SetBorder(true)
	table.SetBorderColor(theme.BorderColor)
	table.SetBackgroundColor(theme.BgColor)
	table.SetSelectedStyle(tcell.StyleDefault.
		Foreground(theme.TableCursorFg).
		Background(theme.TableCursorBg))
	table.SetTitleColor(theme.TitleColor)

	fl := &FeedList{Table: table, theme: theme, now: time.Now}
	fl.render()
	return fl
}

// SetViewer marks which author is the viewer, so their posts stand out.
func (fl *FeedList) SetViewer(id string) {
	fl.viewer = id
	fl.render()
}

// Update replaces the rows, keeping the cursor on the same item when it
// is still present.
func (fl *FeedList) Update(items []api.ItemView, hasMore bool) {
	selected := fl.SelectedID()
	fl.items = items
	fl.hasMore = hasMore
	fl.render()
	fl.Select(selected)
}

// SetFilter sets the active filter text and re-renders.
func (fl *FeedList) SetFilter(filter string) {
	fl.filter = filter
	fl.render()
}

// Filter returns the active filter.
func (fl *FeedList) Filter() string {
	return fl.filter
}

func (fl *FeedList) matches(it api.ItemView) bool {
	if fl.filter == "" {
		return true
	}
	return containsFold(it.Body, fl.filter) ||
		containsFold(it.AuthorName, fl.filter) ||
		containsFold(it.AuthorID, fl.filter)
}

func (fl *FeedList) render() {
	fl.Clear()

	headers := []struct {
		text string
		exp  int
	}{
		{" AUTHOR", 0},
		{" POST", 1},
		{" ♥", 0},
		{" 💬", 0},
		{" VIS", 0},
		{" TIME", 0},
	}
	for col, h := range headers {
		fl.SetCell(0, col, tview.NewTableCell(h.text).
			SetSelectable(false).
			SetTextColor(fl.theme.TableHeaderFg).
			SetBackgroundColor(fl.theme.TableHeaderBg).
			SetAttributes(tcell.AttrBold).
			SetExpansion(h.exp))
	}

	now := fl.now()
	fl.visible = fl.visible[:0]
	row := 1
	for _, it := range fl.items {
		if !fl.matches(it) {
			continue
		}
		fg := fl.theme.FgColor
		if it.Pending {
			fg = fl.theme.PendingColor
		}

		author := it.AuthorName
		if author == "" {
			author = it.AuthorID
		}
		if fl.viewer != "" && it.AuthorID == fl.viewer {
			author = "you"
		}

		body := cellText(it.Body, 80)
		if it.Pending {
			body = "[::i]" + body + " (sending)[::-]"
		}

		reactions := fmt.Sprintf("%d", it.ReactionCount)
		reactFg := fg
		if it.ViewerReacted {
			reactions += "*"
			reactFg = fl.theme.ReactedColor
		}

		fl.SetCell(row, 0, tview.NewTableCell(" "+cellText(author, 16)).SetTextColor(fg))
		fl.SetCell(row, 1, tview.NewTableCell(" "+body).SetExpansion(1).SetTextColor(fg))
		fl.SetCell(row, 2, tview.NewTableCell(reactions).SetTextColor(reactFg).SetAlign(tview.AlignRight))
		fl.SetCell(row, 3, tview.NewTableCell(fmt.Sprintf("%d", it.CommentCount)).SetTextColor(fg).SetAlign(tview.AlignRight))
		fl.SetCell(row, 4, tview.NewTableCell(" "+visibilityTag(string(it.Visibility))).SetTextColor(fg))
		fl.SetCell(row, 5, tview.NewTableCell(formatTimestamp(it.CreatedAt, now)).SetTextColor(fg).SetAlign(tview.AlignRight))
		fl.visible = append(fl.visible, it.ID)
		row++
	}

	more := ""
	if fl.hasMore {
		more = " +"
	}
	if fl.filter != "" {
		fl.SetTitle(fmt.Sprintf(" Feed (%d/%d%s) filter: %s ", len(fl.visible), len(fl.items), more, tview.Escape(fl.filter)))
	} else {
		fl.SetTitle(fmt.Sprintf(" Feed (%d%s) ", len(fl.items), more))
	}
}

// SelectedID returns the id of the item under the cursor.
func (fl *FeedList) SelectedID() string {
	row, _ := fl.GetSelection()
	idx := row - 1 // header
	if idx < 0 || idx >= len(fl.visible) {
		return ""
	}
	return fl.visible[idx]
}

// Select moves the cursor to the item with the given id, or to the first
// row when it is gone.
func (fl *FeedList) Select(id string) {
	for i, v := range fl.visible {
		if v == id {
			fl.Table.Select(i+1, 0)
			return
		}
	}
	if len(fl.visible) > 0 {
		fl.Table.Select(1, 0)
	}
}

// AtBottom reports whether the cursor sits on the last loaded row.
func (fl *FeedList) AtBottom() bool {
	row, _ := fl.GetSelection()
	return len(fl.visible) > 0 && row == len(fl.visible)
}

func visibilityTag(v string) string {
	switch v {
	case "FRIENDS":
		return "friends"
	case "PRIVATE":
		return "private"
	default:
		return "public"
	}
}
