package views

import (
	"fmt"

	"github.com/gdamore/tcell/v2"
	"github.com/matheus3301/feedsync/internal/feed"
	"github.com/matheus3301/feedsync/internal/tui/ui"
	"github.com/rivo/tview"
)

// Draft is what the composer hands back on Enter. ItemID is empty for a
// new post.
type Draft struct {
	ItemID     string
	Body       string
	Visibility feed.Visibility
}

var visibilities = []feed.Visibility{feed.Public, feed.Friends, feed.Private}

// Composer is the input for new posts and edits. Tab cycles the audience
// of a new post; edits keep the post's audience.
type Composer struct {
	*tview.InputField
	itemID   string
	vis      int
	onSubmit func(Draft)
	onCancel func()
}

// NewComposer creates a new post composer.
func NewComposer(theme *ui.Theme) *Composer {
	input := tview.NewInputField().
		SetFieldWidth(0)
	input.SetBorder(true)
	input.SetBorderColor(theme.BorderColor)
	input.SetBackgroundColor(theme.BgColor)
	input.SetFieldBackgroundColor(theme.BgColor)
	input.SetFieldTextColor(theme.FgColor)
	input.SetLabelColor(theme.MenuKeyColor)
	input.SetTitleColor(theme.TitleColor)

	c := &Composer{InputField: input}

	input.SetInputCapture(func(ev *tcell.EventKey) *tcell.EventKey {
		if ev.Key() == tcell.KeyTab && c.itemID == "" {
			c.vis = (c.vis + 1) % len(visibilities)
			c.relabel()
			return nil
		}
		return ev
	})

	input.SetDoneFunc(func(key tcell.Key) {
		switch key {
		case tcell.KeyEnter:
			text := c.GetText()
			if text == "" || c.onSubmit == nil {
				return
			}
			c.onSubmit(Draft{ItemID: c.itemID, Body: text, Visibility: visibilities[c.vis]})
			c.SetText("")
		case tcell.KeyEscape:
			c.SetText("")
			if c.onCancel != nil {
				c.onCancel()
			}
		}
	})

	c.Compose()
	return c
}

// SetOnSubmit sets the callback for Enter.
func (c *Composer) SetOnSubmit(fn func(Draft)) {
	c.onSubmit = fn
}

// SetOnCancel sets the callback for Esc.
func (c *Composer) SetOnCancel(fn func()) {
	c.onCancel = fn
}

// Compose switches to writing a new post.
func (c *Composer) Compose() {
	c.itemID = ""
	c.SetText("")
	c.SetTitle(" New post (Tab: audience, Enter: publish, Esc: cancel) ")
	c.relabel()
}

// EditItem switches to editing an existing post, prefilled with its body.
func (c *Composer) EditItem(id, body string) {
	c.itemID = id
	c.SetText(body)
	c.SetTitle(" Edit post (Enter: save, Esc: cancel) ")
	c.relabel()
}

// Editing reports the id of the post being edited, if any.
func (c *Composer) Editing() string {
	return c.itemID
}

func (c *Composer) relabel() {
	if c.itemID != "" {
		c.SetLabel(" edit > ")
		return
	}
	c.SetLabel(fmt.Sprintf(" %s > ", visibilityTag(string(visibilities[c.vis]))))
}
