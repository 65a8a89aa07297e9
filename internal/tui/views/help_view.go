package views

import (
	"fmt"
	"strings"

	"github.com/matheus3301/feedsync/internal/tui/ui"
	"github.com/rivo/tview"
)

// HelpView displays the key binding reference.
type HelpView struct {
	*tview.TextView
	theme *ui.Theme
}

// NewHelpView creates a new help view.
func NewHelpView(theme *ui.Theme) *HelpView {
	tv := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true)
	tv.SetBorder(true)
	tv.SetBorderColor(theme.BorderColor)
	tv.SetBackgroundColor(theme.BgColor)
	tv.SetTextColor(theme.FgColor)
	tv.SetTitle(" Help ")
	tv.SetTitleColor(theme.TitleColor)

	hv := &HelpView{
		TextView: tv,
		theme:    theme,
	}
	hv.render()
	return hv
}

func (hv *HelpView) render() {
	kc := ui.Tag(hv.theme.MenuKeyColor)
	section := func(title string, rows [][2]string) string {
		var b strings.Builder
		fmt.Fprintf(&b, "\n  [::b]%s[-:-:-]\n\n", title)
		for _, r := range rows {
			fmt.Fprintf(&b, "  [%s]%-16s[-:-:-] %s\n", kc, tview.Escape(r[0]), r[1])
		}
		return b.String()
	}

	_, _ = fmt.Fprint(hv,
		section("Feed", [][2]string{
			{"j/k Up/Down", "Move"},
			{"Enter", "Open comments"},
			{"r", "React / remove reaction"},
			{"n", "New post"},
			{"e", "Edit your post"},
			{"d", "Delete your post"},
			{"m", "Load older posts"},
			{"R", "Refresh from server"},
			{"/", "Filter by text or author"},
		}),
		section("Comments", [][2]string{
			{"m", "Load more comments"},
			{"Esc", "Back to feed"},
		}),
		section("Composer", [][2]string{
			{"Tab", "Cycle audience (new posts)"},
			{"Enter", "Publish / save"},
			{"Esc", "Cancel"},
		}),
		section("Commands (:)", [][2]string{
			{":login <token>", "Log in with a bearer token"},
			{":logout", "Log out and clear the cache"},
			{":post <text>", "Publish a public post"},
			{":refresh", "Refresh from server"},
			{":help", "Show this help"},
			{":quit", "Quit"},
		}),
		section("Global", [][2]string{
			{"?", "Help"},
			{"q", "Quit"},
		}),
	)
}
