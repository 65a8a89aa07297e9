package views

import (
	"fmt"
	"time"

	"github.com/matheus3301/feedsync/internal/tui/ui"
	"github.com/rivo/tview"
)

// StatusBar shows the profile, push connectivity and a clock.
type StatusBar struct {
	*tview.TextView
	theme      *ui.Theme
	profile    string
	connection string
	attempts   uint64
	inFlight   int
	flash      string
}

// NewStatusBar creates a new status bar.
func NewStatusBar(theme *ui.Theme) *StatusBar {
	tv := tview.NewTextView().
		SetDynamicColors(true)
	tv.SetBackgroundColor(tview.Styles.MoreContrastBackgroundColor)

	return &StatusBar{TextView: tv, theme: theme, connection: "DISCONNECTED"}
}

// SetProfile updates the profile name display.
func (sb *StatusBar) SetProfile(name string) {
	sb.profile = name
	sb.render()
}

// SetConnection updates the connectivity indicator.
func (sb *StatusBar) SetConnection(state string, attempts uint64) {
	sb.connection = state
	sb.attempts = attempts
	sb.render()
}

// SetInFlight updates the count of unconfirmed mutations.
func (sb *StatusBar) SetInFlight(n int) {
	sb.inFlight = n
	sb.render()
}

// SetFlash sets a temporary message.
func (sb *StatusBar) SetFlash(msg string) {
	sb.flash = msg
	sb.render()
}

func (sb *StatusBar) render() {
	sb.Clear()

	dot := fmt.Sprintf("[%s]●[-]", ui.Tag(sb.theme.ConnectionColor(sb.connection)))
	conn := sb.connection
	if sb.attempts > 0 && sb.connection == "RECONNECTING" {
		conn = fmt.Sprintf("%s #%d", conn, sb.attempts)
	}

	line := fmt.Sprintf(" [::b]%s[-:-:-] | %s %s", tview.Escape(sb.profile), dot, conn)
	if sb.inFlight > 0 {
		line += fmt.Sprintf(" | [yellow]~%d pending[-]", sb.inFlight)
	}
	line += " | " + time.Now().Format("15:04")
	if sb.flash != "" {
		line += fmt.Sprintf(" | [yellow]%s[-]", tview.Escape(sb.flash))
	}

	_, _ = fmt.Fprint(sb, line)
}
