package ui

import (
	"fmt"
	"time"

	"github.com/rivo/tview"
)

// HeaderData is what the header shows about the daemon and the viewer.
type HeaderData struct {
	Profile    string
	Viewer     string
	Connection string
	Attempts   uint64
	Items      int
	InFlight   int
	Uptime     time.Duration
}

// Header displays daemon and viewer metadata above the feed.
type Header struct {
	*tview.TextView
	theme *Theme
}

// NewHeader creates a new header panel.
func NewHeader(theme *Theme) *Header {
	tv := tview.NewTextView().
		SetDynamicColors(true)
	tv.SetBackgroundColor(theme.BgColor)
	tv.SetBorderPadding(0, 0, 1, 1)

	return &Header{
		TextView: tv,
		theme:    theme,
	}
}

// Update renders the header.
func (h *Header) Update(data *HeaderData) {
	h.Clear()
	if data == nil {
		return
	}

	fg := colorName(h.theme.FgColor)
	val := colorName(h.theme.CounterColor)
	conn := colorName(h.theme.ConnectionColor(data.Connection))

	viewer := data.Viewer
	if viewer == "" {
		viewer = "-"
	}
	connection := data.Connection
	if data.Attempts > 0 && connection != "CONNECTED" {
		connection = fmt.Sprintf("%s (%d)", connection, data.Attempts)
	}

	_, _ = fmt.Fprintf(h,
		"[%s::b]Profile:[-:-:-] [%s]%s[-]  [%s::b]Viewer:[-:-:-] [%s]%s[-]  [%s::b]Push:[-:-:-] [%s]%s[-]\n"+
			"[%s::b]Items:[-:-:-]   [%s]%d[-]  [%s::b]Pending:[-:-:-] [%s]%d[-]  [%s::b]Uptime:[-:-:-] [%s]%s[-]",
		fg, val, tview.Escape(data.Profile), fg, val, tview.Escape(viewer), fg, conn, connection,
		fg, val, data.Items, fg, val, data.InFlight, fg, val, formatDuration(data.Uptime),
	)
}

func formatDuration(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh%dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}
