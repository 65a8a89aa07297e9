package ui

import (
	"fmt"
	"sync"
	"time"

	"github.com/rivo/tview"
)

// FlashLevel represents the severity of a flash message.
type FlashLevel int

const (
	FlashInfo FlashLevel = iota
	FlashWarn
	FlashErr
)

// FlashMessage is a flash notification with a level and expiry. Repeats
// counts how many times the same text arrived while it was showing.
type FlashMessage struct {
	Text    string
	Level   FlashLevel
	Expires time.Time
	Repeats int
}

// FlashModel holds the most recent notification. Mutation rollbacks and
// failed calls land here so the user sees why an optimistic change vanished.
type FlashModel struct {
	mu      sync.RWMutex
	now     func() time.Time
	current FlashMessage
}

// NewFlashModel creates a new flash model.
func NewFlashModel() *FlashModel {
	return &FlashModel{now: time.Now}
}

// Info sets an info-level flash message.
func (f *FlashModel) Info(msg string) {
	f.set(msg, FlashInfo, 5*time.Second)
}

// Warn sets a warn-level flash message.
func (f *FlashModel) Warn(msg string) {
	f.set(msg, FlashWarn, 8*time.Second)
}

// Err sets an error-level flash message. A nil error is ignored.
func (f *FlashModel) Err(err error) {
	if err == nil {
		return
	}
	f.set(err.Error(), FlashErr, 10*time.Second)
}

func (f *FlashModel) set(msg string, level FlashLevel, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.now()
	repeats := 1
	if f.current.Text == msg && f.current.Level == level && now.Before(f.current.Expires) {
		repeats = f.current.Repeats + 1
	}
	f.current = FlashMessage{
		Text:    msg,
		Level:   level,
		Expires: now.Add(d),
		Repeats: repeats,
	}
}

// Current returns the live flash message, or nil once it expired.
func (f *FlashModel) Current() *FlashMessage {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.current.Text == "" || !f.now().Before(f.current.Expires) {
		return nil
	}
	m := f.current
	return &m
}

// FlashBar is the UI component that displays flash notifications.
type FlashBar struct {
	*tview.TextView
	theme *Theme
}

// NewFlashBar creates a new flash notification bar.
func NewFlashBar(theme *Theme) *FlashBar {
	tv := tview.NewTextView().
		SetDynamicColors(true)
	tv.SetBackgroundColor(theme.BgColor)

	return &FlashBar{
		TextView: tv,
		theme:    theme,
	}
}

// Update renders a flash message on the bar.
func (fb *FlashBar) Update(msg *FlashMessage) {
	fb.Clear()
	if msg == nil {
		return
	}

	color, glyph := fb.theme.FlashInfoColor, "ℹ"
	switch msg.Level {
	case FlashWarn:
		color, glyph = fb.theme.FlashWarnColor, "⚠"
	case FlashErr:
		color, glyph = fb.theme.FlashErrColor, "✗"
	}
	text := tview.Escape(msg.Text)
	if msg.Repeats > 1 {
		text += fmt.Sprintf(" (x%d)", msg.Repeats)
	}
	_, _ = fmt.Fprintf(fb, " [%s]%s %s[-]", colorName(color), glyph, text)
}
