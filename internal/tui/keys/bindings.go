// Package keys maps key events to named actions, globally or per page.
package keys

import (
	"slices"

	"github.com/gdamore/tcell/v2"
	"github.com/matheus3301/feedsync/internal/tui/ui"
)

// Action represents a keybinding action.
type Action struct {
	Name    string
	Key     tcell.Key
	Rune    rune
	Label   string // key shown in hints, e.g. "r"
	Help    string // what it does, e.g. "React"
	Handler func()
	Visible bool
}

// Matches returns true if the event matches this action.
func (a *Action) Matches(ev *tcell.EventKey) bool {
	if a.Key != tcell.KeyRune {
		return ev.Key() == a.Key
	}
	return ev.Key() == tcell.KeyRune && ev.Rune() == a.Rune
}

// Registry holds keybindings organized by scope. Bindings keep their
// registration order, which is also the order of their hints.
type Registry struct {
	global []*Action
	views  map[string][]*Action
}

// NewRegistry creates a new keybinding registry.
func NewRegistry() *Registry {
	return &Registry{views: make(map[string][]*Action)}
}

// AddGlobal registers a global keybinding. A binding with the same name
// is replaced in place.
func (r *Registry) AddGlobal(action *Action) {
	r.global = upsert(r.global, action)
}

// AddView registers a view-specific keybinding.
func (r *Registry) AddView(view string, action *Action) {
	r.views[view] = upsert(r.views[view], action)
}

func upsert(list []*Action, action *Action) []*Action {
	for i, a := range list {
		if a.Name == action.Name {
			list[i] = action
			return list
		}
	}
	return append(list, action)
}

// Hints returns the visible bindings for a view, view-specific first.
func (r *Registry) Hints(view string) []ui.MenuHint {
	var hints []ui.MenuHint
	for _, a := range slices.Concat(r.views[view], r.global) {
		if a.Visible {
			hints = append(hints, ui.MenuHint{Key: a.Label, Description: a.Help})
		}
	}
	return hints
}

// HandleEvent dispatches a key event to the matching action in the given
// view, falling back to global bindings. Returns true if a handler ran.
func (r *Registry) HandleEvent(view string, ev *tcell.EventKey) bool {
	for _, a := range r.views[view] {
		if a.Matches(ev) {
			a.Handler()
			return true
		}
	}
	for _, a := range r.global {
		if a.Matches(ev) {
			a.Handler()
			return true
		}
	}
	return false
}
