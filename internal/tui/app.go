// Package tui is the terminal client of the feed daemon.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/matheus3301/feedsync/internal/api"
	"github.com/matheus3301/feedsync/internal/bus"
	"github.com/matheus3301/feedsync/internal/feed"
	"github.com/matheus3301/feedsync/internal/tui/client"
	"github.com/matheus3301/feedsync/internal/tui/keys"
	"github.com/matheus3301/feedsync/internal/tui/model"
	"github.com/matheus3301/feedsync/internal/tui/ui"
	"github.com/matheus3301/feedsync/internal/tui/views"
	"github.com/rivo/tview"
)

const (
	pageFeed     = "feed"
	pageComments = "comments"
	pageCompose  = "compose"
	pageConfirm  = "confirm"
	pageHelp     = "help"

	callTimeout = 15 * time.Second
	watchRetry  = 2 * time.Second
	tick        = time.Second
	statusEvery = 5 * time.Second
)

// App is the main TUI application shell.
type App struct {
	app       *tview.Application
	root      *tview.Flex
	pages     *tview.Pages
	page      string
	theme     *ui.Theme
	vm        *model.ViewModel
	grpc      *client.Client
	registry  *keys.Registry
	header    *ui.Header
	menu      *ui.Menu
	prompt    *ui.Prompt
	flashBar  *ui.FlashBar
	statusBar *views.StatusBar
	feedList  *views.FeedList
	comments  *views.CommentsView
	composer  *views.Composer
	confirm   *tview.Modal
	help      *views.HelpView
	reloadCh  chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewApp creates the TUI application.
func NewApp(c *client.Client, profile string) *App {
	ctx, cancel := context.WithCancel(context.Background())
	theme := ui.DefaultTheme()

	a := &App{
		app:       tview.NewApplication(),
		pages:     tview.NewPages(),
		page:      pageFeed,
		theme:     theme,
		vm:        model.NewViewModel(c.Feed),
		grpc:      c,
		registry:  keys.NewRegistry(),
		header:    ui.NewHeader(theme),
		menu:      ui.NewMenu(theme),
		prompt:    ui.NewPrompt(theme),
		flashBar:  ui.NewFlashBar(theme),
		statusBar: views.NewStatusBar(theme),
		feedList:  views.NewFeedList(theme),
		comments:  views.NewCommentsView(theme),
		composer:  views.NewComposer(theme),
		confirm:   tview.NewModal(),
		help:      views.NewHelpView(theme),
		reloadCh:  make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
	}

	a.statusBar.SetProfile(profile)
	a.setupBindings()
	a.setupCallbacks()
	a.setupLayout()

	return a
}

func (a *App) setupBindings() {
	bind := func(name string, r rune, help string, fn func()) *keys.Action {
		return &keys.Action{
			Name: name, Key: tcell.KeyRune, Rune: r,
			Label: string(r), Help: help, Visible: true,
			Handler: fn,
		}
	}

	a.registry.AddGlobal(bind("quit", 'q', "Quit", a.Stop))
	a.registry.AddGlobal(bind("help", '?', "Help", func() { a.show(pageHelp, a.help) }))
	a.registry.AddGlobal(bind("command", ':', "Command", func() { a.showPrompt(ui.PromptCommand) }))

	a.registry.AddView(pageFeed, bind("react", 'r', "React", a.toggleReaction))
	a.registry.AddView(pageFeed, bind("new", 'n', "New", a.composeNew))
	a.registry.AddView(pageFeed, bind("edit", 'e', "Edit", a.composeEdit))
	a.registry.AddView(pageFeed, bind("delete", 'd', "Delete", a.confirmDelete))
	a.registry.AddView(pageFeed, bind("more", 'm', "More", func() {
		a.do("load more", a.vm.LoadMore)
	}))
	a.registry.AddView(pageFeed, bind("refresh", 'R', "Refresh", func() {
		a.do("refresh", a.vm.Refresh)
	}))
	a.registry.AddView(pageFeed, bind("filter", '/', "Filter", func() { a.showPrompt(ui.PromptFilter) }))

	a.registry.AddView(pageComments, bind("more", 'm', "More", func() {
		a.do("load comments", a.vm.MoreComments)
	}))
	a.registry.AddView(pageComments, &keys.Action{
		Name: "back", Key: tcell.KeyEscape, Label: "Esc", Help: "Back", Visible: true,
		Handler: a.back,
	})
	a.registry.AddView(pageHelp, &keys.Action{
		Name: "back", Key: tcell.KeyEscape, Label: "Esc", Help: "Back", Visible: true,
		Handler: a.back,
	})
}

func (a *App) setupCallbacks() {
	a.feedList.SetSelectedFunc(func(int, int) {
		id := a.feedList.SelectedID()
		if id == "" {
			return
		}
		a.do("load comments", func(ctx context.Context) error {
			if err := a.vm.LoadComments(ctx, id); err != nil {
				return err
			}
			a.app.QueueUpdateDraw(func() { a.show(pageComments, a.comments) })
			return nil
		})
	})

	a.composer.SetOnSubmit(func(d views.Draft) {
		a.back()
		if d.ItemID != "" {
			a.do("edit", func(ctx context.Context) error { return a.vm.Edit(ctx, d.ItemID, d.Body) })
			return
		}
		a.do("post", func(ctx context.Context) error { return a.vm.Create(ctx, d.Body, d.Visibility) })
	})
	a.composer.SetOnCancel(a.back)

	a.confirm.AddButtons([]string{"Delete", "Cancel"})
	a.confirm.SetBackgroundColor(a.theme.BgColor)

	a.prompt.SetOnSubmit(func(mode ui.PromptMode, text string) {
		a.hidePrompt()
		if mode == ui.PromptFilter {
			a.feedList.SetFilter(text)
			return
		}
		a.runCommand(text)
	})
	a.prompt.SetOnCancel(a.hidePrompt)
}

func (a *App) setupLayout() {
	a.pages.AddPage(pageFeed, a.feedList, true, true)
	a.pages.AddPage(pageComments, a.comments, true, false)
	a.pages.AddPage(pageCompose, centered(a.composer, 80, 3), true, false)
	a.pages.AddPage(pageConfirm, a.confirm, true, false)
	a.pages.AddPage(pageHelp, a.help, true, false)

	a.root = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(a.header, 2, 0, false).
		AddItem(a.prompt, 0, 0, false).
		AddItem(a.pages, 0, 1, true).
		AddItem(a.flashBar, 1, 0, false).
		AddItem(a.menu, 1, 0, false).
		AddItem(a.statusBar, 1, 0, false)

	a.app.SetRoot(a.root, true)
	a.menu.Update(a.registry.Hints(a.page))

	a.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		// Text inputs and the confirm dialog handle their own keys.
		switch a.app.GetFocus().(type) {
		case *tview.InputField, *tview.Button:
			return event
		}
		if a.registry.HandleEvent(a.page, event) {
			return nil
		}
		return event
	})
}

func centered(p tview.Primitive, width, height int) tview.Primitive {
	return tview.NewFlex().
		AddItem(nil, 0, 1, false).
		AddItem(tview.NewFlex().SetDirection(tview.FlexRow).
			AddItem(nil, 0, 1, false).
			AddItem(p, height, 0, true).
			AddItem(nil, 0, 1, false), width, 0, true).
		AddItem(nil, 0, 1, false)
}

// show puts page on top of the feed and focuses it.
func (a *App) show(page string, focus tview.Primitive) {
	if a.page != pageFeed {
		a.pages.HidePage(a.page)
	}
	a.page = page
	a.pages.ShowPage(page)
	a.pages.SendToFront(page)
	a.app.SetFocus(focus)
	a.menu.Update(a.registry.Hints(page))
	a.render()
}

func (a *App) back() {
	if a.page != pageFeed {
		a.pages.HidePage(a.page)
	}
	a.page = pageFeed
	a.app.SetFocus(a.feedList)
	a.menu.Update(a.registry.Hints(pageFeed))
	a.render()
}

func (a *App) showPrompt(mode ui.PromptMode) {
	a.prompt.Activate(mode)
	if mode == ui.PromptFilter {
		a.prompt.SetText(a.feedList.Filter())
	}
	a.root.ResizeItem(a.prompt, 3, 0)
	a.app.SetFocus(a.prompt)
}

func (a *App) hidePrompt() {
	a.root.ResizeItem(a.prompt, 0, 0)
	switch a.page {
	case pageComments:
		a.app.SetFocus(a.comments)
	case pageHelp:
		a.app.SetFocus(a.help)
	default:
		a.app.SetFocus(a.feedList)
	}
}

func (a *App) runCommand(text string) {
	cmd, err := ParseCommand(text)
	if err != nil {
		a.vm.Flash.Warn(err.Error())
		a.render()
		return
	}
	switch cmd.Name {
	case "quit":
		a.Stop()
	case "help":
		a.show(pageHelp, a.help)
	case "login":
		a.do("login", func(ctx context.Context) error { return a.vm.Login(ctx, cmd.Args) })
	case "logout":
		a.do("logout", a.vm.Logout)
	case "post":
		a.do("post", func(ctx context.Context) error { return a.vm.Create(ctx, cmd.Args, feed.Public) })
	case "refresh":
		a.do("refresh", a.vm.Refresh)
	case "more":
		a.do("load more", a.vm.LoadMore)
	}
}

func (a *App) selected() (api.ItemView, bool) {
	id := a.feedList.SelectedID()
	if id == "" {
		return api.ItemView{}, false
	}
	return a.vm.Item(id)
}

func (a *App) ownSelected(action string) (api.ItemView, bool) {
	it, ok := a.selected()
	if !ok {
		return it, false
	}
	if st := a.vm.Status(); st == nil || st.ViewerID != it.AuthorID {
		a.vm.Flash.Warn("You can only " + action + " your own posts")
		a.render()
		return it, false
	}
	if it.Pending {
		a.vm.Flash.Warn("Post is still being published")
		a.render()
		return it, false
	}
	return it, true
}

func (a *App) toggleReaction() {
	id := a.feedList.SelectedID()
	if id == "" {
		return
	}
	a.do("react", func(ctx context.Context) error { return a.vm.ToggleReaction(ctx, id) })
}

func (a *App) composeNew() {
	if st := a.vm.Status(); st == nil || !st.LoggedIn {
		a.vm.Flash.Warn("Not logged in; use :login <token>")
		a.render()
		return
	}
	a.composer.Compose()
	a.show(pageCompose, a.composer)
}

func (a *App) composeEdit() {
	it, ok := a.ownSelected("edit")
	if !ok {
		return
	}
	a.composer.EditItem(it.ID, it.Body)
	a.show(pageCompose, a.composer)
}

func (a *App) confirmDelete() {
	it, ok := a.ownSelected("delete")
	if !ok {
		return
	}
	body := []rune(it.Body)
	if len(body) > 40 {
		body = append(body[:39], '…')
	}
	a.confirm.SetText(fmt.Sprintf("Delete this post?\n\n%s", string(body)))
	a.confirm.SetDoneFunc(func(_ int, label string) {
		a.back()
		if label == "Delete" {
			a.do("delete", func(ctx context.Context) error { return a.vm.Delete(ctx, it.ID) })
		}
	})
	a.confirm.SetFocus(1)
	a.show(pageConfirm, a.confirm)
}

// do runs fn off the UI goroutine and reports its error in the flash bar.
func (a *App) do(what string, fn func(ctx context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(a.ctx, callTimeout)
		defer cancel()
		if err := fn(ctx); err != nil && a.ctx.Err() == nil {
			a.vm.Flash.Err(fmt.Errorf("%s: %s", what, model.Describe(err)))
		}
		a.app.QueueUpdateDraw(a.render)
	}()
}

// render copies view model state into the widgets. Runs on the UI
// goroutine.
func (a *App) render() {
	st := a.vm.Status()
	if st != nil {
		a.header.Update(&ui.HeaderData{
			Profile:    st.Profile,
			Viewer:     displayViewer(st),
			Connection: st.Connection,
			Attempts:   st.Attempts,
			Items:      st.Items,
			InFlight:   st.InFlight,
			Uptime:     time.Duration(st.UptimeMs) * time.Millisecond,
		})
		a.statusBar.SetConnection(st.Connection, st.Attempts)
		a.statusBar.SetInFlight(st.InFlight)
		a.feedList.SetViewer(st.ViewerID)
	}

	a.feedList.Update(a.vm.Items(), a.vm.HasMore())

	if a.page == pageComments {
		if id, cs, more := a.vm.Comments(); id != "" {
			post, _ := a.vm.Item(id)
			a.comments.Update(post, cs, more)
		}
	}

	a.flashBar.Update(a.vm.Flash.Current())
}

func displayViewer(st *api.StatusReply) string {
	if !st.LoggedIn {
		return ""
	}
	if st.ViewerName != "" {
		return st.ViewerName + " (" + st.ViewerID + ")"
	}
	return st.ViewerID
}

// Run starts the TUI application.
func (a *App) Run() error {
	go func() {
		if err := a.vm.LoadStatus(a.ctx); err != nil {
			a.vm.Flash.Err(fmt.Errorf("status: %s", model.Describe(err)))
		} else if st := a.vm.Status(); !st.LoggedIn {
			a.vm.Flash.Warn("Not logged in; use :login <token>")
		}
		_ = a.vm.LoadFeed(a.ctx)
		a.app.QueueUpdateDraw(func() {
			a.render()
			a.feedList.Select("")
		})
	}()
	go a.watch()
	go a.reloadLoop()
	a.startRefreshLoop()

	return a.app.Run()
}

func (a *App) startRefreshLoop() {
	ticker := time.NewTicker(tick)
	go func() {
		defer ticker.Stop()
		lastStatus := time.Now()
		for {
			select {
			case <-a.vm.RefreshCh():
				a.app.QueueUpdateDraw(a.render)
			case now := <-ticker.C:
				if now.Sub(lastStatus) >= statusEvery {
					lastStatus = now
					_ = a.vm.LoadStatus(a.ctx)
				}
				// Expires flash messages and advances the clock.
				a.app.QueueUpdateDraw(a.render)
			case <-a.ctx.Done():
				return
			}
		}
	}()
}

// watch follows the daemon's event stream, resubscribing after errors.
// Every (re)subscription starts with a full re-read since events may
// have been missed in between.
func (a *App) watch() {
	for a.ctx.Err() == nil {
		stream, err := a.grpc.Feed.WatchFeed(a.ctx, &api.WatchRequest{})
		if err == nil {
			a.requestReload()
			a.consume(stream)
		}
		select {
		case <-a.ctx.Done():
			return
		case <-time.After(watchRetry):
		}
	}
}

func (a *App) consume(stream *api.WatchClient) {
	for {
		evt, err := stream.Recv()
		if err != nil {
			return
		}
		if a.vm.HandleEvent(evt) {
			a.requestReload()
		}
		if strings.HasPrefix(evt.Kind, "session.") || evt.Kind == bus.KindMutationConfirmed {
			_ = a.vm.LoadStatus(a.ctx)
		}
	}
}

func (a *App) requestReload() {
	select {
	case a.reloadCh <- struct{}{}:
	default:
	}
}

// reloadLoop coalesces bursts of feed events into single GetFeed calls.
func (a *App) reloadLoop() {
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-a.reloadCh:
			ctx, cancel := context.WithTimeout(a.ctx, callTimeout)
			if err := a.vm.LoadFeed(ctx); err != nil && a.ctx.Err() == nil {
				a.vm.Flash.Err(fmt.Errorf("reload: %s", model.Describe(err)))
			}
			cancel()
		}
	}
}

// Stop gracefully shuts down the TUI.
func (a *App) Stop() {
	a.cancel()
	a.app.Stop()
}
