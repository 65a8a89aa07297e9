package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/matheus3301/feedsync/internal/api"
	"github.com/matheus3301/feedsync/internal/config"
	"github.com/matheus3301/feedsync/internal/feed"
	"github.com/matheus3301/feedsync/internal/lock"
	"github.com/matheus3301/feedsync/internal/session"
	"github.com/matheus3301/feedsync/internal/tui/client"
)

const version = "0.1.0"

const usage = `Feed sync control.

Usage:
    feedctl [options] status
    feedctl [options] login <token>
    feedctl [options] logout
    feedctl [options] feed [--more | --refresh]
    feedctl [options] react <id> [--undo] [--wait]
    feedctl [options] unreact <id> [--wait]
    feedctl [options] post <body> [--visibility=<vis>] [--attach=<url>...] [--wait]
    feedctl [options] edit <id> <body> [--visibility=<vis>] [--wait]
    feedctl [options] delete <id> [--wait]
    feedctl [options] comments <id> [--cursor=<cursor>]
    feedctl [options] watch
    feedctl profiles
    feedctl use <profile>
    feedctl -h | --help
    feedctl --version

Options:
    -h --help            Show this screen.
    --version            Show version.
    --profile=<name>     Profile whose daemon to talk to.
    --socket=<path>      Daemon socket (overrides the profile's).
    --json               Print replies as JSON.
    --timeout=<dur>      Deadline for one call [default: 10s].
    --more               Fetch the next page before printing.
    --refresh            Re-fetch the first page before printing.
    --undo               Remove the reaction instead of adding it.
    --wait               Return only once the server confirmed or the change was rolled back.
    --visibility=<vis>   PUBLIC, FRIENDS or PRIVATE. Edits keep the current one when omitted.
    --attach=<url>       Attach a media URL; repeatable.
    --cursor=<cursor>    Comment page cursor.`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		fatal(err)
	}

	// Profile commands work without a daemon.
	if ok, _ := opts.Bool("profiles"); ok {
		cmdProfiles()
		return
	}
	if ok, _ := opts.Bool("use"); ok {
		name, _ := opts.String("<profile>")
		cmdUse(name)
		return
	}

	flagProfile, _ := opts.String("--profile")
	profile := session.Resolve(flagProfile)
	if err := session.ValidateName(profile); err != nil {
		fatal(err)
	}
	socketPath, _ := opts.String("--socket")
	if socketPath == "" {
		socketPath = session.SocketPath(profile)
	}

	c, err := client.New(socketPath)
	if err != nil {
		fatal(fmt.Errorf("cannot connect to daemon for profile %q: %w", profile, err))
	}
	defer func() { _ = c.Close() }()

	jsonOut, _ := opts.Bool("--json")

	if ok, _ := opts.Bool("watch"); ok {
		cmdWatch(c, jsonOut)
		return
	}

	timeoutText, _ := opts.String("--timeout")
	timeout, err := time.ParseDuration(timeoutText)
	if err != nil {
		fatal(fmt.Errorf("bad --timeout: %w", err))
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cmd := ctl{c: c, opts: opts, json: jsonOut}
	switch {
	case flag(opts, "status"):
		cmd.status(ctx)
	case flag(opts, "login"):
		cmd.login(ctx)
	case flag(opts, "logout"):
		cmd.logout(ctx)
	case flag(opts, "feed"):
		cmd.feed(ctx)
	case flag(opts, "react"), flag(opts, "unreact"):
		cmd.react(ctx)
	case flag(opts, "post"):
		cmd.post(ctx)
	case flag(opts, "edit"):
		cmd.edit(ctx)
	case flag(opts, "delete"):
		cmd.delete(ctx)
	case flag(opts, "comments"):
		cmd.comments(ctx)
	default:
		docopt.PrintHelpAndExit(nil, usage)
	}
}

type ctl struct {
	c    *client.Client
	opts docopt.Opts
	json bool
}

func (x ctl) str(key string) string {
	v, _ := x.opts.String(key)
	return v
}

func (x ctl) status(ctx context.Context) {
	resp, err := x.c.Feed.GetStatus(ctx, &api.StatusRequest{})
	check(err)
	if x.json {
		outputJSON(resp)
		return
	}
	viewer := "-"
	if resp.LoggedIn {
		viewer = resp.ViewerID
		if resp.ViewerName != "" {
			viewer += " (" + resp.ViewerName + ")"
		}
	}
	conn := resp.Connection
	if resp.GaveUp {
		conn += " (gave up after " + fmt.Sprint(resp.Attempts) + " attempts)"
	}
	fmt.Printf("Profile:    %s\n", resp.Profile)
	fmt.Printf("Viewer:     %s\n", viewer)
	fmt.Printf("Push:       %s\n", conn)
	fmt.Printf("Items:      %d (more: %v)\n", resp.Items, resp.HasMore)
	fmt.Printf("In flight:  %d\n", resp.InFlight)
	fmt.Printf("Stale drop: %d\n", resp.StaleDropped)
	fmt.Printf("Uptime:     %s\n", (time.Duration(resp.UptimeMs) * time.Millisecond).Round(time.Second))
}

func (x ctl) login(ctx context.Context) {
	resp, err := x.c.Feed.Login(ctx, &api.LoginRequest{Token: x.str("<token>")})
	check(err)
	if x.json {
		outputJSON(resp)
		return
	}
	fmt.Printf("Logged in as %s\n", resp.ViewerID)
}

func (x ctl) logout(ctx context.Context) {
	_, err := x.c.Feed.Logout(ctx, &api.LogoutRequest{})
	check(err)
	if !x.json {
		fmt.Println("Logged out")
	}
}

func (x ctl) feed(ctx context.Context) {
	var (
		resp *api.FeedReply
		err  error
	)
	switch {
	case flag(x.opts, "--more"):
		resp, err = x.c.Feed.LoadMore(ctx, &api.FeedRequest{})
	case flag(x.opts, "--refresh"):
		resp, err = x.c.Feed.Refresh(ctx, &api.FeedRequest{})
	default:
		resp, err = x.c.Feed.GetFeed(ctx, &api.FeedRequest{})
	}
	check(err)
	if x.json {
		outputJSON(resp)
		return
	}
	printItems(resp.Items)
	if resp.HasMore {
		fmt.Println("(more: feedctl feed --more)")
	}
}

func (x ctl) react(ctx context.Context) {
	req := &api.ItemRequest{ID: x.str("<id>"), Wait: flag(x.opts, "--wait")}
	call := x.c.Feed.React
	if flag(x.opts, "--undo") || flag(x.opts, "unreact") {
		call = x.c.Feed.Unreact
	}
	resp, err := call(ctx, req)
	check(err)
	x.mutation(resp)
}

func (x ctl) post(ctx context.Context) {
	var attachments []feed.Attachment
	if urls, ok := x.opts["--attach"].([]string); ok {
		for _, u := range urls {
			attachments = append(attachments, feed.Attachment{URL: u})
		}
	}
	resp, err := x.c.Feed.CreatePost(ctx, &api.CreateRequest{
		Body:        x.str("<body>"),
		Visibility:  x.str("--visibility"),
		Attachments: attachments,
		Wait:        flag(x.opts, "--wait"),
	})
	check(err)
	x.mutation(resp)
}

func (x ctl) edit(ctx context.Context) {
	resp, err := x.c.Feed.EditPost(ctx, &api.EditRequest{
		ID:         x.str("<id>"),
		Body:       x.str("<body>"),
		Visibility: x.str("--visibility"),
		Wait:       flag(x.opts, "--wait"),
	})
	check(err)
	x.mutation(resp)
}

func (x ctl) delete(ctx context.Context) {
	resp, err := x.c.Feed.DeletePost(ctx, &api.ItemRequest{ID: x.str("<id>"), Wait: flag(x.opts, "--wait")})
	check(err)
	x.mutation(resp)
}

func (x ctl) mutation(resp *api.MutationReply) {
	if x.json {
		outputJSON(resp)
		return
	}
	state := "applied, awaiting server"
	if resp.Resolved {
		state = "confirmed"
	}
	fmt.Printf("%s %s: %s (token %s)\n", strings.ToLower(resp.Kind), resp.ItemID, state, resp.Token)
	if resp.Item != nil {
		printItems([]api.ItemView{*resp.Item})
	}
}

func (x ctl) comments(ctx context.Context) {
	resp, err := x.c.Feed.ListComments(ctx, &api.CommentsRequest{ID: x.str("<id>"), Cursor: x.str("--cursor")})
	check(err)
	if x.json {
		outputJSON(resp)
		return
	}
	if len(resp.Comments) == 0 {
		fmt.Println("No comments.")
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, cm := range resp.Comments {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", cm.AuthorID, cm.CreatedAt.Local().Format(time.DateTime), oneLine(cm.Body, 70))
	}
	_ = w.Flush()
	if resp.NextCursor != "" {
		fmt.Printf("(more: --cursor=%s)\n", resp.NextCursor)
	}
}

func cmdWatch(c *client.Client, jsonOut bool) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stream, err := c.Feed.WatchFeed(ctx, &api.WatchRequest{})
	check(err)
	enc := json.NewEncoder(os.Stdout)
	for {
		evt, err := stream.Recv()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			fatal(err)
		}
		if jsonOut {
			_ = enc.Encode(evt)
			continue
		}
		fmt.Println(describeEvent(evt))
	}
}

func describeEvent(evt *api.FeedEvent) string {
	ts := evt.At.Local().Format(time.TimeOnly)
	switch {
	case evt.Connection != "":
		return fmt.Sprintf("%s %s %s attempts=%d", ts, evt.Kind, evt.Connection, evt.Attempts)
	case evt.Mutation != "":
		line := fmt.Sprintf("%s %s %s %s", ts, evt.Kind, evt.Mutation, evt.ItemID)
		if evt.Error != "" {
			line += ": " + evt.Error
		}
		return line
	case evt.Scope != "":
		return fmt.Sprintf("%s %s %s/%s %s", ts, evt.Kind, evt.Scope, evt.Reason, strings.Join(evt.IDs, ","))
	case evt.ViewerID != "":
		return fmt.Sprintf("%s %s %s", ts, evt.Kind, evt.ViewerID)
	}
	return ts + " " + evt.Kind
}

func cmdProfiles() {
	entries, err := os.ReadDir(filepath.Join(session.BaseDir(), "profiles"))
	if err != nil && !os.IsNotExist(err) {
		fatal(err)
	}
	current := session.Resolve("")
	if len(entries) == 0 {
		fmt.Println("No profiles found.")
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		running := "stopped"
		if pid, held := lock.Holder(session.Dir(name)); held {
			running = fmt.Sprintf("running (pid %d)", pid)
		}
		marker := " "
		if name == current {
			marker = "*"
		}
		fmt.Printf("%s %-20s %s\n", marker, name, running)
	}
}

func cmdUse(name string) {
	if err := session.ValidateName(name); err != nil {
		fatal(err)
	}
	path := session.ConfigPath()
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		fatal(err)
	}
	cfg.DefaultProfile = name
	if err := config.Save(path, cfg); err != nil {
		fatal(err)
	}
	fmt.Printf("Default profile is now %q\n", name)
}

func printItems(items []api.ItemView) {
	if len(items) == 0 {
		fmt.Println("Feed is empty.")
		return
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tAUTHOR\tREACT\tCOMMENTS\tVIS\tBODY")
	for _, it := range items {
		id := it.ID
		if it.Pending {
			id += " (pending)"
		}
		react := fmt.Sprint(it.ReactionCount)
		if it.ViewerReacted {
			react += "*"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			id, it.AuthorID, react, it.CommentCount, strings.ToLower(string(it.Visibility)), oneLine(it.Body, 60))
	}
	_ = w.Flush()
}

func oneLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > max {
		return string(r[:max-1]) + "…"
	}
	return s
}

func flag(opts docopt.Opts, key string) bool {
	v, _ := opts.Bool(key)
	return v
}

func check(err error) {
	if err != nil {
		fatal(err)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "json encode error: %v\n", err)
	}
}
