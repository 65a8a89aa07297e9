package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/matheus3301/feedsync/internal/feed"
	"github.com/matheus3301/feedsync/internal/logging"
	"github.com/matheus3301/feedsync/internal/mockserver"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const version = "0.1.0"

const usage = `Feed mock backend.

Serves the feed REST API and the /events push socket from memory, for
local development against feedsyncd. Tokens for the given viewers are
printed at start; more can be minted with POST /_mock/token.

Usage:
    feedmock [--addr=<addr>] [--secret=<secret>] [--viewers=<ids>] [--seed=<n>] [--debug]
    feedmock -h | --help
    feedmock --version

Options:
    -h --help           Show this screen.
    --version           Show version.
    --addr=<addr>       Listen address [default: 127.0.0.1:8080].
    --secret=<secret>   HS256 signing secret [default: feedmock-dev].
    --viewers=<ids>     Comma separated viewer ids to mint tokens for [default: alice,bob].
    --seed=<n>          Number of demo posts to create [default: 30].
    --debug             Log every request.`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	addr, _ := opts.String("--addr")
	secret, _ := opts.String("--secret")
	viewerList, _ := opts.String("--viewers")
	seedText, _ := opts.String("--seed")
	seed, err := strconv.Atoi(seedText)
	if err != nil || seed < 0 {
		fmt.Fprintf(os.Stderr, "error: bad --seed %q\n", seedText)
		os.Exit(1)
	}

	level := zapcore.InfoLevel
	if debug, _ := opts.Bool("--debug"); debug {
		level = zapcore.DebugLevel
	}
	logger := logging.NewConsole(level)
	defer func() { _ = logger.Sync() }()

	srv := mockserver.New(secret, logger)

	var viewers []string
	for _, v := range strings.Split(viewerList, ",") {
		if v = strings.TrimSpace(v); v != "" {
			viewers = append(viewers, v)
		}
	}
	for _, v := range viewers {
		tok, err := srv.IssueToken(v, strings.ToUpper(v[:1])+v[1:])
		if err != nil {
			logger.Fatal("issue token", zap.Error(err))
		}
		fmt.Printf("token %s: %s\n", v, tok)
	}
	srv.Seed(demoPosts(viewers, seed, time.Now().UTC())...)

	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.DropConnections()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	logger.Info("feedmock listening", zap.String("addr", addr), zap.Int("posts", seed))
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("serve", zap.Error(err))
	}
}

// demoPosts spreads n posts over the viewers, one minute apart, newest
// first.
func demoPosts(viewers []string, n int, now time.Time) []feed.Item {
	if len(viewers) == 0 {
		viewers = []string{"mock"}
	}
	items := make([]feed.Item, 0, n)
	for i := range n {
		author := viewers[i%len(viewers)]
		vis := feed.Public
		if i%7 == 3 {
			vis = feed.Friends
		}
		items = append(items, feed.Item{
			AuthorID:   author,
			AuthorName: strings.ToUpper(author[:1]) + author[1:],
			Body:       fmt.Sprintf("Demo post #%d from %s", n-i, author),
			CreatedAt:  now.Add(-time.Duration(i) * time.Minute),
			Visibility: vis,
		})
	}
	return items
}
