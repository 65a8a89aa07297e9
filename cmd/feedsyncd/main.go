package main

import (
	"fmt"
	"os"

	"github.com/docopt/docopt-go"
	"github.com/matheus3301/feedsync/internal/daemon"
	"github.com/matheus3301/feedsync/internal/session"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const version = "0.1.0"

const usage = `Feed sync daemon.

Keeps one viewer's feed in sync with the remote API and push events, and
serves it to feedctl and feedtui over a Unix socket.

Usage:
    feedsyncd [--profile=<name>] [--socket=<path>] [--config=<path>] [--log-level=<level>]
    feedsyncd -h | --help
    feedsyncd --version

Options:
    -h --help             Show this screen.
    --version             Show version.
    --profile=<name>      Profile to serve (overrides config default_profile).
    --socket=<path>       Socket path (default: ~/.feedsync/profiles/<name>/daemon.sock).
    --config=<path>       Config file (default: ~/.feedsync/config.toml).
    --log-level=<level>   debug, info, warn or error [default: info].`

func main() {
	opts, err := docopt.ParseArgs(usage, os.Args[1:], version)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	flagProfile, _ := opts.String("--profile")
	profile := session.Resolve(flagProfile)
	if err := session.ValidateName(profile); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	levelText, _ := opts.String("--log-level")
	level, err := zapcore.ParseLevel(levelText)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	socket, _ := opts.String("--socket")
	configPath, _ := opts.String("--config")

	app := fx.New(
		daemon.Module(daemon.Params{
			Profile:    profile,
			SocketPath: socket,
			ConfigPath: configPath,
			LogLevel:   level,
		}),
		fx.WithLogger(func(logger *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: logger.Named("fx")}
		}),
	)

	app.Run()
}
