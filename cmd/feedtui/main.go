package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/docopt/docopt-go"
	"github.com/matheus3301/feedsync/internal/session"
	"github.com/matheus3301/feedsync/internal/tui"
	"github.com/matheus3301/feedsync/internal/tui/client"
)

const version = "0.1.0"

const usage = `Feed sync terminal UI.

Starts feedsyncd for the profile when no daemon answers on its socket.

Usage:
    feedtui [--profile=<name>] [--no-start]
    feedtui -h | --help
    feedtui --version

Options:
    -h --help          Show this screen.
    --version          Show version.
    --profile=<name>   Profile to open (overrides config default_profile).
    --no-start         Fail instead of starting a daemon.`

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

	c, err := client.New(session.SocketPath(profile))
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect to daemon: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = c.Close() }()

	// Probe daemon health; auto-start if needed.
	if !probeDaemon(c, 2*time.Second) {
		if noStart, _ := opts.Bool("--no-start"); noStart {
			fmt.Fprintf(os.Stderr, "daemon not running for profile %q\n", profile)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "daemon not running for profile %q, starting...\n", profile)
		if err := startDaemon(profile); err != nil {
			fmt.Fprintf(os.Stderr, "failed to start daemon: %v\n", err)
			os.Exit(1)
		}
		if !probeDaemon(c, 10*time.Second) {
			fmt.Fprintf(os.Stderr, "daemon did not become ready\n")
			os.Exit(1)
		}
	}

	app := tui.NewApp(c, profile)
	if err := app.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// probeDaemon waits up to timeout for the daemon to answer GetStatus.
func probeDaemon(c *client.Client, timeout time.Duration) bool {
	_, err := c.Ping(context.Background(), timeout)
	return err == nil
}

func startDaemon(profile string) error {
	executable, err := os.Executable()
	if err != nil {
		return err
	}
	daemon := filepath.Join(filepath.Dir(executable), "feedsyncd")
	if _, err := os.Stat(daemon); err != nil {
		daemon = "feedsyncd"
	}

	cmd := exec.Command(daemon, "--profile", profile)
	// Inherit stderr so daemon startup errors are visible.
	cmd.Stderr = os.Stderr
	return cmd.Start()
}
