package tui

import (
	"fmt"
	"strings"
)

// Command represents a parsed ':' command.
type Command struct {
	Name string
	Args string
}

var commandAliases = map[string]string{
	"q":       "quit",
	"quit":    "quit",
	"h":       "help",
	"help":    "help",
	"login":   "login",
	"logout":  "logout",
	"p":       "post",
	"post":    "post",
	"refresh": "refresh",
	"more":    "more",
}

var commandNeedsArgs = map[string]string{
	"login": "token",
	"post":  "text",
}

// ParseCommand parses a command string (without the leading ':'),
// resolving aliases.
func ParseCommand(input string) (Command, error) {
	input = strings.TrimSpace(input)
	parts := strings.SplitN(input, " ", 2)
	name, ok := commandAliases[strings.ToLower(parts[0])]
	if !ok {
		return Command{}, fmt.Errorf("unknown command %q", parts[0])
	}
	cmd := Command{Name: name}
	if len(parts) > 1 {
		cmd.Args = strings.TrimSpace(parts[1])
	}
	if arg, ok := commandNeedsArgs[name]; ok && cmd.Args == "" {
		return Command{}, fmt.Errorf("usage: :%s <%s>", name, arg)
	}
	return cmd, nil
}
