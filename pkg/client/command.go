package client

import (
	"errors"
	"fmt"
	"strings"

	"rsachat/pkg/protocol"
)

// Command kinds
const (
	CommandNone    = ""
	CommandSend    = "send"
	CommandPrivate = "private"
	CommandQuit    = "quit"
)

// ErrUsage is returned for a malformed /private command.
var ErrUsage = errors.New("usage: /private <username> <message>")

// Command is one parsed line of chat input.
type Command struct {
	Kind   string
	Target string
	Text   string
}

// ParseCommand interprets a line typed in the chat loop.
func ParseCommand(line string) (Command, error) {
	line = strings.TrimSpace(line)

	switch {
	case line == "":
		return Command{Kind: CommandNone}, nil
	case strings.EqualFold(line, "/quit"), strings.EqualFold(line, "quit"):
		return Command{Kind: CommandQuit}, nil
	case line == "/private", strings.HasPrefix(line, "/private "):
		parts := strings.SplitN(line, " ", 3)
		if len(parts) < 3 || parts[1] == "" || parts[2] == "" {
			return Command{}, ErrUsage
		}
		return Command{Kind: CommandPrivate, Target: parts[1], Text: parts[2]}, nil
	}

	return Command{Kind: CommandSend, Text: line}, nil
}

// Format renders m for a terminal: a check mark when the sender's
// signature verified, a warning sign otherwise.
func (m *Message) Format() string {
	mark := "⚠"
	if m.SignatureValid {
		mark = "✓"
	}

	switch m.Type {
	case protocol.TypePrivate:
		return fmt.Sprintf("[%s] %s", mark, m.Text)
	case protocol.TypeSystem, protocol.TypeError:
		return fmt.Sprintf("[%s] * %s: %s", mark, m.Sender, m.Text)
	}
	return fmt.Sprintf("[%s] %s: %s", mark, m.Sender, m.Text)
}
