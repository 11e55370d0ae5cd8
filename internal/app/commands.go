package app

import (
	"bufio"
	"io"
	"log/slog"
	"strings"
)

// Command is one line of user input.
type Command int

const (
	CmdToggle Command = iota
	CmdText
	CmdEnd
	CmdRetry
	CmdQuit
	CmdHelp
	CmdUnknown
)

const helpText = `commands:
  <enter>      start or stop talking
  t <text>     send a typed message
  retry        listen again after an error
  end          end the session
  quit         exit`

// ParseCommand interprets one input line. For [CmdText] the message is
// returned as arg, untrimmed of inner spaces.
func ParseCommand(line string) (cmd Command, arg string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return CmdToggle, ""
	}
	word, rest, _ := strings.Cut(line, " ")
	switch strings.ToLower(word) {
	case "t", "text", "say":
		return CmdText, strings.TrimSpace(rest)
	case "end":
		return CmdEnd, ""
	case "retry", "r":
		return CmdRetry, ""
	case "quit", "exit", "q":
		return CmdQuit, ""
	case "help", "?":
		return CmdHelp, ""
	}
	return CmdUnknown, line
}

// readCommands feeds input lines to the machine until EOF or quit.
func (a *App) readCommands(r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		cmd, arg := ParseCommand(sc.Text())
		switch cmd {
		case CmdToggle:
			a.machine.Toggle()
		case CmdText:
			a.machine.SubmitText(arg)
		case CmdEnd:
			a.machine.End()
		case CmdRetry:
			a.machine.Retry()
		case CmdQuit:
			return
		case CmdHelp:
			a.display.SetStatus(helpText)
		case CmdUnknown:
			a.display.SetStatus("Unknown command " + strings.Fields(arg)[0] + "; type help.")
		}
	}
	if err := sc.Err(); err != nil {
		slog.Warn("reading commands", "err", err)
	}
}
