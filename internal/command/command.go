// Package command parses the slash-command grammar recognized by the HTTP
// boundary: /confirm, /cancel, /status, /history, /retry, /redo, /help.
// Anything not starting with "/" is not a command at all — callers treat it
// as a free-form chat message and never reach Parse.
package command

import (
	"strconv"
	"strings"

	"forge/internal/taskerr"
)

// Kind is the closed tag over a parsed Command.
type Kind string

const (
	KindConfirm Kind = "confirm"
	KindCancel  Kind = "cancel"
	KindStatus  Kind = "status"
	KindHistory Kind = "history"
	KindRetry   Kind = "retry"
	KindRedo    Kind = "redo"
	KindHelp    Kind = "help"
)

// Command is one parsed slash command, with only the fields its Kind uses
// populated.
type Command struct {
	Kind Kind

	PermissionID string // confirm, cancel
	TaskID       string // retry, redo
	Feedback     string // redo
	HistoryLimit int    // history; 0 means "no limit given"
}

// Help is the text returned for /help, naming every recognized command.
const Help = `/confirm <permissionId>  approve a pending tool call
/cancel <permissionId>   deny a pending tool call
/status                  show active tasks, progress, pending approvals
/history [n]             show the last n turns of user/assistant history
/retry <taskId>          re-run a failed or cancelled background task
/redo <taskId> <feedback> re-run a completed background task with feedback
/help                    show this message`

// IsSlash reports whether input, once trimmed, opens a slash command.
// Callers route to Parse only when this is true; everything else is a
// free-form chat message.
func IsSlash(input string) bool {
	return strings.HasPrefix(strings.TrimSpace(input), "/")
}

// Parse interprets a slash command. input is expected to satisfy IsSlash;
// Parse still re-checks and returns a ValidationError if it does not.
func Parse(input string) (Command, error) {
	trimmed := strings.TrimSpace(input)
	if !strings.HasPrefix(trimmed, "/") {
		return Command{}, &taskerr.ValidationError{Field: "command", Message: "not a slash command"}
	}
	fields := strings.Fields(trimmed)
	verb := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	args := fields[1:]

	switch verb {
	case "confirm":
		if len(args) < 1 {
			return Command{}, missingArg("confirm", "permissionId")
		}
		return Command{Kind: KindConfirm, PermissionID: args[0]}, nil

	case "cancel":
		if len(args) < 1 {
			return Command{}, missingArg("cancel", "permissionId")
		}
		return Command{Kind: KindCancel, PermissionID: args[0]}, nil

	case "status":
		return Command{Kind: KindStatus}, nil

	case "history":
		if len(args) < 1 {
			return Command{Kind: KindHistory}, nil
		}
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 0 {
			return Command{}, &taskerr.ValidationError{Field: "history", Message: "n must be a non-negative integer"}
		}
		return Command{Kind: KindHistory, HistoryLimit: n}, nil

	case "retry":
		if len(args) < 1 {
			return Command{}, missingArg("retry", "taskId")
		}
		return Command{Kind: KindRetry, TaskID: args[0]}, nil

	case "redo":
		if len(args) < 2 {
			return Command{}, missingArg("redo", "taskId and feedback")
		}
		return Command{Kind: KindRedo, TaskID: args[0], Feedback: strings.Join(args[1:], " ")}, nil

	case "help", "?":
		return Command{Kind: KindHelp}, nil

	default:
		return Command{}, &taskerr.ValidationError{Field: "command", Message: "unrecognized command /" + verb}
	}
}

func missingArg(verb, want string) error {
	return &taskerr.ValidationError{Field: verb, Message: "usage: /" + verb + " <" + want + ">"}
}
