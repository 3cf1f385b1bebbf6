package protocol

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Client commands.
const (
	CmdLogin = "LOGIN"
	CmdList  = "LIST"
	CmdAll   = "ALL"
	CmdDM    = "DM"
	CmdQuit  = "QUIT"
)

const (
	MaxNameLength = 20
	NoneOnline    = "None"
)

// Fixed server lines, without the trailing newline.
const (
	Welcome        = "SYS WELCOME"
	ProtocolHint   = "SYS PROTOCOL Commands: LOGIN <name> | LIST | ALL <msg> | DM <name> <msg> | QUIT"
	ClientTip      = "SYS TIP In client you can type: /all hi, /dm alice hi, /list, /quit"
	Bye            = "SYS BYE"
	ErrLoginUsage  = "ERR Usage: LOGIN <name>"
	ErrInvalidName = "ERR Invalid username (1-20 chars, no spaces)"
	ErrNameTaken   = "ERR Username taken"
	ErrAlreadyIn   = "ERR Already logged in"
	ErrLoginFirst  = "ERR Please LOGIN first"
	ErrAllUsage    = "ERR Usage: ALL <message>"
	ErrDMUsage     = "ERR Usage: DM <name> <message>"
	ErrEmptyBody   = "ERR Empty message"
	ErrSelfDM      = "ERR Cannot DM yourself"
	ErrUnknown     = "ERR Unknown command. Use LIST | ALL | DM | QUIT"
)

// Command is one tokenized client line.
//
// The line is split on the first two spaces: Name is the upper-cased
// keyword, Args holds up to two further tokens with the last one keeping
// its inner spaces. Rest is everything after the keyword.
type Command struct {
	Name string
	Args []string
	Rest string
}

func ParseCommand(line string) Command {
	parts := strings.SplitN(line, " ", 3)
	cmd := Command{
		Name: strings.ToUpper(parts[0]),
		Args: parts[1:],
	}
	if idx := strings.IndexByte(line, ' '); idx >= 0 {
		cmd.Rest = strings.TrimSpace(line[idx+1:])
	}
	return cmd
}

// HasArgs reports whether the command carried at least n tokens after the keyword.
func (c Command) HasArgs(n int) bool {
	return len(c.Args) >= n
}

type displayName struct {
	Name string `validate:"required,max=20,nospace"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("nospace", func(fl validator.FieldLevel) bool {
		return !strings.Contains(fl.Field().String(), " ")
	})
	return v
}

// ValidateName checks the display name rules: 1 to 20 characters, no space.
func ValidateName(name string) error {
	if err := validate.Struct(displayName{Name: name}); err != nil {
		return fmt.Errorf("invalid display name %q: %w", name, err)
	}
	return nil
}

func LoggedIn(name string) string {
	return "OK Logged in as " + name
}

func SentTo(name string) string {
	return "OK Sent to " + name
}

func UserNotFound(name string) string {
	return "ERR User not found: " + name
}

func Online(listing string) string {
	return "SYS ONLINE " + listing
}

func UserJoined(name string) string {
	return "SYS USER_JOINED " + name
}

func UserLeft(name string) string {
	return "SYS USER_LEFT " + name
}

func GroupMessage(sender, body string) string {
	return "MSG GROUP " + sender + " " + body
}

func DirectMessage(sender, body string) string {
	return "MSG DM " + sender + " " + body
}
