package repl

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"

	"hashdb/pkg/config"

	"github.com/google/uuid"
)

type ReplCommand func(string, *REPLConfig) (output string, err error)

const (
	// Trigger for the help meta-command that prints out all help strings
	TriggerHelpMetacommand = ".help"

	// Trigger for the history meta-command that prints recent input lines
	TriggerHistoryMetacommand = ".history"

	// Lines printed by .history when no count is given
	DefaultHistoryLines = 10

	// String that should be prepended to any error before being sent to the output writer
	ErrorPrependStr = "ERROR: "
)

var (
	// use in combine repls function
	ErrOverlappingCommands = errors.New("found overlapping")

	// Error for when a sent trigger is not associated with any known commands
	ErrCommandNotFound = errors.New("command not found")

	// Error for a trigger reserved by a meta-command
	ErrReservedTrigger = errors.New("trigger is reserved")

	// Error for .history when the REPL keeps none
	ErrNoHistory = errors.New("history is not enabled")
)

// REPL struct.
type REPL struct {
	commands map[string]ReplCommand
	help     map[string]string
	history  *History // Optional record of input lines
}

// REPL Config struct.
type REPLConfig struct {
	clientId uuid.UUID
}

// Get address.
func (replConfig *REPLConfig) GetAddr() uuid.UUID {
	return replConfig.clientId
}

// Construct an empty REPL.
func NewRepl() *REPL {
	return &REPL{commands: make(map[string]ReplCommand), help: make(map[string]string)}
}

// Combines a slice of REPLs. It is an error for two of them to share a
// trigger. The combined REPL keeps no history.
func CombineRepls(repls []*REPL) (*REPL, error) {
	combined := NewRepl()
	for _, r := range repls {
		for trigger, action := range r.commands {
			if _, exists := combined.commands[trigger]; exists {
				return nil, fmt.Errorf("%w: %s", ErrOverlappingCommands, trigger)
			}
			combined.commands[trigger] = action
			combined.help[trigger] = r.help[trigger]
		}
	}
	return combined, nil
}

// Get commands.
func (r *REPL) GetCommands() map[string]ReplCommand {
	return r.commands
}

// Get help.
func (r *REPL) GetHelp() map[string]string {
	return r.help
}

// SetHistory records every input line to h and enables the .history
// meta-command.
func (r *REPL) SetHistory(h *History) {
	r.history = h
}

// Add a command, along with its help string, to the set of commands. A
// duplicate trigger overwrites the previous command.
func (r *REPL) AddCommand(trigger string, action ReplCommand, help string) error {
	if trigger == TriggerHelpMetacommand || trigger == TriggerHistoryMetacommand {
		return fmt.Errorf("%w: %s", ErrReservedTrigger, trigger)
	}
	r.commands[trigger] = action
	r.help[trigger] = help
	return nil
}

// Return all REPL commands' help strings as one string, sorted by trigger.
func (r *REPL) HelpString() string {
	var sb strings.Builder
	triggers := make([]string, 0, len(r.help))
	for k := range r.help {
		triggers = append(triggers, k)
	}
	slices.Sort(triggers)
	for _, k := range triggers {
		fmt.Fprintf(&sb, "%s: %s\n", k, r.help[k])
	}
	return sb.String()
}

// historyString handles the .history meta-command.
func (r *REPL) historyString(fields []string) (string, error) {
	if r.history == nil {
		return "", ErrNoHistory
	}
	n := DefaultHistoryLines
	if len(fields) > 1 {
		var err error
		if n, err = strconv.Atoi(fields[1]); err != nil || n <= 0 {
			return "", fmt.Errorf("usage: %s [count]", TriggerHistoryMetacommand)
		}
	}
	lines, err := r.history.Last(n)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, line := range lines {
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

/*
Writes the welcome string and then runs the REPL loop until input ends.
- '.help' writes the REPL's HelpString().
- '.history [n]' writes the last n input lines when history is enabled.
- Otherwise the command for the first word runs with the whole line as its
  payload, and its output or error is written out.

Input and output default to Stdin and Stdout when nil.
*/
func (r *REPL) Run(clientId uuid.UUID, prompt string, input io.Reader, output io.Writer) {
	if input == nil {
		input = os.Stdin
	}
	if output == nil {
		output = os.Stdout
	}

	scanner := bufio.NewScanner(input)
	replConfig := &REPLConfig{clientId: clientId}
	fmt.Fprintf(output, "Welcome to the %s REPL! Please type '%s' to see the list of available commands.\n",
		config.DBName, TriggerHelpMetacommand)
	io.WriteString(output, prompt)

	for scanner.Scan() {
		payload := scanner.Text()
		fields := strings.Fields(payload)
		if len(fields) == 0 {
			io.WriteString(output, prompt)
			continue
		}
		trigger := fields[0]

		var result string
		var err error
		switch command, exists := r.commands[trigger]; {
		case trigger == TriggerHelpMetacommand:
			result = r.HelpString()
		case trigger == TriggerHistoryMetacommand:
			result, err = r.historyString(fields)
		case exists:
			result, err = command(payload, replConfig)
		default:
			err = ErrCommandNotFound
		}
		if r.history != nil && trigger != TriggerHistoryMetacommand {
			if herr := r.history.Append(payload); herr != nil {
				fmt.Fprintf(output, "%s%s\n", ErrorPrependStr, herr)
			}
		}

		if err != nil {
			fmt.Fprintf(output, "%s%s\n", ErrorPrependStr, err)
		} else {
			// Append newline if there is output and if it doesn't end with a newline already
			if len(result) != 0 && !strings.HasSuffix(result, "\n") {
				result = result + "\n"
			}
			io.WriteString(output, result)
		}
		io.WriteString(output, prompt)
	}
	// Print an additional line if we encountered an EOF character.
	io.WriteString(output, "\n")
}
