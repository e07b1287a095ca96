// Package command provides shell-style tokenization of raw command strings
package command

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/shlex"
)

// ErrEmptyCommand indicates a command string with no words after tokenization
var ErrEmptyCommand = errors.New("command is empty")

// MalformedCommandError reports a command string that could not be
// tokenized, e.g. because of an unterminated quote. It aborts the whole
// invocation before anything is spawned.
type MalformedCommandError struct {
	Raw string
	Err error
}

func (e *MalformedCommandError) Error() string {
	return fmt.Sprintf("malformed command %q: %v", e.Raw, e.Err)
}

func (e *MalformedCommandError) Unwrap() error {
	return e.Err
}

// Command is a single argv vector produced by shell-style tokenization of
// one raw command string. Immutable once parsed.
type Command struct {
	raw  string
	argv []string
}

// Parse tokenizes a raw command string into a Command using POSIX
// word-splitting rules (whitespace separation, single and double quotes,
// backslash escapes).
func Parse(raw string) (Command, error) {
	argv, err := shlex.Split(raw)
	if err != nil {
		return Command{}, &MalformedCommandError{Raw: raw, Err: err}
	}
	if len(argv) == 0 {
		return Command{}, &MalformedCommandError{Raw: raw, Err: ErrEmptyCommand}
	}
	return Command{raw: raw, argv: argv}, nil
}

// ParseAll tokenizes a batch of command strings. The first malformed
// string fails the whole batch; no partial result is returned.
func ParseAll(raws []string) ([]Command, error) {
	commands := make([]Command, 0, len(raws))
	for _, raw := range raws {
		cmd, err := Parse(raw)
		if err != nil {
			return nil, err
		}
		commands = append(commands, cmd)
	}
	return commands, nil
}

// Raw returns the original command string.
func (c Command) Raw() string {
	return c.raw
}

// Argv returns a copy of the parsed argv vector.
func (c Command) Argv() []string {
	argv := make([]string, len(c.argv))
	copy(argv, c.argv)
	return argv
}

// Path returns the executable word of the command.
func (c Command) Path() string {
	if len(c.argv) == 0 {
		return ""
	}
	return c.argv[0]
}

// Args returns the arguments following the executable word.
func (c Command) Args() []string {
	if len(c.argv) <= 1 {
		return nil
	}
	args := make([]string, len(c.argv)-1)
	copy(args, c.argv[1:])
	return args
}

var tokenEscaper = strings.NewReplacer(`\`, `\\`, `'`, `\'`)

// String renders the argv vector as a quoted list, e.g.
// ['echo', 'a b', 'c']. This is the representation printed by debug mode
// so quoting can be verified before committing to real execution.
func (c Command) String() string {
	parts := make([]string, len(c.argv))
	for i, token := range c.argv {
		parts[i] = "'" + tokenEscaper.Replace(token) + "'"
	}
	return "[" + strings.Join(parts, ", ") + "]"
}
