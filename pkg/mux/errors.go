package mux

import (
	"errors"
	"fmt"

	"github.com/bengfort/pproc/pkg/command"
)

// Sentinel errors for supervisor operations.
// These enable reliable error checking with errors.Is()
var (
	// ErrRunInProgress indicates the supervisor is already driving a run
	ErrRunInProgress = errors.New("a run is already in progress")

	// ErrNothingToRun indicates an empty command batch
	ErrNothingToRun = errors.New("no commands to run")
)

// SpawnError reports a command the OS could not start (executable not
// found, permission denied, resource exhaustion). It is local to the one
// command; siblings are still spawned.
type SpawnError struct {
	Command command.Command
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("failed to spawn %s: %v", e.Command.Path(), e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}
