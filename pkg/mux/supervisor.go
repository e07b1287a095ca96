// Package mux implements the process multiplexer: it fans out child
// processes, reads their stdout streams as data becomes available, and
// serializes the interleaved output onto a single combined sink.
package mux

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bengfort/pproc/pkg/command"
	"github.com/bengfort/pproc/pkg/logger"
	"github.com/bengfort/pproc/pkg/process"
)

const (
	// DefaultPollTimeout is the readiness wait per poll iteration
	DefaultPollTimeout = 100 * time.Millisecond

	// BusyPollTimeout disables the readiness wait entirely; every poll
	// is a pure non-blocking check.
	BusyPollTimeout = time.Duration(-1)

	// DefaultGracePeriod is how long a child gets between SIGTERM and SIGKILL
	DefaultGracePeriod = 2 * time.Second

	readBufferSize = 4096
)

// ManagedProcess represents one spawned child. The supervisor owns the
// handle and its stdout pipe exclusively until the process is reaped.
type ManagedProcess struct {
	pid     int
	cmd     *exec.Cmd
	stdout  io.ReadCloser
	command command.Command
	started time.Time
}

// PID returns the OS process id assigned at spawn time
func (p *ManagedProcess) PID() int {
	return p.pid
}

// Command returns the argv vector this process was spawned from
func (p *ManagedProcess) Command() command.Command {
	return p.command
}

// Event is one readiness report from a child's stdout stream: bytes
// that are ready to print, or end-of-stream carrying the child's exit
// code (the reader waits on the child before reporting EOF).
type Event struct {
	PID      int
	Data     []byte
	EOF      bool
	Err      error
	ExitCode int
}

// Result records the outcome of one command in the batch.
type Result struct {
	Command  command.Command
	PID      int
	ExitCode int
	Duration time.Duration
	SpawnErr error
}

// Options configure a Supervisor.
type Options struct {
	// PollTimeout bounds each readiness wait. Zero selects
	// DefaultPollTimeout; BusyPollTimeout turns the loop into a pure
	// busy-poll.
	PollTimeout time.Duration

	// GracePeriod is the SIGTERM-to-SIGKILL window used when a run is
	// cancelled with children still alive.
	GracePeriod time.Duration

	// Output is the combined sink; defaults to os.Stdout.
	Output io.Writer

	// Prefix enables per-line pid tags on the combined output.
	Prefix bool

	Logger logger.Logger
}

// Supervisor owns the process table and drives the spawn / poll / drain /
// reap loop. The table is mutated only by the loop goroutine; stream
// readers communicate through the event channel and never touch it.
type Supervisor struct {
	opts       Options
	log        logger.Logger
	serializer *Serializer
	runID      uuid.UUID

	table   map[int]*ManagedProcess
	events  chan Event
	results []Result

	mu      sync.Mutex
	running bool
}

// NewSupervisor creates a supervisor with the given options.
func NewSupervisor(opts Options) *Supervisor {
	if opts.PollTimeout == 0 {
		opts.PollTimeout = DefaultPollTimeout
	}
	if opts.GracePeriod == 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	if opts.Output == nil {
		opts.Output = os.Stdout
	}
	if opts.Logger == nil {
		opts.Logger = logger.CreateLogger("info")
	}

	return &Supervisor{
		opts:       opts,
		log:        opts.Logger,
		serializer: NewSerializer(opts.Output, opts.Prefix),
		runID:      uuid.New(),
		table:      make(map[int]*ManagedProcess),
		events:     make(chan Event, 64),
	}
}

// RunID identifies this supervisor's run in logs and summaries.
func (s *Supervisor) RunID() uuid.UUID {
	return s.runID
}

// Spawn starts a child with stdout captured via a pipe; stderr, the
// environment and the working directory are inherited from the caller.
// The new process is inserted into the table; a failure leaves the
// table untouched.
func (s *Supervisor) Spawn(cmd command.Command) (*ManagedProcess, error) {
	c := exec.Command(cmd.Path(), cmd.Args()...)
	c.Stderr = os.Stderr // inherited, never serialized

	stdout, err := c.StdoutPipe()
	if err != nil {
		return nil, &SpawnError{Command: cmd, Err: err}
	}

	if err := c.Start(); err != nil {
		stdout.Close()
		return nil, &SpawnError{Command: cmd, Err: err}
	}

	mp := &ManagedProcess{
		pid:     c.Process.Pid,
		cmd:     c,
		stdout:  stdout,
		command: cmd,
		started: time.Now(),
	}
	s.table[mp.pid] = mp

	return mp, nil
}

// PollAll waits up to timeout for any still-live child's stream to
// produce output or close, then drains whatever else is already queued
// without blocking. A nil batch means the wait timed out.
func (s *Supervisor) PollAll(timeout time.Duration) []Event {
	var batch []Event

	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()

		select {
		case ev := <-s.events:
			batch = append(batch, ev)
		case <-timer.C:
			return nil
		}
	}

	for {
		select {
		case ev := <-s.events:
			batch = append(batch, ev)
		default:
			return batch
		}
	}
}

// Run drives the full lifecycle: spawn every command, then repeatedly
// poll for readiness, drain ready streams through the serializer, and
// reap terminated children until the table is empty. One failing spawn
// never prevents the other commands from running. On context
// cancellation all live children are terminated and their streams
// drained to end before Run returns.
func (s *Supervisor) Run(ctx context.Context, commands []command.Command) ([]Result, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil, ErrRunInProgress
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	if len(commands) == 0 {
		return nil, ErrNothingToRun
	}

	s.results = nil
	s.log.Debug("starting run",
		logger.WithField("run_id", s.runID),
		logger.WithField("commands", len(commands)))

	// Readers are joined on pipe EOF, not on ctx: a cancelled run still
	// drains every stream to end before returning.
	group := NewReaderGroup(s.log)

	for _, cmd := range commands {
		mp, err := s.Spawn(cmd)
		if err != nil {
			s.log.Error(err.Error())
			s.results = append(s.results, Result{Command: cmd, PID: -1, ExitCode: -1, SpawnErr: err})
			continue
		}
		s.log.WithProcess(mp.pid).Debug("spawned", logger.WithField("command", cmd.Raw()))

		group.Go(func() error {
			s.readStream(mp)
			return nil
		})
	}

	var sinkErr error
	terminated := false
	for len(s.table) > 0 {
		if (ctx.Err() != nil || sinkErr != nil) && !terminated {
			s.terminateAll(group)
			terminated = true
		}

		exited := make([]Event, 0)
		for _, ev := range s.PollAll(s.opts.PollTimeout) {
			if _, ok := s.table[ev.PID]; !ok {
				continue
			}
			if len(ev.Data) > 0 && sinkErr == nil {
				if err := s.serializer.Write(ev.PID, ev.Data); err != nil {
					// The combined sink is gone. Keep draining so no
					// reader is left blocked on the event channel, but
					// stop the children and report the failure.
					sinkErr = err
					s.log.Error("write to combined sink failed, terminating children",
						logger.WithField("error", err))
				}
			}
			if ev.EOF {
				if ev.Err != nil {
					s.log.WithProcess(ev.PID).Warn("read error on stdout, treating as end of stream",
						logger.WithField("error", ev.Err))
				}
				exited = append(exited, ev)
			}
		}

		// Remove terminated entries in a second pass, never while the
		// table is being consulted above.
		for _, ev := range exited {
			s.reap(ev)
		}
	}

	if err := group.Wait(); err != nil {
		s.log.Warn("stream reader failed", logger.WithField("error", err))
	}

	return s.snapshotResults(), sinkErr
}

// readStream pumps one child's stdout into the event channel. Partial
// reads are forwarded immediately so a stalled line still gets through;
// EOF on the pipe is the final drain. Wait runs here rather than on
// the poll loop: a child that closes its stdout but keeps running must
// not stall its siblings' output.
func (s *Supervisor) readStream(mp *ManagedProcess) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := mp.stdout.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			s.events <- Event{PID: mp.pid, Data: data}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, fs.ErrClosed) {
				err = nil
			}

			code := 0
			if werr := mp.cmd.Wait(); werr != nil {
				var exitErr *exec.ExitError
				if errors.As(werr, &exitErr) {
					code = exitErr.ExitCode()
				} else {
					code = -1
					s.log.WithProcess(mp.pid).Warn("wait failed", logger.WithField("error", werr))
				}
			}

			s.events <- Event{PID: mp.pid, EOF: true, Err: err, ExitCode: code}
			return
		}
	}
}

// reap records a fully drained and waited-on child's result and removes
// its table entry. The reader already collected the exit code, so this
// never blocks the poll loop.
func (s *Supervisor) reap(ev Event) {
	mp, ok := s.table[ev.PID]
	if !ok {
		return
	}

	delete(s.table, ev.PID)
	s.results = append(s.results, Result{
		Command:  mp.command,
		PID:      ev.PID,
		ExitCode: ev.ExitCode,
		Duration: time.Since(mp.started),
	})

	if ev.ExitCode == 0 {
		s.log.WithProcess(ev.PID).Debug("process completed")
	} else {
		s.log.WithProcess(ev.PID).Info("process exited non-zero", logger.WithField("exit_code", ev.ExitCode))
	}
}

// terminateAll signals every live child. Termination runs in the reader
// group so slow children do not serialize the grace periods; the main
// loop keeps draining until every pipe reaches EOF.
func (s *Supervisor) terminateAll(group *ReaderGroup) {
	s.log.Info("terminating live children", logger.WithField("count", len(s.table)))
	for pid := range s.table {
		pid := pid
		group.Go(func() error {
			if err := process.Terminate(pid, s.opts.GracePeriod); err != nil {
				s.log.WithProcess(pid).Warn("terminate failed", logger.WithField("error", err))
			}
			return nil
		})
	}
}

func (s *Supervisor) snapshotResults() []Result {
	results := make([]Result, len(s.results))
	copy(results, s.results)
	return results
}

// Aggregate returns the overall exit status for a run: the maximum exit
// code among children that actually ran. Spawn failures are inline
// diagnostics and do not contribute; a child killed by a signal counts
// as 1.
func Aggregate(results []Result) int {
	status := 0
	for _, r := range results {
		if r.SpawnErr != nil {
			continue
		}
		code := r.ExitCode
		if code < 0 {
			code = 1
		}
		if code > status {
			status = code
		}
	}
	return status
}
