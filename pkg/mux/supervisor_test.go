package mux_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bengfort/pproc/pkg/command"
	"github.com/bengfort/pproc/pkg/logger"
	"github.com/bengfort/pproc/pkg/mux"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests spawn sh/echo children")
	}
}

func parse(t *testing.T, raws ...string) []command.Command {
	t.Helper()
	commands, err := command.ParseAll(raws)
	require.NoError(t, err)
	return commands
}

func newTestSupervisor(out io.Writer, timeout time.Duration) *mux.Supervisor {
	return mux.NewSupervisor(mux.Options{
		PollTimeout: timeout,
		GracePeriod: 500 * time.Millisecond,
		Output:      out,
		Logger:      logger.CreateLoggerWithOutput("error", io.Discard),
	})
}

func TestRunCapturesAllOutput(t *testing.T) {
	requireUnix(t)

	var out bytes.Buffer
	s := newTestSupervisor(&out, 50*time.Millisecond)

	results, err := s.Run(context.Background(), parse(t, "echo hello", "echo world"))
	require.NoError(t, err)
	require.Len(t, results, 2)

	// Cross-process interleaving is unordered; assert completeness only
	assert.Contains(t, out.String(), "hello\n")
	assert.Contains(t, out.String(), "world\n")
	assert.Equal(t, 0, mux.Aggregate(results))
}

func TestPerProcessOrderingPreserved(t *testing.T) {
	requireUnix(t)

	var out bytes.Buffer
	s := newTestSupervisor(&out, 20*time.Millisecond)

	_, err := s.Run(context.Background(), parse(t,
		`sh -c 'for i in 1 2 3 4 5; do echo a$i; done'`,
		`sh -c 'for i in 1 2 3 4 5; do echo b$i; done'`,
	))
	require.NoError(t, err)

	// Each child's lines must appear in its own write order
	combined := out.String()
	for _, markers := range [][]string{
		{"a1\n", "a2\n", "a3\n", "a4\n", "a5\n"},
		{"b1\n", "b2\n", "b3\n", "b4\n", "b5\n"},
	} {
		pos := -1
		for _, marker := range markers {
			next := strings.Index(combined, marker)
			require.GreaterOrEqual(t, next, 0, "missing %q in output %q", marker, combined)
			require.Greater(t, next, pos, "%q out of order in %q", marker, combined)
			pos = next
		}
	}
}

func TestSilentChildCompletes(t *testing.T) {
	requireUnix(t)

	var out bytes.Buffer
	s := newTestSupervisor(&out, 20*time.Millisecond)

	results, err := s.Run(context.Background(), parse(t, "true"))
	require.NoError(t, err)
	require.Len(t, results, 1)

	assert.Equal(t, 0, results[0].ExitCode)
	assert.Zero(t, out.Len())
}

func TestNonZeroExitPropagates(t *testing.T) {
	requireUnix(t)

	var out bytes.Buffer
	s := newTestSupervisor(&out, 20*time.Millisecond)

	results, err := s.Run(context.Background(), parse(t, `sh -c 'exit 3'`, "echo fine"))
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, 3, mux.Aggregate(results))
	assert.Contains(t, out.String(), "fine\n")
}

func TestSpawnFailureDoesNotAbortSiblings(t *testing.T) {
	requireUnix(t)

	var out bytes.Buffer
	s := newTestSupervisor(&out, 20*time.Millisecond)

	results, err := s.Run(context.Background(), parse(t,
		"echo one",
		"/nonexistent-executable-for-pproc-test",
		"echo two",
	))
	require.NoError(t, err)
	require.Len(t, results, 3)

	var spawnErrs int
	for _, r := range results {
		if r.SpawnErr != nil {
			spawnErrs++
			var spawnErr *mux.SpawnError
			assert.ErrorAs(t, r.SpawnErr, &spawnErr)
		}
	}
	assert.Equal(t, 1, spawnErrs)

	// The surviving children still ran to completion
	assert.Contains(t, out.String(), "one\n")
	assert.Contains(t, out.String(), "two\n")
	assert.Equal(t, 0, mux.Aggregate(results))
}

func TestBurstsLongerThanPollTimeout(t *testing.T) {
	requireUnix(t)

	var out bytes.Buffer
	s := newTestSupervisor(&out, 20*time.Millisecond)

	_, err := s.Run(context.Background(), parse(t, `sh -c 'echo first; sleep 0.2; echo second'`))
	require.NoError(t, err)

	assert.Contains(t, out.String(), "first\n")
	assert.Contains(t, out.String(), "second\n")
}

func TestFinalDrainCapturesUnterminatedTail(t *testing.T) {
	requireUnix(t)

	var out bytes.Buffer
	s := newTestSupervisor(&out, 20*time.Millisecond)

	results, err := s.Run(context.Background(), parse(t, `sh -c 'printf tail-no-newline'`))
	require.NoError(t, err)
	require.Len(t, results, 1)

	assert.Equal(t, "tail-no-newline", out.String())
}

func TestCancellationTerminatesChildren(t *testing.T) {
	requireUnix(t)

	var out bytes.Buffer
	s := newTestSupervisor(&out, 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	results, err := s.Run(ctx, parse(t, "sleep 30", "sleep 30"))
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Less(t, time.Since(start), 5*time.Second, "run did not stop after cancellation")
	for _, r := range results {
		assert.NotEqual(t, 0, r.ExitCode, "child should have died from the termination signal")
	}
}

// firstWriteRecorder stamps the arrival time of the first byte so tests
// can assert one child's output was not held up by another.
type firstWriteRecorder struct {
	buf   bytes.Buffer
	first time.Time
}

func (w *firstWriteRecorder) Write(p []byte) (int, error) {
	if w.first.IsZero() {
		w.first = time.Now()
	}
	return w.buf.Write(p)
}

func TestEarlyStdoutCloseDoesNotStallSiblings(t *testing.T) {
	requireUnix(t)

	out := &firstWriteRecorder{}
	s := newTestSupervisor(out, 20*time.Millisecond)

	// The first child closes its stdout immediately but keeps running;
	// the second child's output must still arrive promptly.
	start := time.Now()
	results, err := s.Run(context.Background(), parse(t,
		`sh -c 'exec 1>&-; sleep 2'`,
		`sh -c 'sleep 0.3; echo hi'`,
	))
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Contains(t, out.buf.String(), "hi\n")
	require.False(t, out.first.IsZero(), "no output was written")
	assert.Less(t, out.first.Sub(start), 1500*time.Millisecond,
		"sibling output was delayed by the closed-stdout child")
}

// failingWriter simulates a combined sink that has gone away, e.g. a
// closed downstream pipe.
type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) {
	return 0, errors.New("sink closed")
}

func TestSinkFailureTerminatesChildrenAndReturnsError(t *testing.T) {
	requireUnix(t)

	s := newTestSupervisor(failingWriter{}, 20*time.Millisecond)

	start := time.Now()
	results, err := s.Run(context.Background(), parse(t, `sh -c 'echo a; sleep 30'`))
	require.Error(t, err)
	require.Len(t, results, 1)

	assert.Less(t, time.Since(start), 5*time.Second, "run did not stop after the sink failed")
	assert.NotEqual(t, 0, results[0].ExitCode)
}

func TestBusyPollRunCompletes(t *testing.T) {
	requireUnix(t)

	var out bytes.Buffer
	s := newTestSupervisor(&out, mux.BusyPollTimeout)

	results, err := s.Run(context.Background(), parse(t, "echo hi"))
	require.NoError(t, err)
	require.Len(t, results, 1)

	assert.Contains(t, out.String(), "hi\n")
	assert.Equal(t, 0, results[0].ExitCode)
}

func TestRunEmptyBatch(t *testing.T) {
	s := newTestSupervisor(io.Discard, 20*time.Millisecond)

	_, err := s.Run(context.Background(), nil)
	assert.True(t, errors.Is(err, mux.ErrNothingToRun))
}

func TestPollAllTimesOutWithNoEvents(t *testing.T) {
	s := newTestSupervisor(io.Discard, 20*time.Millisecond)

	start := time.Now()
	batch := s.PollAll(30 * time.Millisecond)
	assert.Nil(t, batch)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestPollAllBusyPoll(t *testing.T) {
	s := newTestSupervisor(io.Discard, 20*time.Millisecond)

	// Zero or negative timeouts are pure non-blocking polls
	for _, timeout := range []time.Duration{0, mux.BusyPollTimeout} {
		start := time.Now()
		batch := s.PollAll(timeout)
		assert.Empty(t, batch)
		assert.Less(t, time.Since(start), 10*time.Millisecond)
	}
}

func TestAggregate(t *testing.T) {
	tests := []struct {
		name    string
		results []mux.Result
		want    int
	}{
		{"all zero", []mux.Result{{ExitCode: 0}, {ExitCode: 0}}, 0},
		{"max propagates", []mux.Result{{ExitCode: 1}, {ExitCode: 4}, {ExitCode: 0}}, 4},
		{"signal death counts as one", []mux.Result{{ExitCode: -1}}, 1},
		{"spawn failures do not contribute", []mux.Result{{ExitCode: -1, SpawnErr: errors.New("no such file")}, {ExitCode: 0}}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, mux.Aggregate(tt.results))
		})
	}
}
