package process_test

import (
	"context"
	"io"
	"os"
	"os/exec"
	"runtime"
	"testing"
	"time"

	"github.com/bengfort/pproc/pkg/logger"
	"github.com/bengfort/pproc/pkg/process"
)

func testLogger() logger.Logger {
	return logger.CreateLoggerWithOutput("error", io.Discard)
}

func TestShutdownHandlersRunInReverseOrder(t *testing.T) {
	mgr := process.NewManager(testLogger())

	var order []int
	mgr.RegisterShutdownHandler(func() { order = append(order, 1) })
	mgr.RegisterShutdownHandler(func() { order = append(order, 2) })

	ctx, cancel := context.WithCancel(context.Background())
	mgr.Start(ctx)
	cancel()
	mgr.Stop()

	if len(order) != 2 || order[0] != 2 || order[1] != 1 {
		t.Errorf("handlers ran in order %v, want [2 1]", order)
	}
}

func TestManagerLifecycle(t *testing.T) {
	mgr := process.NewManager(testLogger())

	if mgr.IsRunning() {
		t.Error("manager running before Start")
	}

	ctx, cancel := context.WithCancel(context.Background())
	mgr.Start(ctx)
	if !mgr.IsRunning() {
		t.Error("manager not running after Start")
	}

	cancel()
	mgr.Stop()
	if mgr.IsRunning() {
		t.Error("manager still running after Stop")
	}
}

func TestAlive(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("signal 0 probing is unix-only")
	}

	if !process.Alive(os.Getpid()) {
		t.Error("Alive(self) = false")
	}

	cmd := exec.Command("true")
	if err := cmd.Run(); err != nil {
		t.Fatal(err)
	}
	if process.Alive(cmd.Process.Pid) {
		t.Error("Alive(reaped child) = true")
	}
}

func TestTerminateStopsChild(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("termination ladder is unix-only")
	}

	cmd := exec.Command("sleep", "30")
	if err := cmd.Start(); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	if err := process.Terminate(cmd.Process.Pid, 200*time.Millisecond); err != nil {
		t.Fatalf("Terminate returned error: %v", err)
	}

	if err := cmd.Wait(); err == nil {
		t.Error("child exited cleanly, expected death by signal")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("termination took %s", elapsed)
	}
}
