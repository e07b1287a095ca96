package mux

import (
	"fmt"
	"runtime/debug"

	"golang.org/x/sync/errgroup"

	"github.com/bengfort/pproc/pkg/logger"
)

// ReaderGroup coordinates the per-stream reader goroutines with panic
// recovery, so one misbehaving reader cannot take down the multiplexer
// while siblings are still draining.
type ReaderGroup struct {
	group  *errgroup.Group
	logger logger.Logger
}

// NewReaderGroup creates an empty reader group
func NewReaderGroup(log logger.Logger) *ReaderGroup {
	return &ReaderGroup{
		group:  new(errgroup.Group),
		logger: log,
	}
}

// Go runs fn in a new goroutine. A panic is converted to an error and
// logged with its stack trace instead of crashing the run.
func (rg *ReaderGroup) Go(fn func() error) {
	rg.group.Go(func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				rg.logger.Error("Reader goroutine panic recovered",
					logger.WithField("panic", r),
					logger.WithField("stack_trace", string(debug.Stack())))

				err = fmt.Errorf("reader panic: %v", r)
			}
		}()

		return fn()
	})
}

// Wait blocks until every reader has finished and returns the first
// error encountered.
func (rg *ReaderGroup) Wait() error {
	return rg.group.Wait()
}
