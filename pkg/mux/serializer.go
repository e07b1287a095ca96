package mux

import (
	"bytes"
	"io"

	"github.com/fatih/color"
)

// Serializer writes (pid, fragment) pairs onto a single combined sink.
// Only the supervisor's poll loop calls Write, so one fragment always
// completes before the next begins; no locking required.
type Serializer struct {
	w        io.Writer
	prefix   bool
	palette  []*color.Color
	assigned map[int]*color.Color
	next     int

	atLineStart bool
	lastPID     int
}

// NewSerializer creates a serializer over w. With prefix enabled, every
// output line is prefixed with a colored "pid | " tag; otherwise the
// combined stream is a byte-exact passthrough of the children's stdout.
func NewSerializer(w io.Writer, prefix bool) *Serializer {
	return &Serializer{
		w:      w,
		prefix: prefix,
		palette: []*color.Color{
			color.New(color.FgCyan),
			color.New(color.FgYellow),
			color.New(color.FgGreen),
			color.New(color.FgMagenta),
			color.New(color.FgBlue),
		},
		assigned:    make(map[int]*color.Color),
		atLineStart: true,
	}
}

// Write emits one fragment attributed to pid.
func (s *Serializer) Write(pid int, fragment []byte) error {
	if len(fragment) == 0 {
		return nil
	}

	if !s.prefix {
		_, err := s.w.Write(fragment)
		return err
	}

	// A writer switch mid-line would misattribute the rest of the line;
	// break the line so each prefixed line holds bytes from one child.
	if !s.atLineStart && pid != s.lastPID {
		if _, err := io.WriteString(s.w, "\n"); err != nil {
			return err
		}
		s.atLineStart = true
	}
	s.lastPID = pid

	for len(fragment) > 0 {
		if s.atLineStart {
			if _, err := io.WriteString(s.w, s.tag(pid)); err != nil {
				return err
			}
			s.atLineStart = false
		}

		i := bytes.IndexByte(fragment, '\n')
		if i < 0 {
			_, err := s.w.Write(fragment)
			return err
		}
		if _, err := s.w.Write(fragment[:i+1]); err != nil {
			return err
		}
		s.atLineStart = true
		fragment = fragment[i+1:]
	}

	return nil
}

func (s *Serializer) tag(pid int) string {
	c, ok := s.assigned[pid]
	if !ok {
		c = s.palette[s.next%len(s.palette)]
		s.next++
		s.assigned[pid] = c
	}
	return c.Sprintf("%d | ", pid)
}
