package exception

import (
	"fmt"
	"runtime"
	"strings"
)

// Frame is one rendered stack entry.
type Frame struct {
	Function string
	File     string
	Line     int
}

// String renders the frame the way a traceback line reads.
func (f Frame) String() string {
	return fmt.Sprintf("File %q, line %d, in %s", f.File, f.Line, f.Function)
}

// Stack returns the captured frames innermost first, runtime frames excluded.
func (e *Error) Stack() []Frame {
	if len(e.pcs) == 0 {
		return nil
	}
	frames := runtime.CallersFrames(e.pcs)
	result := make([]Frame, 0, len(e.pcs))
	for {
		frame, more := frames.Next()
		if frame.Function != "" && !strings.HasPrefix(frame.Function, "runtime.") {
			result = append(result, Frame{
				Function: frame.Function,
				File:     frame.File,
				Line:     frame.Line,
			})
		}
		if !more {
			break
		}
	}
	return result
}

// Trimmed returns the frames outermost first (most recent call last) with the
// Skip innermost frames removed. A negative or out of range Skip counts as 0.
func (e *Error) Trimmed() []Frame {
	stack := e.Stack()
	skip := e.Skip
	if skip < 0 || skip > len(stack) {
		skip = 0
	}
	stack = stack[skip:]

	result := make([]Frame, len(stack))
	for i, f := range stack {
		result[len(stack)-1-i] = f
	}
	return result
}
