// Package traceback renders errors that reached the top of a script the way
// the scripting API presents them: a "<Kind>, <message>" header followed by
// the stack with the shim's own frames trimmed.
package traceback

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"automationshim/internal/exception"

	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
)

// Header introduces the rendered frames.
const Header = "Traceback (most recent call last):"

// Handler receives errors that no application code handled.
type Handler interface {
	Handle(err error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(err error)

// Handle calls f(err).
func (f HandlerFunc) Handle(err error) {
	f(err)
}

// Frames returns the rendered frames of err, outermost first, with the skip
// count of a normalized error applied. Errors without a captured stack have
// no frames.
func Frames(err error) []exception.Frame {
	var normalized *exception.Error
	if !errors.As(err, &normalized) {
		return nil
	}
	return normalized.Trimmed()
}

// Format renders err. The result has no trailing newline.
func Format(err error) string {
	if err == nil {
		return ""
	}
	return strings.Join(lines(err), "\n")
}

func lines(err error) []string {
	result := []string{fmt.Sprintf("%s, %s", exception.KindOf(err), err.Error())}

	frames := Frames(err)
	if len(frames) == 0 {
		return result
	}

	result = append(result, Header)
	for _, f := range frames {
		result = append(result, strings.TrimSpace(f.String()))
	}
	return result
}

// LastFrameIn reports whether the innermost frame left after trimming lies
// in the source file path. A relative path matches as a path suffix.
func LastFrameIn(err error, path string) bool {
	frames := Frames(err)
	if len(frames) == 0 {
		return false
	}
	file := filepath.ToSlash(frames[len(frames)-1].File)
	path = filepath.ToSlash(path)
	if file == path {
		return true
	}
	return !filepath.IsAbs(path) && strings.HasSuffix(file, "/"+path)
}

// Hook writes rendered errors to a stream, stderr by default.
type Hook struct {
	mu     sync.Mutex
	out    io.Writer
	color  bool
	logger *zap.Logger
}

// NewHook creates a hook writing to out. Headers are plain text.
func NewHook(out io.Writer, logger *zap.Logger) *Hook {
	if out == nil {
		out = os.Stderr
	}
	return &Hook{
		out:    out,
		logger: logger.Named("traceback"),
	}
}

// SetColor opts in to a colorized header. It only takes effect when the
// hook writes to a terminal.
func (h *Hook) SetColor(enabled bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.color = enabled && isTerminal(h.out)
}

func isTerminal(out io.Writer) bool {
	f, ok := out.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// Handle renders err. It never panics.
func (h *Hook) Handle(err error) {
	if err == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("Traceback hook failed", zap.Any("panic", r))
		}
	}()

	rendered := lines(err)

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.color {
		rendered[0] = "\x1b[1;31m" + rendered[0] + "\x1b[0m"
	}

	if _, werr := io.WriteString(h.out, strings.Join(rendered, "\n")+"\n"); werr != nil {
		h.logger.Warn("Failed to write traceback", zap.Error(werr))
	}
}

type handlerBox struct {
	handler Handler
}

var installed atomic.Pointer[handlerBox]

// Install makes h the process-wide handler. Later installs replace earlier
// ones; handlers are never chained.
func Install(h Handler) {
	installed.Store(&handlerBox{handler: h})
}

// Installed returns the process-wide handler. Until one is installed this
// is a stderr Hook.
func Installed() Handler {
	if box := installed.Load(); box != nil && box.handler != nil {
		return box.handler
	}
	return defaultHook()
}

// Handle passes err to the process-wide handler.
func Handle(err error) {
	Installed().Handle(err)
}

var (
	defaultOnce sync.Once
	fallback    *Hook
)

func defaultHook() *Hook {
	defaultOnce.Do(func() {
		fallback = NewHook(os.Stderr, zap.NewNop())
	})
	return fallback
}
