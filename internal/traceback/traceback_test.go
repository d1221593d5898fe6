package traceback

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"

	"automationshim/internal/exception"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

//go:noinline
func shimCall(skip int) error {
	return exception.New(exception.KindAttribute, "One of your function parameters does not match the required value type.", skip)
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("closed") }

type panickingError struct{}

func (panickingError) Error() string { panic("broken Error method") }

func TestFormat(t *testing.T) {
	t.Run("normalized error", func(t *testing.T) {
		err := shimCall(1)
		out := Format(err)
		lines := strings.Split(out, "\n")

		require.GreaterOrEqual(t, len(lines), 3)
		assert.Equal(t, "AttributeError, One of your function parameters does not match the required value type.", lines[0])
		assert.Equal(t, Header, lines[1])
		assert.NotContains(t, out, "shimCall")
		assert.Contains(t, lines[len(lines)-1], "traceback_test.go")
		assert.Contains(t, lines[len(lines)-1], "TestFormat.func1")
		assert.False(t, strings.HasSuffix(out, "\n"))
	})

	t.Run("plain error has only a header", func(t *testing.T) {
		assert.Equal(t, "Error, plain", Format(errors.New("plain")))
	})

	t.Run("skip out of range shows everything", func(t *testing.T) {
		out := Format(shimCall(1 << 20))
		assert.Contains(t, out, "shimCall")
	})

	t.Run("nil", func(t *testing.T) {
		assert.Equal(t, "", Format(nil))
	})
}

func TestLastFrameIn(t *testing.T) {
	err := shimCall(1)

	assert.True(t, LastFrameIn(err, "traceback_test.go"))
	assert.True(t, LastFrameIn(err, "internal/traceback/traceback_test.go"))
	assert.False(t, LastFrameIn(err, "traceback.go"))
	assert.False(t, LastFrameIn(err, "/traceback_test.go"))
	assert.False(t, LastFrameIn(errors.New("plain"), "traceback_test.go"))

	frames := Frames(fmt.Errorf("outer: %w", err))
	require.NotEmpty(t, frames)
	assert.True(t, LastFrameIn(err, frames[len(frames)-1].File))
}

func TestHook_Handle(t *testing.T) {
	t.Run("writes rendered error", func(t *testing.T) {
		var buf bytes.Buffer
		hook := NewHook(&buf, zap.NewNop())
		hook.Handle(shimCall(1))

		out := buf.String()
		assert.True(t, strings.HasPrefix(out, "AttributeError, "))
		assert.Contains(t, out, Header)
		assert.True(t, strings.HasSuffix(out, "\n"))
		assert.NotContains(t, out, "\x1b[")
	})

	t.Run("header is plain unless color is requested on a terminal", func(t *testing.T) {
		f, err := os.CreateTemp(t.TempDir(), "traceback")
		require.NoError(t, err)
		defer f.Close()

		hook := NewHook(f, zap.NewNop())
		hook.SetColor(true)
		hook.Handle(errors.New("lamp offline"))

		written, err := os.ReadFile(f.Name())
		require.NoError(t, err)
		assert.Equal(t, "Error, lamp offline\n", string(written))
	})

	t.Run("nil is ignored", func(t *testing.T) {
		var buf bytes.Buffer
		NewHook(&buf, zap.NewNop()).Handle(nil)
		assert.Empty(t, buf.String())
	})

	t.Run("never panics", func(t *testing.T) {
		assert.NotPanics(t, func() {
			NewHook(failingWriter{}, zap.NewNop()).Handle(shimCall(1))
		})
		assert.NotPanics(t, func() {
			NewHook(&bytes.Buffer{}, zap.NewNop()).Handle(panickingError{})
		})
	})

	t.Run("concurrent writers do not interleave", func(t *testing.T) {
		var buf bytes.Buffer
		hook := NewHook(&buf, zap.NewNop())

		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				hook.Handle(errors.New("one line"))
			}()
		}
		wg.Wait()

		for _, line := range strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n") {
			assert.Equal(t, "Error, one line", line)
		}
	})
}

func TestInstall(t *testing.T) {
	previous := Installed()
	defer Install(previous)

	var first, second []error
	Install(HandlerFunc(func(err error) { first = append(first, err) }))
	Install(HandlerFunc(func(err error) { second = append(second, err) }))

	err := errors.New("uncaught")
	Handle(err)

	assert.Empty(t, first, "handlers are replaced, not chained")
	require.Len(t, second, 1)
	assert.Same(t, err, second[0])
}

func TestDefaultHook_IsShared(t *testing.T) {
	assert.Same(t, defaultHook(), defaultHook())
}
