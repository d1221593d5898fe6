package exception

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

//go:noinline
func raiseFromLayer(skip int) *Error {
	return New(KindAttribute, "boom", skip)
}

//go:noinline
func wrapFromLayer(err error, skip int) *Error {
	return Wrap(err, skip)
}

type customError struct{}

func (customError) Error() string { return "custom" }

type kindedError struct{}

func (kindedError) Error() string { return "kinded" }
func (kindedError) Kind() string  { return "ValueError" }

func TestNew_CapturesCaller(t *testing.T) {
	err := raiseFromLayer(0)

	stack := err.Stack()
	require.NotEmpty(t, stack)
	assert.True(t, strings.HasSuffix(stack[0].Function, "raiseFromLayer"), stack[0].Function)
	assert.True(t, strings.HasSuffix(stack[1].Function, "TestNew_CapturesCaller"), stack[1].Function)
	assert.True(t, strings.HasSuffix(stack[0].File, "exception_test.go"))

	for _, f := range stack {
		assert.False(t, strings.HasPrefix(f.Function, "runtime."), f.Function)
	}
}

func TestTrimmed(t *testing.T) {
	tests := []struct {
		name      string
		skip      int
		wantFirst string
	}{
		{name: "no skip keeps the layer", skip: 0, wantFirst: "raiseFromLayer"},
		{name: "skip hides the layer", skip: 1, wantFirst: "TestTrimmed.func1"},
		{name: "negative skip counts as zero", skip: -3, wantFirst: "raiseFromLayer"},
		{name: "skip past the stack counts as zero", skip: 10000, wantFirst: "raiseFromLayer"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := raiseFromLayer(tt.skip)
			frames := err.Trimmed()
			require.NotEmpty(t, frames)

			// Most recent call last.
			innermost := frames[len(frames)-1]
			assert.True(t, strings.HasSuffix(innermost.Function, tt.wantFirst), innermost.Function)
			assert.Len(t, frames, len(err.Stack())-clampSkip(tt.skip, len(err.Stack())))
		})
	}
}

func clampSkip(skip, n int) int {
	if skip < 0 || skip > n {
		return 0
	}
	return skip
}

func TestWrap(t *testing.T) {
	t.Run("nil stays nil", func(t *testing.T) {
		assert.Nil(t, Wrap(nil, 1))
	})

	t.Run("plain error keeps message and chain", func(t *testing.T) {
		cause := customError{}
		wrapped := wrapFromLayer(cause, 1)

		assert.Equal(t, Kind("customError"), wrapped.Kind)
		assert.Equal(t, "custom", wrapped.Error())
		assert.Equal(t, 1, wrapped.Skip)
		assert.True(t, errors.Is(wrapped, cause))

		var target customError
		assert.True(t, errors.As(wrapped, &target))
	})

	t.Run("normalized error is never rewrapped", func(t *testing.T) {
		original := raiseFromLayer(2)
		chained := fmt.Errorf("context: %w", original)

		assert.Same(t, original, wrapFromLayer(original, 5))
		assert.Same(t, original, wrapFromLayer(chained, 5))
		assert.Equal(t, 2, original.Skip)
	})
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{name: "normalized", err: New(KindModuleNotFound, "x", 0), want: KindModuleNotFound},
		{name: "wrapped normalized", err: fmt.Errorf("a: %w", New(KindEnvironment, "x", 0)), want: KindEnvironment},
		{name: "kind method", err: kindedError{}, want: "ValueError"},
		{name: "type name", err: customError{}, want: "customError"},
		{name: "pointer type name", err: &customError{}, want: "customError"},
		{name: "errors.New", err: errors.New("x"), want: "Error"},
		{name: "fmt.Errorf", err: fmt.Errorf("x: %w", errors.New("y")), want: "Error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestError_IsSentinel(t *testing.T) {
	err := Newf(KindModuleNotFound, 0, "No module named '%s'", "x")

	assert.Equal(t, "No module named 'x'", err.Error())
	assert.True(t, errors.Is(err, ErrModuleNotFound))
	assert.False(t, errors.Is(err, ErrAttribute))
	assert.False(t, errors.Is(err, New(KindModuleNotFound, "other", 0)))
	assert.True(t, errors.Is(fmt.Errorf("outer: %w", err), ErrModuleNotFound))
}

func TestFrame_String(t *testing.T) {
	f := Frame{Function: "main.run", File: "/src/rules.go", Line: 12}
	assert.Equal(t, `File "/src/rules.go", line 12, in main.run`, f.String())
}
