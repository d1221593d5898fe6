package trap_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"automationshim/internal/exception"
	"automationshim/internal/host"
	"automationshim/internal/traceback"
	"automationshim/internal/trap"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const lampClass = "org.example.Lamp"

type lamp struct {
	Name    string
	level   int
	channel int8
	zone    uint8
	gain    float32
	peer    *lamp
}

type lampError struct{ reason string }

func (e *lampError) Error() string { return "lamp: " + e.reason }

func (l *lamp) SetLevel(level int) { l.level = level }
func (l *lamp) GetLevel() int      { return l.level }
func (l *lamp) SetChannel(c int8)  { l.channel = c }
func (l *lamp) SetZone(z uint8)    { l.zone = z }
func (l *lamp) SetGain(g float32)  { l.gain = g }
func (l *lamp) GetPeer() *lamp     { return l.peer }
func (l *lamp) Since() time.Time   { return time.Unix(0, 0) }
func (l *lamp) Burnout() error     { return &lampError{reason: "burned out"} }
func (l *lamp) Label(prefix, suffix string) string {
	return prefix + l.Name + suffix
}

type lampStatics struct{}

func (lampStatics) Describe(l *lamp, suffix string) string { return l.Name + suffix }

func newLamp(name string) *lamp { return &lamp{Name: name} }

func newPolicy(t *testing.T) (*host.Runtime, *trap.Policy) {
	t.Helper()
	rt := host.NewRuntime(zap.NewNop())
	rt.MustDefine(host.ClassSpec{
		Name:        lampClass,
		Instance:    (*lamp)(nil),
		Statics:     lampStatics{},
		Constructor: newLamp,
	})
	policy := trap.NewPolicy(func(v any) trap.Foreign { return rt.Wrap(v) }, zap.NewNop())
	return rt, policy
}

// leadingShimFrames counts the innermost frames that belong to the trap.
func leadingShimFrames(err *exception.Error) int {
	n := 0
	for _, f := range err.Stack() {
		if !strings.HasPrefix(f.Function, "automationshim/internal/trap.") {
			break
		}
		n++
	}
	return n
}

func requireNormalized(t *testing.T, err error) *exception.Error {
	t.Helper()
	require.Error(t, err)
	var normalized *exception.Error
	require.True(t, errors.As(err, &normalized), "expected *exception.Error, got %T", err)
	return normalized
}

func TestObject_Call_ParameterMismatch(t *testing.T) {
	_, policy := newPolicy(t)
	obj := policy.Wrap(newLamp("hall"))

	_, err := obj.Call("setLevel", "bright")
	normalized := requireNormalized(t, err)

	assert.Equal(t, exception.KindAttribute, normalized.Kind)
	assert.Equal(t, trap.ParameterMismatchMessage, normalized.Error())
	assert.Equal(t, leadingShimFrames(normalized), normalized.Skip)
	assert.True(t, traceback.LastFrameIn(err, "trap_test.go"))
	assert.NotContains(t, traceback.Format(err), "(*Policy)")
}

func TestObject_Attr_ParameterMismatch(t *testing.T) {
	_, policy := newPolicy(t)
	obj := policy.Wrap(newLamp("hall"))

	attr, err := obj.Attr("setLevel")
	require.NoError(t, err)
	setLevel, ok := attr.(trap.Func)
	require.True(t, ok)

	_, err = setLevel(1.5)
	normalized := requireNormalized(t, err)

	assert.Equal(t, trap.ParameterMismatchMessage, normalized.Error())
	assert.Equal(t, leadingShimFrames(normalized), normalized.Skip)
	assert.True(t, traceback.LastFrameIn(err, "trap_test.go"))

	_, err = setLevel(4)
	require.NoError(t, err)
	level, err := obj.Call("getLevel")
	require.NoError(t, err)
	assert.Equal(t, 4, level)
}

func TestObject_Call_OutOfRangeArguments(t *testing.T) {
	_, policy := newPolicy(t)
	l := newLamp("hall")
	obj := policy.Wrap(l)

	tests := []struct {
		name   string
		method string
		arg    any
	}{
		{name: "int8 overflow", method: "setChannel", arg: 300},
		{name: "int8 underflow", method: "setChannel", arg: -129},
		{name: "negative to unsigned", method: "setZone", arg: -1},
		{name: "uint8 overflow", method: "setZone", arg: uint(256)},
		{name: "float32 overflow", method: "setGain", arg: 1e300},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := obj.Call(tt.method, tt.arg)
			normalized := requireNormalized(t, err)
			assert.Equal(t, exception.KindAttribute, normalized.Kind)
			assert.Equal(t, trap.ParameterMismatchMessage, normalized.Error())
			assert.True(t, traceback.LastFrameIn(err, "trap_test.go"))
		})
	}
	assert.Equal(t, int8(0), l.channel)
	assert.Equal(t, uint8(0), l.zone)
	assert.Equal(t, float32(0), l.gain)

	t.Run("in range values convert", func(t *testing.T) {
		_, err := obj.Call("setChannel", -128)
		require.NoError(t, err)
		_, err = obj.Call("setZone", 255)
		require.NoError(t, err)
		_, err = obj.Call("setGain", 0.5)
		require.NoError(t, err)

		assert.Equal(t, int8(-128), l.channel)
		assert.Equal(t, uint8(255), l.zone)
		assert.Equal(t, float32(0.5), l.gain)
	})
}

func TestObject_MissingAttribute(t *testing.T) {
	rt, policy := newPolicy(t)

	tests := []struct {
		name    string
		target  any
		wantMsg string
	}{
		{
			name:    "instance",
			target:  newLamp("hall"),
			wantMsg: "Java instance of 'org.example.Lamp' has no attribute 'brightness'",
		},
		{
			name:    "null sentinel",
			target:  rt.None(),
			wantMsg: "None object has no attribute 'brightness'",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obj := policy.Wrap(tt.target)

			_, err := obj.Attr("brightness")
			normalized := requireNormalized(t, err)
			assert.Equal(t, exception.KindAttribute, normalized.Kind)
			assert.Equal(t, tt.wantMsg, normalized.Error())
			assert.Equal(t, leadingShimFrames(normalized), normalized.Skip)

			_, err = obj.Call("brightness")
			normalized = requireNormalized(t, err)
			assert.Equal(t, tt.wantMsg, normalized.Error())
			assert.True(t, traceback.LastFrameIn(err, "trap_test.go"))
		})
	}
}

func TestObject_Fields(t *testing.T) {
	_, policy := newPolicy(t)
	obj := policy.Wrap(newLamp("hall"))

	name, err := obj.Attr("name")
	require.NoError(t, err)
	assert.Equal(t, "hall", name)

	_, err = obj.Call("name")
	normalized := requireNormalized(t, err)
	assert.Equal(t, exception.KindType, normalized.Kind)
	assert.Equal(t, "'org.example.Lamp' attribute 'name' is not callable", normalized.Error())
}

func TestObject_HostErrorsPassThrough(t *testing.T) {
	_, policy := newPolicy(t)
	obj := policy.Wrap(newLamp("hall"))

	_, err := obj.Call("burnout")
	normalized := requireNormalized(t, err)

	assert.Equal(t, exception.Kind("lampError"), normalized.Kind)
	assert.Equal(t, "lamp: burned out", normalized.Error())
	assert.Equal(t, leadingShimFrames(normalized), normalized.Skip)

	var original *lampError
	require.True(t, errors.As(err, &original))
	assert.Equal(t, "burned out", original.reason)
}

func TestObject_ResultsAreAdopted(t *testing.T) {
	_, policy := newPolicy(t)
	hall := newLamp("hall")
	hall.peer = newLamp("porch")
	obj := policy.Wrap(hall)

	peer, err := obj.Call("getPeer")
	require.NoError(t, err)
	trapped, ok := peer.(*trap.Object)
	require.True(t, ok, "host objects come back trapped, got %T", peer)
	assert.Equal(t, lampClass, trapped.ClassName())

	_, err = trapped.Call("setLevel", "dim")
	normalized := requireNormalized(t, err)
	assert.Equal(t, trap.ParameterMismatchMessage, normalized.Error())

	since, err := obj.Call("since")
	require.NoError(t, err)
	assert.IsType(t, time.Time{}, since)

	level, err := obj.Call("getLevel")
	require.NoError(t, err)
	assert.Equal(t, 0, level)

	none, err := policy.Wrap(newLamp("x")).Call("getPeer")
	require.NoError(t, err)
	require.IsType(t, &trap.Object{}, none)
	assert.True(t, none.(*trap.Object).IsNull())
}

func TestPolicy_Wrap(t *testing.T) {
	rt, policy := newPolicy(t)
	obj := policy.Wrap(newLamp("hall"))

	assert.Same(t, obj, policy.Wrap(obj), "trapped objects are not wrapped twice")
	assert.True(t, policy.Wrap(nil).IsNull())

	foreign := rt.Wrap(newLamp("porch"))
	assert.Same(t, foreign, policy.Wrap(foreign).Foreign())
}

func TestObject_New(t *testing.T) {
	rt, policy := newPolicy(t)
	class, err := rt.Class(lampClass)
	require.NoError(t, err)
	handle := policy.Wrap(class)

	made, err := handle.New("attic")
	require.NoError(t, err)
	trapped, ok := made.(*trap.Object)
	require.True(t, ok)
	assert.Equal(t, "attic", trapped.Unwrap().(*lamp).Name)

	_, err = handle.New(42)
	normalized := requireNormalized(t, err)
	assert.Equal(t, trap.ParameterMismatchMessage, normalized.Error())
	assert.Equal(t, leadingShimFrames(normalized), normalized.Skip)

	_, err = policy.Wrap(newLamp("hall")).New()
	normalized = requireNormalized(t, err)
	assert.Equal(t, trap.ParameterMismatchMessage, normalized.Error())
	assert.True(t, traceback.LastFrameIn(err, "trap_test.go"))
}

func TestProxy(t *testing.T) {
	rt, policy := newPolicy(t)
	class, err := rt.Class(lampClass)
	require.NoError(t, err)
	hall := newLamp("hall")

	t.Run("prepend", func(t *testing.T) {
		proxy := policy.Proxy(class, trap.Prepend(hall))

		out, err := proxy.Call("describe", "!")
		require.NoError(t, err)
		assert.Equal(t, "hall!", out)

		attr, err := proxy.Attr("describe")
		require.NoError(t, err)
		out, err = attr.(trap.Func)("?")
		require.NoError(t, err)
		assert.Equal(t, "hall?", out)
	})

	t.Run("append", func(t *testing.T) {
		proxy := policy.Proxy(hall, trap.Append("]"))

		out, err := proxy.Call("label", "[")
		require.NoError(t, err)
		assert.Equal(t, "[hall]", out)
	})

	t.Run("chain", func(t *testing.T) {
		proxy := policy.Proxy(hall, trap.Chain(trap.Prepend("<"), trap.Append(">")))

		out, err := proxy.Call("label")
		require.NoError(t, err)
		assert.Equal(t, "<hall>", out)
	})

	t.Run("nil transform passes arguments", func(t *testing.T) {
		proxy := policy.Proxy(hall, nil)

		out, err := proxy.Call("label", "(", ")")
		require.NoError(t, err)
		assert.Equal(t, "(hall)", out)
	})

	t.Run("errors are translated", func(t *testing.T) {
		proxy := policy.Proxy(class, trap.Prepend(hall))

		_, err := proxy.Call("describe", 3)
		normalized := requireNormalized(t, err)
		assert.Equal(t, trap.ParameterMismatchMessage, normalized.Error())
		assert.Equal(t, leadingShimFrames(normalized), normalized.Skip)
		assert.True(t, traceback.LastFrameIn(err, "trap_test.go"))

		_, err = proxy.Call("missing")
		normalized = requireNormalized(t, err)
		assert.Equal(t, exception.KindAttribute, normalized.Kind)
	})

	t.Run("proxy does not own the target", func(t *testing.T) {
		policy.Proxy(hall, trap.Prepend(1))
		obj := policy.Wrap(hall)
		_, err := obj.Call("setLevel", 2)
		require.NoError(t, err)
		assert.Equal(t, 2, hall.level)
	})
}
