package frames

import (
	"encoding/json"
	"math"
	"math/big"
	"strings"
	"testing"

	"github.com/go-rod/rod/lib/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ysmood/gson"
)

func bareContext() *ExecutionContext {
	return &ExecutionContext{realm: &Realm{world: MainWorld}, done: make(chan struct{})}
}

func TestEncodeArgUnserializable(t *testing.T) {
	ec := bareContext()
	tests := []struct {
		name string
		in   interface{}
		want proto.RuntimeUnserializableValue
	}{
		{"nan", math.NaN(), "NaN"},
		{"infinity", math.Inf(1), "Infinity"},
		{"negative infinity", math.Inf(-1), "-Infinity"},
		{"negative zero", math.Copysign(0, -1), "-0"},
		{"float32 nan", float32(math.NaN()), "NaN"},
		{"bigint", big.NewInt(123), "123n"},
		{"negative bigint", big.NewInt(-9), "-9n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			arg, err := encodeArg(ec, tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, arg.UnserializableValue)
		})
	}
}

func TestEncodeArgPlainValues(t *testing.T) {
	ec := bareContext()

	arg, err := encodeArg(ec, 0.0)
	require.NoError(t, err)
	assert.Empty(t, arg.UnserializableValue, "positive zero is an ordinary number")
	assert.Equal(t, 0.0, arg.Value.Num())

	arg, err = encodeArg(ec, map[string]interface{}{"a": []int{1, 2}})
	require.NoError(t, err)
	assert.Equal(t, 2, arg.Value.Get("a.1").Int())

	arg, err = encodeArg(ec, "text")
	require.NoError(t, err)
	assert.Equal(t, "text", arg.Value.Str())
}

func TestEncodeArgKeepsLargeIntegers(t *testing.T) {
	ec := bareContext()

	arg, err := encodeArg(ec, int64(1<<62+1))
	require.NoError(t, err)
	raw, err := json.Marshal(arg)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"value":4611686018427387905`)

	arg, err = encodeArg(ec, map[string]interface{}{"id": uint64(math.MaxUint64), "n": 7})
	require.NoError(t, err)
	raw, err = json.Marshal(arg)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"id":18446744073709551615`)
	assert.Equal(t, 7, arg.Value.Get("n").Int())
}

func TestEncodeArgHandles(t *testing.T) {
	ec := bareContext()
	other := bareContext()

	live := &Handle{ec: ec, obj: &proto.RuntimeRemoteObject{Type: "object", ObjectID: "obj-1"}}
	arg, err := encodeArg(ec, live)
	require.NoError(t, err)
	assert.Equal(t, proto.RuntimeRemoteObjectID("obj-1"), arg.ObjectID)

	primitive := &Handle{ec: ec, obj: &proto.RuntimeRemoteObject{Type: "number", UnserializableValue: "-0"}}
	arg, err = encodeArg(ec, primitive)
	require.NoError(t, err)
	assert.Equal(t, proto.RuntimeUnserializableValue("-0"), arg.UnserializableValue)

	_, err = encodeArg(other, live)
	assert.ErrorIs(t, err, ErrHandleRealmMismatch)

	disposed := &Handle{ec: ec, obj: &proto.RuntimeRemoteObject{ObjectID: "obj-2"}, disposed: true}
	_, err = encodeArg(ec, disposed)
	assert.ErrorIs(t, err, ErrHandleDisposed)
}

func TestEncodeArgCircular(t *testing.T) {
	ec := bareContext()
	cyclic := map[string]interface{}{}
	cyclic["self"] = cyclic

	_, err := encodeArgs(ec, []interface{}{1, cyclic})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCircularValue)
	assert.True(t, strings.Contains(err.Error(), circularHint), err.Error())
	assert.Contains(t, err.Error(), "argument 1")
}

func TestRemoteValue(t *testing.T) {
	v, err := remoteValue(&proto.RuntimeRemoteObject{Type: "number", UnserializableValue: "-0"})
	require.NoError(t, err)
	f, ok := v.Val().(float64)
	require.True(t, ok)
	assert.True(t, f == 0 && math.Signbit(f))

	v, err = remoteValue(&proto.RuntimeRemoteObject{Type: "number", UnserializableValue: "Infinity"})
	require.NoError(t, err)
	assert.True(t, math.IsInf(v.Val().(float64), 1))

	v, err = remoteValue(&proto.RuntimeRemoteObject{Type: "bigint", UnserializableValue: "12345678901234567890n"})
	require.NoError(t, err)
	n, ok := v.Val().(*big.Int)
	require.True(t, ok)
	assert.Equal(t, "12345678901234567890", n.String())

	v, err = remoteValue(&proto.RuntimeRemoteObject{Type: proto.RuntimeRemoteObjectTypeUndefined})
	require.NoError(t, err)
	assert.True(t, v.Nil())

	v, err = remoteValue(&proto.RuntimeRemoteObject{Type: "string", Value: gson.New("hi")})
	require.NoError(t, err)
	assert.Equal(t, "hi", v.Str())

	_, err = remoteValue(&proto.RuntimeRemoteObject{UnserializableValue: "bogus"})
	assert.Error(t, err)
}

func TestBindingPayload(t *testing.T) {
	p, ok := parseBindingPayload(`{"type":"internal","name":"b","seq":3,"args":[1,"x"],"isTrivial":true}`)
	require.True(t, ok)
	assert.Equal(t, bindingTypeInternal, p.Type)
	assert.Equal(t, int64(3), p.Seq)
	require.Len(t, p.Args, 2)
	assert.Equal(t, "x", p.Args[1].Str())
	assert.True(t, p.IsTrivial)

	_, ok = parseBindingPayload("not json")
	assert.False(t, ok)
}
