package frames

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"

	"github.com/go-rod/rod/lib/proto"
	"github.com/ysmood/gson"
)

const circularHint = "Recursive objects are not allowed."

func encodeArgs(ec *ExecutionContext, args []interface{}) ([]*proto.RuntimeCallArgument, error) {
	out := make([]*proto.RuntimeCallArgument, 0, len(args))
	for i, a := range args {
		arg, err := encodeArg(ec, a)
		if err != nil {
			return nil, fmt.Errorf("argument %d: %w", i, err)
		}
		out = append(out, arg)
	}
	return out, nil
}

// encodeArg converts a Go value into a call argument. Values JSON cannot carry
// (NaN, ±Infinity, -0, big integers) use the unserializable form, and handles
// are passed by object id.
func encodeArg(ec *ExecutionContext, v interface{}) (*proto.RuntimeCallArgument, error) {
	switch x := v.(type) {
	case *Handle:
		if x == nil {
			return &proto.RuntimeCallArgument{Value: gson.New(nil)}, nil
		}
		if x.IsDisposed() {
			return nil, ErrHandleDisposed
		}
		if x.ec.realm != ec.realm {
			return nil, ErrHandleRealmMismatch
		}
		switch {
		case x.obj.UnserializableValue != "":
			return &proto.RuntimeCallArgument{UnserializableValue: x.obj.UnserializableValue}, nil
		case x.obj.ObjectID != "":
			return &proto.RuntimeCallArgument{ObjectID: x.obj.ObjectID}, nil
		default:
			return &proto.RuntimeCallArgument{Value: x.obj.Value}, nil
		}
	case float64:
		if u, ok := unserializableFloat(x); ok {
			return &proto.RuntimeCallArgument{UnserializableValue: u}, nil
		}
	case float32:
		if u, ok := unserializableFloat(float64(x)); ok {
			return &proto.RuntimeCallArgument{UnserializableValue: u}, nil
		}
	case *big.Int:
		if x == nil {
			return &proto.RuntimeCallArgument{Value: gson.New(nil)}, nil
		}
		return &proto.RuntimeCallArgument{UnserializableValue: proto.RuntimeUnserializableValue(x.String() + "n")}, nil
	case gson.JSON:
		return &proto.RuntimeCallArgument{Value: x}, nil
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return nil, encodeError(err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var decoded interface{}
	if err := dec.Decode(&decoded); err != nil {
		return nil, err
	}
	return &proto.RuntimeCallArgument{Value: gson.New(normalizeNumbers(decoded))}, nil
}

// maxSafeInteger is the largest integer a float64 holds exactly.
const maxSafeInteger = 1<<53 - 1

// normalizeNumbers turns decoded numbers into float64, except integers a
// float64 would round, which keep their literal digits.
func normalizeNumbers(v interface{}) interface{} {
	switch x := v.(type) {
	case json.Number:
		if n, ok := new(big.Int).SetString(string(x), 10); ok && n.CmpAbs(big.NewInt(maxSafeInteger)) > 0 {
			return x
		}
		f, err := x.Float64()
		if err != nil {
			return x
		}
		return f
	case map[string]interface{}:
		for k, e := range x {
			x[k] = normalizeNumbers(e)
		}
	case []interface{}:
		for i, e := range x {
			x[i] = normalizeNumbers(e)
		}
	}
	return v
}

func unserializableFloat(f float64) (proto.RuntimeUnserializableValue, bool) {
	switch {
	case math.IsNaN(f):
		return "NaN", true
	case math.IsInf(f, 1):
		return "Infinity", true
	case math.IsInf(f, -1):
		return "-Infinity", true
	case f == 0 && math.Signbit(f):
		return "-0", true
	}
	return "", false
}

func encodeError(err error) error {
	var unsupported *json.UnsupportedValueError
	if errors.As(err, &unsupported) && strings.Contains(unsupported.Str, "cycle") {
		return fmt.Errorf("%w: %v. %s", ErrCircularValue, err, circularHint)
	}
	return fmt.Errorf("encode argument: %w", err)
}

// remoteValue decodes a by-value result, restoring the values JSON cannot
// carry.
func remoteValue(obj *proto.RuntimeRemoteObject) (gson.JSON, error) {
	if obj == nil {
		return gson.New(nil), nil
	}
	if u := string(obj.UnserializableValue); u != "" {
		switch u {
		case "NaN":
			return gson.New(math.NaN()), nil
		case "Infinity":
			return gson.New(math.Inf(1)), nil
		case "-Infinity":
			return gson.New(math.Inf(-1)), nil
		case "-0":
			return gson.New(math.Copysign(0, -1)), nil
		}
		if strings.HasSuffix(u, "n") {
			n, ok := new(big.Int).SetString(strings.TrimSuffix(u, "n"), 10)
			if ok {
				return gson.New(n), nil
			}
		}
		return gson.JSON{}, fmt.Errorf("unsupported unserializable value %q", u)
	}
	if obj.Type == proto.RuntimeRemoteObjectTypeUndefined {
		return gson.New(nil), nil
	}
	return obj.Value, nil
}
