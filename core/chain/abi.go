package chain

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"golang.org/x/xerrors"
)

// Value is a typed input argument of a contract call. Type is a canonical
// ABI type such as "uint256", "bytes32", "string[]" or "bool".
type Value struct {
	Type string
	Data interface{}
}

// Uint256 returns an unsigned 256-bit integer value.
func Uint256(v *big.Int) Value {
	return Value{Type: "uint256", Data: v}
}

// Uint64 returns a uint256 value from a machine integer.
func Uint64(v uint64) Value {
	return Uint256(new(big.Int).SetUint64(v))
}

// Bytes32 returns a fixed 32-byte array value.
func Bytes32(v [32]byte) Value {
	return Value{Type: "bytes32", Data: v}
}

// String returns an UTF-8 string value.
func String(v string) Value {
	return Value{Type: "string", Data: v}
}

// StringArray returns a dynamic array of strings.
func StringArray(v []string) Value {
	if v == nil {
		v = []string{}
	}

	return Value{Type: "string[]", Data: v}
}

// Bool returns a boolean value.
func Bool(v bool) Value {
	return Value{Type: "bool", Data: v}
}

func arguments(typeNames []string) (abi.Arguments, error) {
	args := make(abi.Arguments, len(typeNames))

	for i, name := range typeNames {
		typ, err := abi.NewType(name, "", nil)
		if err != nil {
			return nil, xerrors.Errorf("%w: type '%s': %v", ErrEncoding, name, err)
		}

		args[i] = abi.Argument{Type: typ}
	}

	return args, nil
}

// NewMethod returns the ABI method of the function with the given input and
// output types.
func NewMethod(kind Kind, fn string, inputs, outputs []string) (abi.Method, error) {
	in, err := arguments(inputs)
	if err != nil {
		return abi.Method{}, err
	}

	out, err := arguments(outputs)
	if err != nil {
		return abi.Method{}, err
	}

	mutability := "nonpayable"
	if kind == KindCall {
		mutability = "view"
	}

	return abi.NewMethod(fn, fn, abi.Function, mutability, kind == KindCall, false, in, out), nil
}

// encode returns the method and the call data: the 4-byte selector followed
// by the packed arguments.
func encode(kind Kind, fn string, inputs []Value, outputs []string) (abi.Method, []byte, error) {
	types := make([]string, len(inputs))
	values := make([]interface{}, len(inputs))

	for i, v := range inputs {
		types[i] = v.Type
		values[i] = v.Data
	}

	method, err := NewMethod(kind, fn, types, outputs)
	if err != nil {
		return abi.Method{}, nil, err
	}

	packed, err := method.Inputs.Pack(values...)
	if err != nil {
		return abi.Method{}, nil, xerrors.Errorf("%w: %s: %v", ErrEncoding, method.Sig, err)
	}

	data := make([]byte, 0, len(method.ID)+len(packed))
	data = append(data, method.ID...)
	data = append(data, packed...)

	return method, data, nil
}

func decode(method abi.Method, ret []byte) ([]interface{}, error) {
	if len(method.Outputs) == 0 {
		return nil, nil
	}

	values, err := method.Outputs.Unpack(ret)
	if err != nil {
		return nil, xerrors.Errorf("%w: %s outputs: %v", ErrEncoding, method.Sig, err)
	}

	return values, nil
}
