package array

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/amrt-go/amrt/cmn/cos"
)

// Dist is the element-type constraint a distributed array may hold
// (spec's "element type" in "element-op buffering... keyed by
// element-type-id", generalized here to Go's type system rather than a
// runtime TypeId map: every concrete Dist instantiation gets its own
// monomorphized Array[T], Inner[T], and op-buffer, matching spec §9's
// note that "runtime monomorphization tables" are one acceptable
// realization of the type-erasure contract).
type Dist interface {
	~int32 | ~int64 | ~uint32 | ~uint64 | ~float32 | ~float64
}

// ElemSize returns sizeof(T) for the wire/RDMA layout.
func ElemSize[T Dist]() int {
	var zero T
	switch any(zero).(type) {
	case int32, uint32, float32:
		return 4
	default:
		return 8
	}
}

// PutElem writes v little-endian into b[0:ElemSize[T]()].
func PutElem[T Dist](b []byte, v T) {
	switch x := any(v).(type) {
	case int32:
		binary.LittleEndian.PutUint32(b, uint32(x))
	case uint32:
		binary.LittleEndian.PutUint32(b, x)
	case float32:
		binary.LittleEndian.PutUint32(b, math.Float32bits(x))
	case int64:
		binary.LittleEndian.PutUint64(b, uint64(x))
	case uint64:
		binary.LittleEndian.PutUint64(b, x)
	case float64:
		binary.LittleEndian.PutUint64(b, math.Float64bits(x))
	default:
		panic(fmt.Sprintf("array: unsupported element type %T", v))
	}
}

// GetElem reads one T from the front of b.
func GetElem[T Dist](b []byte) T {
	var zero T
	switch any(zero).(type) {
	case int32:
		return any(int32(binary.LittleEndian.Uint32(b))).(T)
	case uint32:
		return any(binary.LittleEndian.Uint32(b)).(T)
	case float32:
		return any(math.Float32frombits(binary.LittleEndian.Uint32(b))).(T)
	case int64:
		return any(int64(binary.LittleEndian.Uint64(b))).(T)
	case uint64:
		return any(binary.LittleEndian.Uint64(b)).(T)
	case float64:
		return any(math.Float64frombits(binary.LittleEndian.Uint64(b))).(T)
	default:
		panic(fmt.Sprintf("array: unsupported element type %T", zero))
	}
}

// PutSlice encodes vs back-to-back into b (len(b) must be >= len(vs)*ElemSize[T]()).
func PutSlice[T Dist](b []byte, vs []T) {
	sz := ElemSize[T]()
	for i, v := range vs {
		PutElem(b[i*sz:], v)
	}
}

// GetSlice decodes n elements starting at b into a fresh slice.
func GetSlice[T Dist](b []byte, n int) []T {
	sz := ElemSize[T]()
	out := make([]T, n)
	for i := range out {
		out[i] = GetElem[T](b[i*sz:])
	}
	return out
}

// OpCode enumerates the buffered element-wise operations of spec §4.9.
type OpCode uint8

const (
	OpAdd OpCode = iota
	OpSub
	OpMul
	OpDiv
	OpAnd
	OpOr
	OpStore
	OpLoad
	OpSwap
	OpFetchAdd
	OpFetchSub
	OpFetchMul
	OpFetchDiv
	OpFetchAnd
	OpFetchOr
)

// IsFetch reports whether op's caller expects the pre-operation value
// back (spec §4.9's "fetch ops" path, which allocates a result slot).
func (op OpCode) IsFetch() bool {
	switch op {
	case OpLoad, OpSwap, OpFetchAdd, OpFetchSub, OpFetchMul, OpFetchDiv, OpFetchAnd, OpFetchOr:
		return true
	default:
		return false
	}
}

func (op OpCode) String() string {
	names := [...]string{"Add", "Sub", "Mul", "Div", "And", "Or", "Store", "Load", "Swap",
		"FetchAdd", "FetchSub", "FetchMul", "FetchDiv", "FetchAnd", "FetchOr"}
	if int(op) < len(names) {
		return names[op]
	}
	return "Unknown"
}

// Apply performs op against old with operand val, returning the new
// value to store and the value to report back to a fetch caller (old,
// for every op — callers of a non-fetch op simply ignore it). Bitwise ops are valid only for integer T; called against a
// float instantiation they return ErrTypeNotRegistered, matching spec
// §7's "panic on reduction/op against an unregistered element type"
// (the array layer turns this into a returned error instead of a panic
// since it is reached through the buffered AM path, not a direct call).
func Apply[T Dist](op OpCode, old, val T) (newVal, fetched T, err error) {
	switch op {
	case OpAdd, OpFetchAdd:
		return old + val, old, nil
	case OpSub, OpFetchSub:
		return old - val, old, nil
	case OpMul, OpFetchMul:
		return old * val, old, nil
	case OpDiv, OpFetchDiv:
		return old / val, old, nil
	case OpStore:
		return val, old, nil
	case OpLoad:
		return old, old, nil
	case OpSwap:
		return val, old, nil
	case OpAnd, OpFetchAnd:
		nv, err := bitwise(op, old, val)
		return nv, old, err
	case OpOr, OpFetchOr:
		nv, err := bitwise(op, old, val)
		return nv, old, err
	default:
		var zero T
		return zero, zero, &cos.ErrTypeNotRegistered{TypeName: fmt.Sprintf("%T", old), Op: op.String()}
	}
}

func bitwise[T Dist](op OpCode, old, val T) (T, error) {
	and := op == OpAnd || op == OpFetchAnd
	switch o := any(old).(type) {
	case int32:
		v := any(val).(int32)
		if and {
			return any(o & v).(T), nil
		}
		return any(o | v).(T), nil
	case uint32:
		v := any(val).(uint32)
		if and {
			return any(o & v).(T), nil
		}
		return any(o | v).(T), nil
	case int64:
		v := any(val).(int64)
		if and {
			return any(o & v).(T), nil
		}
		return any(o | v).(T), nil
	case uint64:
		v := any(val).(uint64)
		if and {
			return any(o & v).(T), nil
		}
		return any(o | v).(T), nil
	default:
		var zero T
		return zero, &cos.ErrTypeNotRegistered{TypeName: fmt.Sprintf("%T", old), Op: op.String()}
	}
}
