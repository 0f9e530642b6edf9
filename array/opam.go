// opam.go implements the single wire-level AM the buffered operation
// path (opbuffer.go) dispatches: a batch of element-wise ops against one
// PE's slice of one array's backing bytes. Grounded on
// _examples/original_source/src/array/unsafe/buffered_operations.rs's
// "one am per destination pe, carrying every op queued for that pe since
// the last flush" shape, and on darc.go's panels/panelState pattern for
// resolving an opaque id back to a *transport.Backend at Exec time.
//
// The AM itself never mentions T: every entry carries its operand as a
// fixed 8-byte little-endian word plus an elemKind tag, and applyRawOp
// dispatches on that tag. This is this package's realization of spec
// §9's type-erasure contract — one registered kind serves every Dist
// instantiation a program ever builds an array over, rather than one
// generated kind per (T, op) pair.
package array

import (
	"encoding/binary"
	"math"
	"sync"
	"sync/atomic"

	"github.com/amrt-go/amrt/amreg"
	"github.com/amrt-go/amrt/transport"
	"github.com/pkg/errors"
	"github.com/tinylib/msgp/msgp"
)

// elemKind tags an opEntry's operand width/interpretation so opAM.Exec
// can apply it without ever importing a concrete Dist instantiation.
type elemKind uint8

const (
	kInt32 elemKind = iota
	kUint32
	kFloat32
	kInt64
	kUint64
	kFloat64
)

func kindOf[T Dist]() elemKind {
	var zero T
	switch any(zero).(type) {
	case int32:
		return kInt32
	case uint32:
		return kUint32
	case float32:
		return kFloat32
	case int64:
		return kInt64
	case uint64:
		return kUint64
	default:
		return kFloat64
	}
}

func elemSizeOf(ek elemKind) int {
	if ek == kInt32 || ek == kUint32 || ek == kFloat32 {
		return 4
	}
	return 8
}

// arrayPanel is the Exec-time lookup record for one array's backing
// bytes, the array-package analogue of darc's panelState. numElems is
// this PE's own local element count, recorded once at construction so
// reduceAM.Exec never needs to reconstruct a Layout from a transmitted
// payload to know how much of its local bytes to fold over.
type arrayPanel struct {
	backend  transport.Backend
	addr     transport.Addr
	numElems int
}

var arrayPanels sync.Map // addr.ID -> *arrayPanel

func registerPanel(addr transport.Addr, backend transport.Backend, numElems int) {
	arrayPanels.Store(addr.ID, &arrayPanel{backend: backend, addr: addr, numElems: numElems})
}

func unregisterPanel(addr transport.Addr) {
	arrayPanels.Delete(addr.ID)
}

// opEntry is one queued element-wise operation: an offset into the
// destination PE's local slice, the op code, and the raw operand.
type opEntry struct {
	LocalOffset int32
	Op          OpCode
	Val         [8]byte
}

// opAM carries every entry a single flush cycle collected for one
// destination PE against one array (spec §4.9's buffered op path).
type opAM struct {
	PanelID  uint64
	ElemKind elemKind
	Entries  []opEntry
}

const opKindName = "amrtArrayOp"

func (a *opAM) Kind() string { return opKindName }

func (a *opAM) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.AppendUint64(b, a.PanelID)
	b = msgp.AppendUint8(b, uint8(a.ElemKind))
	b = msgp.AppendUint32(b, uint32(len(a.Entries)))
	for _, e := range a.Entries {
		b = msgp.AppendInt32(b, e.LocalOffset)
		b = msgp.AppendUint8(b, uint8(e.Op))
		b = append(b, e.Val[:]...)
	}
	return b, nil
}

func (a *opAM) UnmarshalMsg(b []byte) ([]byte, error) {
	var err error
	a.PanelID, b, err = msgp.ReadUint64Bytes(b)
	if err != nil {
		return b, err
	}
	var ek uint8
	ek, b, err = msgp.ReadUint8Bytes(b)
	if err != nil {
		return b, err
	}
	a.ElemKind = elemKind(ek)
	var n uint32
	n, b, err = msgp.ReadUint32Bytes(b)
	if err != nil {
		return b, err
	}
	a.Entries = make([]opEntry, n)
	for i := range a.Entries {
		a.Entries[i].LocalOffset, b, err = msgp.ReadInt32Bytes(b)
		if err != nil {
			return b, err
		}
		var op uint8
		op, b, err = msgp.ReadUint8Bytes(b)
		if err != nil {
			return b, err
		}
		a.Entries[i].Op = OpCode(op)
		if len(b) < 8 {
			return b, errors.New("array: truncated op entry")
		}
		copy(a.Entries[i].Val[:], b[:8])
		b = b[8:]
	}
	return b, nil
}

// opResult carries, in entry order, the fetch value of every fetch-kind
// entry in the triggering opAM (non-fetch entries contribute nothing).
type opResult struct {
	Data []byte
}

func (r opResult) MarshalMsg(b []byte) ([]byte, error) {
	return msgp.AppendBytes(b, r.Data), nil
}

func decodeOpResult(b []byte) (opResult, error) {
	data, _, err := msgp.ReadBytesBytes(b, nil)
	return opResult{Data: data}, err
}

// Exec applies every entry to this PE's own backing bytes and, if any
// entry asked for its pre-op value back, returns them packed
// back-to-back in submission order.
func (a *opAM) Exec(ctx *amreg.ExecCtx) (any, error) {
	v, ok := arrayPanels.Load(a.PanelID)
	if !ok {
		return nil, errors.Errorf("array: unknown panel %d on pe %d", a.PanelID, ctx.MyPE)
	}
	p := v.(*arrayPanel)
	raw := p.backend.LocalAddr(ctx.MyPE, p.addr)
	sz := elemSizeOf(a.ElemKind)
	var fetched []byte
	for _, e := range a.Entries {
		dst := raw[int(e.LocalOffset)*sz:]
		f, err := applyRawOp(a.ElemKind, dst, e.Op, e.Val[:sz])
		if err != nil {
			return nil, err
		}
		if e.Op.IsFetch() {
			fetched = append(fetched, f...)
		}
	}
	if len(fetched) == 0 {
		return nil, nil
	}
	return opResult{Data: fetched}, nil
}

// applyRawOp performs op atomically against the sz bytes at dst,
// returning the fetch-value bytes (always computed; the caller discards
// them for non-fetch ops). CAS-looping every op here, rather than only
// for the dedicated atomic-array flavor, is this implementation's
// choice: it costs nothing extra per op and gives every array flavor's
// buffered path the same single-element atomicity, which is a strict
// superset of Unsafe's "no promises" contract rather than a violation
// of it.
func applyRawOp(ek elemKind, dst []byte, op OpCode, val []byte) ([]byte, error) {
	switch ek {
	case kInt32:
		return casLoop32(dst, func(bits uint32) (uint32, uint32, error) {
			old := int32(bits)
			v := int32(binary.LittleEndian.Uint32(val))
			nv, f, err := Apply[int32](op, old, v)
			return uint32(nv), uint32(f), err
		})
	case kUint32:
		return casLoop32(dst, func(bits uint32) (uint32, uint32, error) {
			v := binary.LittleEndian.Uint32(val)
			nv, f, err := Apply[uint32](op, bits, v)
			return nv, f, err
		})
	case kFloat32:
		return casLoop32(dst, func(bits uint32) (uint32, uint32, error) {
			old := math.Float32frombits(bits)
			v := math.Float32frombits(binary.LittleEndian.Uint32(val))
			nv, f, err := Apply[float32](op, old, v)
			return math.Float32bits(nv), math.Float32bits(f), err
		})
	case kInt64:
		return casLoop64(dst, func(bits uint64) (uint64, uint64, error) {
			old := int64(bits)
			v := int64(binary.LittleEndian.Uint64(val))
			nv, f, err := Apply[int64](op, old, v)
			return uint64(nv), uint64(f), err
		})
	case kUint64:
		return casLoop64(dst, func(bits uint64) (uint64, uint64, error) {
			v := binary.LittleEndian.Uint64(val)
			nv, f, err := Apply[uint64](op, bits, v)
			return nv, f, err
		})
	default: // kFloat64
		return casLoop64(dst, func(bits uint64) (uint64, uint64, error) {
			old := math.Float64frombits(bits)
			v := math.Float64frombits(binary.LittleEndian.Uint64(val))
			nv, f, err := Apply[float64](op, old, v)
			return math.Float64bits(nv), math.Float64bits(f), err
		})
	}
}

func casLoop32(dst []byte, fn func(uint32) (newBits, fetchBits uint32, err error)) ([]byte, error) {
	p := (*uint32)(wordPtr32(dst))
	for {
		old := atomic.LoadUint32(p)
		nv, f, err := fn(old)
		if err != nil {
			return nil, err
		}
		if atomic.CompareAndSwapUint32(p, old, nv) {
			out := make([]byte, 4)
			binary.LittleEndian.PutUint32(out, f)
			return out, nil
		}
	}
}

func casLoop64(dst []byte, fn func(uint64) (newBits, fetchBits uint64, err error)) ([]byte, error) {
	p := (*uint64)(wordPtr64(dst))
	for {
		old := atomic.LoadUint64(p)
		nv, f, err := fn(old)
		if err != nil {
			return nil, err
		}
		if atomic.CompareAndSwapUint64(p, old, nv) {
			out := make([]byte, 8)
			binary.LittleEndian.PutUint64(out, f)
			return out, nil
		}
	}
}

// Kinds returns this package's AM registrations (the buffered op path
// and GlobalLockArray's coordinator control pair); merge it into the map
// passed to amreg.New alongside every other package's kinds.
func Kinds() map[string]func() amreg.Executable {
	out := map[string]func() amreg.Executable{
		opKindName:     func() amreg.Executable { return &opAM{} },
		reduceKindName: func() amreg.Executable { return &reduceAM{} },
	}
	for name, ctor := range lockKinds() {
		out[name] = ctor
	}
	return out
}
