// reduce.go implements the reduction operation of spec §4.9/§9: every
// team member folds its own local slice down to one value, and the
// calling PE folds those N partials into the final result. The
// original's reduction tree fans this out over log2(N) rounds of
// peer-to-peer AMs; this implementation instead uses am.ExecAMAll (C6's
// existing one-to-all fan-out, already built and tested for exactly
// this "one request, N parallel replies" shape) to gather every PE's
// partial in one round and combines them locally. That trades the
// tree's O(log N) message depth for O(N) depth-1 fan-out/fan-in — still
// O(N) total messages either way — in exchange for not needing a second,
// recursive AM registration; recorded in the project's grounding ledger
// as a deliberate simplification, not a missing tree.
package array

import (
	"context"

	"github.com/amrt-go/amrt/am"
	"github.com/amrt-go/amrt/amreg"
	"github.com/amrt-go/amrt/cmn/cos"
	"github.com/pkg/errors"
	"github.com/tinylib/msgp/msgp"
)

const reduceKindName = "amrtArrayReduce"

// reduceAM folds one PE's own local slice into a single value (untyped
// at the wire level, same elemKind-tagged shape as opAM).
type reduceAM struct {
	PanelID  uint64
	ElemKind elemKind
	Op       string
}

func (a *reduceAM) Kind() string { return reduceKindName }

func (a *reduceAM) MarshalMsg(b []byte) ([]byte, error) {
	b = msgp.AppendUint64(b, a.PanelID)
	b = msgp.AppendUint8(b, uint8(a.ElemKind))
	b = msgp.AppendString(b, a.Op)
	return b, nil
}

func (a *reduceAM) UnmarshalMsg(b []byte) ([]byte, error) {
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
	a.Op, b, err = msgp.ReadStringBytes(b)
	return b, err
}

func (a *reduceAM) Exec(ctx *amreg.ExecCtx) (any, error) {
	v, ok := arrayPanels.Load(a.PanelID)
	if !ok {
		return nil, errors.Errorf("array: unknown panel %d on pe %d", a.PanelID, ctx.MyPE)
	}
	p := v.(*arrayPanel)
	if p.numElems == 0 {
		return opResult{}, nil
	}
	raw := p.backend.LocalAddr(ctx.MyPE, p.addr)
	data, err := combineRaw(a.ElemKind, a.Op, raw, p.numElems)
	if err != nil {
		return nil, err
	}
	return opResult{Data: data}, nil
}

func combineRaw(ek elemKind, op string, raw []byte, n int) ([]byte, error) {
	switch ek {
	case kInt32:
		return combineBytes[int32](op, raw, n)
	case kUint32:
		return combineBytes[uint32](op, raw, n)
	case kFloat32:
		return combineBytes[float32](op, raw, n)
	case kInt64:
		return combineBytes[int64](op, raw, n)
	case kUint64:
		return combineBytes[uint64](op, raw, n)
	default:
		return combineBytes[float64](op, raw, n)
	}
}

func combineBytes[T Dist](op string, raw []byte, n int) ([]byte, error) {
	sz := ElemSize[T]()
	acc := GetElem[T](raw)
	for i := 1; i < n; i++ {
		v := GetElem[T](raw[i*sz:])
		nv, err := combine(op, acc, v)
		if err != nil {
			return nil, err
		}
		acc = nv
	}
	out := make([]byte, sz)
	PutElem(out, acc)
	return out, nil
}

// combine folds a and b per the named combinator (spec's reduce op set).
func combine[T Dist](op string, a, b T) (T, error) {
	switch op {
	case "sum":
		return a + b, nil
	case "prod":
		return a * b, nil
	case "max":
		if a > b {
			return a, nil
		}
		return b, nil
	case "min":
		if a < b {
			return a, nil
		}
		return b, nil
	default:
		var zero T
		return zero, &cos.ErrTypeNotRegistered{TypeName: op, Op: "reduce"}
	}
}

// Reduce folds the array down to a single value via the named
// combinator ("sum", "prod", "max", "min"), gathering every team
// member's own local partial and combining them on the calling PE.
func (a *Array[T]) Reduce(ctx context.Context, op string) (T, error) {
	inner := a.inner()
	rm := &reduceAM{PanelID: inner.addr.ID, ElemKind: kindOf[T](), Op: op}
	h, err := am.ExecAMAll[opResult](inner.eng, inner.team, reduceKindName, rm, decodeOpResult)
	if err != nil {
		return zeroT[T](), err
	}
	partials := h.Get()
	if st := inner.eng.Stats(); st != nil {
		st.ReduceDepth.Observe(float64(len(partials)))
	}
	var acc T
	first := true
	for _, p := range partials {
		if len(p.Data) == 0 {
			continue
		}
		v := GetElem[T](p.Data)
		if first {
			acc = v
			first = false
			continue
		}
		nv, err := combine(op, acc, v)
		if err != nil {
			return zeroT[T](), err
		}
		acc = nv
	}
	return acc, nil
}
