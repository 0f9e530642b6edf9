// consumer.go is this implementation's expansion of spec §4.9's local
// iteration story into an explicit iterator contract, in the same spirit
// as the teacher's own iterator-style helpers elsewhere in the corpus:
// Consumer[T] walks one PE's own local slice of a distributed array
// without copying it element-by-element through the AM layer, and
// Collect/Count are the two consumers this package ships.
package array

// Consumer walks a sequence of T values one at a time. Reset rewinds to
// the start so the same Consumer can be driven by more than one
// terminal operation.
type Consumer[T Dist] interface {
	Next() (T, bool)
	Reset()
}

type sliceConsumer[T Dist] struct {
	data []T
	idx  int
}

// LocalConsumer returns a Consumer over this PE's own slice of a's
// backing data, decoded once up front.
func (a *Array[T]) LocalConsumer() Consumer[T] {
	inner := a.inner()
	myTeamPE := inner.team.MyPE()
	worldPE, _ := inner.team.WorldPE(myTeamPE)
	n := inner.layout.NumElemsForPE(myTeamPE)
	raw := inner.backend.LocalAddr(worldPE, inner.addr)
	return &sliceConsumer[T]{data: GetSlice[T](raw, n)}
}

func (c *sliceConsumer[T]) Next() (T, bool) {
	if c.idx >= len(c.data) {
		var zero T
		return zero, false
	}
	v := c.data[c.idx]
	c.idx++
	return v, true
}

func (c *sliceConsumer[T]) Reset() { c.idx = 0 }

// Collect drains c into a freshly-allocated slice in iteration order.
func Collect[T Dist](c Consumer[T]) []T {
	var out []T
	for {
		v, ok := c.Next()
		if !ok {
			return out
		}
		out = append(out, v)
	}
}

// Count drains c and reports how many elements it produced.
func Count[T Dist](c Consumer[T]) int {
	n := 0
	for {
		if _, ok := c.Next(); !ok {
			return n
		}
		n++
	}
}
