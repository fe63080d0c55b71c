package pool

import "sync"

type dynamic[T any] struct {
	p *sync.Pool
}

// NewDynamic is an unbounded pool of T, grown and shrunk by the runtime's
// sync.Pool. Suitable when buffer lifetime is short and GC pressure from
// occasional over-allocation is acceptable.
func NewDynamic[T any](newFn func() T) Pool[T] {
	return &dynamic[T]{p: &sync.Pool{New: func() any { return newFn() }}}
}

func (d *dynamic[T]) Get() T  { return d.p.Get().(T) }
func (d *dynamic[T]) Put(v T) { d.p.Put(v) }
