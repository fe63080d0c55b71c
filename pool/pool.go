// Package pool provides small object-recycling pools used internally by the
// process backend to reuse the frame-header struct it decodes from each
// inbound line instead of allocating one per message. It is unrelated to the Pool concept in the
// root package (admission control, task queue, worker lifecycle) — this is
// strictly the low-level object-recycling primitive those handlers lean on,
// generalized from a pool of worker structs to a pool of any recyclable
// value.
package pool

// Pool recycles values of type T. Get may create a new value (via the
// factory supplied at construction) when none is available; Put returns a
// value for reuse.
type Pool[T any] interface {
	Get() T
	Put(T)
}
