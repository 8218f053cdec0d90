package framesource

import "sync/atomic"

// oneShot is a single-value future. The first Resolve wins; later calls are ignored.
type oneShot[T any] struct {
	fired atomic.Bool
	done  chan struct{}
	value T
}

func newOneShot[T any]() *oneShot[T] {
	return &oneShot[T]{done: make(chan struct{})}
}

// Resolve stores v if nothing was stored yet and reports whether it did
func (o *oneShot[T]) Resolve(v T) bool {
	if !o.fired.CompareAndSwap(false, true) {
		return false
	}
	o.value = v
	close(o.done)
	return true
}

// Done is closed once a value has been stored
func (o *oneShot[T]) Done() <-chan struct{} {
	return o.done
}

// Value returns the stored value, if any
func (o *oneShot[T]) Value() (T, bool) {
	select {
	case <-o.done:
		return o.value, true
	default:
		var zero T
		return zero, false
	}
}
