package ethercard

import "golang.org/x/exp/constraints"

// elapsed returns the time passed between start and now on a wrapping
// unsigned counter. The result is correct across a single counter overflow.
func elapsed[T constraints.Unsigned](now, start T) T {
	return now - start
}

// expired reports whether budget or more has passed since start.
func expired[T constraints.Unsigned](now, start, budget T) bool {
	return elapsed(now, start) >= budget
}
