package bg

// Async spawns fn in a new goroutine.
type Async struct{}

func (Async) Do(fn func()) { go fn() }
