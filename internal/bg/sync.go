package bg

// Sync runs fn in the caller's goroutine, blocking until it returns.
type Sync struct{}

func (Sync) Do(fn func()) { fn() }
