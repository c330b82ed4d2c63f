package domain

import "sync/atomic"

// ColdStart reports whether the owning stage instance is serving its first
// invocation. It is informational only; nothing branches on it.
type ColdStart struct {
	served atomic.Bool
}

// Take returns true exactly once for the lifetime of the flag.
func (c *ColdStart) Take() bool {
	return !c.served.Swap(true)
}
