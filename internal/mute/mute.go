// Package mute holds the single cross-boundary signal between the
// conversation orchestrator and the wake-word worker.
package mute

import (
	"sync/atomic"
	"time"
)

// Controller is a single-writer/single-reader mute flag. The orchestrator
// writes, the wake worker polls. Both sides are plain atomic operations, so
// the reader never blocks on a lock the writer might hold and a write is
// visible to the very next poll — well inside the 100 ms staleness bound,
// which in practice is set by the worker's frame cadence, not by the flag.
type Controller struct {
	muted   atomic.Bool
	changed atomic.Int64 // unix nanos of the last state flip
}

func NewController() *Controller {
	c := &Controller{}
	c.changed.Store(time.Now().UnixNano())
	return c
}

// SetMute flips the flag on. Idempotent: repeated calls while already muted
// leave the change timestamp alone.
func (c *Controller) SetMute() {
	if c.muted.CompareAndSwap(false, true) {
		c.changed.Store(time.Now().UnixNano())
	}
}

// ClearMute flips the flag off. Idempotent like SetMute. The caller is
// responsible for only clearing after playback completion plus drain delay.
func (c *Controller) ClearMute() {
	if c.muted.CompareAndSwap(true, false) {
		c.changed.Store(time.Now().UnixNano())
	}
}

// IsMuted is the worker's per-frame poll. Non-blocking, lock-free.
func (c *Controller) IsMuted() bool {
	return c.muted.Load()
}

// LastChange reports when the flag last flipped state.
func (c *Controller) LastChange() time.Time {
	return time.Unix(0, c.changed.Load())
}
