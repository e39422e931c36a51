package wisp

import (
	"fmt"
	"sync/atomic"
)

// ConnStats tracks total and currently-open carrier connection counts for logging.
type ConnStats struct {
	count int32
	open  int32
}

// New increments the total connection count and returns the new total.
func (c *ConnStats) New() int32 {
	return atomic.AddInt32(&c.count, 1)
}

// Open increments the currently-open connection count.
func (c *ConnStats) Open() {
	atomic.AddInt32(&c.open, 1)
}

// Close decrements the currently-open connection count.
func (c *ConnStats) Close() {
	atomic.AddInt32(&c.open, -1)
}

func (c *ConnStats) String() string {
	return fmt.Sprintf("[%d/%d]", atomic.LoadInt32(&c.open), atomic.LoadInt32(&c.count))
}
