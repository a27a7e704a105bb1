package sim

import (
	"sync/atomic"

	"github.com/san-kum/dipcsim/internal/dynamo"
)

// Channel publishes the latest snapshot from a single writer to any number of
// readers. Readers never block the writer and always get a whole snapshot.
type Channel struct {
	latest atomic.Pointer[Snapshot]
	notify chan struct{}
	seq    uint64
}

func NewChannel() *Channel {
	return &Channel{notify: make(chan struct{}, 1)}
}

// Latest returns a copy of the most recent snapshot. ok is false until the
// first publication.
func (c *Channel) Latest() (snap Snapshot, ok bool) {
	p := c.latest.Load()
	if p == nil {
		return Snapshot{}, false
	}
	return *p, true
}

// Updates delivers at most one pending wakeup. Several publications between
// two receives collapse into one.
func (c *Channel) Updates() <-chan struct{} {
	return c.notify
}

// publish is called from the loop goroutine only.
func (c *Channel) publish(s dynamo.State, phase Phase, command float64) {
	c.seq++
	c.latest.Store(&Snapshot{
		Snapshot: dynamo.Snapshot{Seq: c.seq, State: s},
		Phase:    phase,
		Command:  command,
	})
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// republish stores the last state again under a new phase.
func (c *Channel) republish(phase Phase) {
	var s dynamo.State
	var cmd float64
	if p := c.latest.Load(); p != nil {
		s, cmd = p.State, p.Command
	}
	c.publish(s, phase, cmd)
}
