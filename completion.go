package qflash

import "time"

// event is a single-slot, auto-resetting completion signal. Signalling an
// already signalled event does nothing; a wait consumes the signal.
type event struct {
	c chan struct{}
}

func newEvent() event {
	return event{c: make(chan struct{}, 1)}
}

func (e event) signal() {
	select {
	case e.c <- struct{}{}:
	default:
	}
}

// wait blocks until the event is signalled or timeout expires. A zero
// timeout waits forever.
func (e event) wait(timeout time.Duration) bool {
	if timeout == 0 {
		<-e.c
		return true
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-e.c:
		return true
	case <-t.C:
		return false
	}
}

// clear drops a pending signal.
func (e event) clear() {
	select {
	case <-e.c:
	default:
	}
}

// completions receives the controller's interrupt callbacks. Only one
// transaction is outstanding at a time, so one slot per phase is enough.
type completions struct {
	cmd event
	rx  event
	tx  event
}

func newCompletions() *completions {
	return &completions{
		cmd: newEvent(),
		rx:  newEvent(),
		tx:  newEvent(),
	}
}

func (c *completions) CommandComplete()  { c.cmd.signal() }
func (c *completions) ReceiveComplete()  { c.rx.signal() }
func (c *completions) TransmitComplete() { c.tx.signal() }

func (c *completions) clear() {
	c.cmd.clear()
	c.rx.clear()
	c.tx.clear()
}
