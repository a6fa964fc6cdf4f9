package qflash

import (
	"fmt"
	"time"

	"github.com/gentam/qflash/qspi"
)

// Transactions below drive the controller directly. The caller must hold
// d.mu for the whole multi-phase sequence they are part of.

// Status register bits polled by the driver [N25Q128A|Table 9].
const (
	srWIP = 1 << 0 // write in progress
	srWEL = 1 << 1 // write enable latch
)

// pollInterval is the number of clock cycles between two status reads.
const pollInterval = 0x10

// cmd issues a command without data phase and waits for the controller's
// command-complete interrupt.
func (d *Device) cmd(c qspi.Command, timeout time.Duration) error {
	if c.HasData() {
		return fmt.Errorf("%w: command %v has a data phase", ErrInvalidArgs, c)
	}
	if s := d.ctrl.CommandIT(c); s != qspi.OK {
		return fmt.Errorf("command %#02x: %w", c.Instruction, halErr(s))
	}
	if err := d.await(d.done.cmd, timeout); err != nil {
		return fmt.Errorf("command %#02x: %w", c.Instruction, err)
	}
	return nil
}

// autoPoll has the controller read the status register until the bits in
// mask equal match.
func (d *Device) autoPoll(match, mask uint8, timeout time.Duration) error {
	c := qspi.Instruction(cmdReadStatusReg).WithData(qspi.Lines1, qspi.DirRead, 1)
	cfg := qspi.AutoPoll{
		Match:         uint32(match),
		Mask:          uint32(mask),
		MatchMode:     qspi.MatchAND,
		StatusBytes:   1,
		Interval:      pollInterval,
		AutomaticStop: true,
	}
	if s := d.ctrl.AutoPoll(c, cfg, timeout); s != qspi.OK {
		return fmt.Errorf("poll status %#02x/%#02x: %w", match, mask, halErr(s))
	}
	return nil
}

// transmit issues c and sends buf as its data phase.
func (d *Device) transmit(c qspi.Command, buf []byte, timeout time.Duration) error {
	if c.Direction != qspi.DirWrite || len(buf) < c.Length {
		return fmt.Errorf("%w: transmit %v with %d bytes", ErrInvalidArgs, c, len(buf))
	}
	if s := d.ctrl.Command(c, timeout); s != qspi.OK {
		return fmt.Errorf("command %#02x: %w", c.Instruction, halErr(s))
	}
	if s := d.ctrl.TransmitIT(buf[:c.Length]); s != qspi.OK {
		return fmt.Errorf("transmit %#02x: %w", c.Instruction, halErr(s))
	}
	if err := d.await(d.done.tx, timeout); err != nil {
		return fmt.Errorf("transmit %#02x: %w", c.Instruction, err)
	}
	return nil
}

// receive issues c and fills buf from its data phase.
func (d *Device) receive(c qspi.Command, buf []byte, timeout time.Duration) error {
	if c.Direction != qspi.DirRead || len(buf) < c.Length {
		return fmt.Errorf("%w: receive %v into %d bytes", ErrInvalidArgs, c, len(buf))
	}
	if s := d.ctrl.Command(c, timeout); s != qspi.OK {
		return fmt.Errorf("command %#02x: %w", c.Instruction, halErr(s))
	}
	if s := d.ctrl.ReceiveIT(buf[:c.Length]); s != qspi.OK {
		return fmt.Errorf("receive %#02x: %w", c.Instruction, halErr(s))
	}
	if err := d.await(d.done.rx, timeout); err != nil {
		return fmt.Errorf("receive %#02x: %w", c.Instruction, err)
	}
	return nil
}

// await blocks on e. On expiry the transfer is aborted and any completion
// that raced with the abort is dropped, so the next wait starts clean.
func (d *Device) await(e event, timeout time.Duration) error {
	if e.wait(timeout) {
		return nil
	}
	if s := d.ctrl.Abort(); s != qspi.OK {
		d.logger(ComponentProtocol).Warn("abort after timeout failed", "status", s)
	}
	d.done.clear()
	return ErrTimedOut
}

// writeEnable sets the write enable latch and waits until the chip reports
// it.
func (d *Device) writeEnable(timeout time.Duration) error {
	if err := d.cmd(qspi.Instruction(cmdWriteEnable), timeout); err != nil {
		return err
	}
	return d.autoPoll(srWEL, srWEL, timeout)
}

// waitReady waits until no program or erase is in progress.
func (d *Device) waitReady(timeout time.Duration) error {
	return d.autoPoll(0, srWIP, timeout)
}
