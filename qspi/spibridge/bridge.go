// Package spibridge runs QSPI commands on a plain SPI bus with a GPIO chip
// select, such as the MPSSE engine of an FTDI FT2232H.
//
// Only single-line phases can be lowered onto SPI, so the flash driver must
// use its single I/O mode. Transfers are synchronous; the interrupt of an
// interrupt-mode call is raised from a separate goroutine once the transfer
// is done.
package spibridge

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gentam/qflash/qspi"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/physic"
	"tinygo.org/x/drivers"
)

// Pin is the chip select output.
type Pin interface {
	Out(l gpio.Level) error
}

// DefaultPollLimit bounds the number of status reads of one AutoPoll call.
const DefaultPollLimit = 1 << 20

var (
	errNotReady    = errors.New("spibridge: controller not initialized")
	errUnsupported = errors.New("spibridge: command cannot run on a single-line bus")
)

const (
	flagCmd uint32 = 1 << iota
	flagRx
	flagTx
)

// Bridge is a qspi.Controller on a byte-oriented SPI bus.
type Bridge struct {
	bus   drivers.SPI
	cs    Pin
	clock physic.Frequency

	// PollLimit bounds AutoPoll before it answers Timeout.
	PollLimit int

	mu       sync.Mutex
	ready    bool
	inflight bool // interrupt not yet delivered
	pending  *qspi.Command
	gen      uint64
	flags    uint32
	sink     qspi.CompletionSink
	err      error
}

var _ qspi.Controller = (*Bridge)(nil)

// New returns a bridge on bus with chip select cs. clock is the bus clock,
// used to time status polling.
func New(bus drivers.SPI, cs Pin, clock physic.Frequency) *Bridge {
	return &Bridge{
		bus:       bus,
		cs:        cs,
		clock:     clock,
		PollLimit: DefaultPollLimit,
	}
}

// Err returns the bus error behind the last Error status.
func (b *Bridge) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

func (b *Bridge) fail(err error) qspi.Status {
	b.err = err
	return qspi.Error
}

// tx wraps SPI transaction with CS assertion.
func (b *Bridge) tx(w, r []byte) (err error) {
	if err = b.cs.Out(gpio.Low); err != nil {
		return err
	}
	defer func() {
		if csErr := b.cs.Out(gpio.High); csErr != nil && err == nil {
			err = csErr
		}
	}()
	err = b.bus.Tx(w, r)
	return
}

// header lowers the instruction, address and dummy phases of c to bytes.
func header(c qspi.Command) ([]byte, error) {
	if c.InstructionLines != qspi.Lines1 ||
		c.AddressLines > qspi.Lines1 ||
		(c.HasData() && c.DataLines != qspi.Lines1) {
		return nil, fmt.Errorf("%w: %v", errUnsupported, c)
	}
	if c.DummyCycles%8 != 0 {
		return nil, fmt.Errorf("%w: %v: %d dummy cycles", errUnsupported, c, c.DummyCycles)
	}

	h := []byte{c.Instruction}
	if c.HasAddress() {
		var a [4]byte
		binary.BigEndian.PutUint32(a[:], c.Address)
		h = append(h, a[4-c.AddressSize.Bytes():]...)
	}
	return append(h, make([]byte, c.DummyCycles/8)...), nil
}

// frame runs c in one chip select window. For writes data is sent after the
// header, for reads it is filled from the bytes clocked in after it.
func (b *Bridge) frame(c qspi.Command, data []byte) error {
	h, err := header(c)
	if err != nil {
		return err
	}
	buf := append(h, make([]byte, len(data))...)
	if c.Direction == qspi.DirWrite {
		copy(buf[len(h):], data)
	}
	if err := b.tx(buf, buf); err != nil {
		return err
	}
	if c.Direction == qspi.DirRead {
		copy(data, buf[len(h):])
	}
	return nil
}

// begin checks that a new transaction may start. b.mu must be held.
func (b *Bridge) begin() (qspi.Status, bool) {
	switch {
	case !b.ready:
		return b.fail(errNotReady), false
	case b.inflight || b.pending != nil:
		return qspi.Busy, false
	}
	return qspi.OK, true
}

func (b *Bridge) Init(cfg qspi.Config) qspi.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cfg.DualFlash {
		return b.fail(errors.New("spibridge: dual flash mode"))
	}
	b.ready = true
	return qspi.OK
}

func (b *Bridge) DeInit() qspi.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gen++
	b.ready = false
	b.inflight = false
	b.pending = nil
	b.flags = 0
	return qspi.OK
}

func (b *Bridge) Command(c qspi.Command, timeout time.Duration) qspi.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.begin(); !ok {
		return s
	}
	if c.HasData() {
		if _, err := header(c); err != nil {
			return b.fail(err)
		}
		b.pending = &c
		return qspi.OK
	}
	if err := b.frame(c, nil); err != nil {
		return b.fail(err)
	}
	return qspi.OK
}

func (b *Bridge) CommandIT(c qspi.Command) qspi.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.begin(); !ok {
		return s
	}
	if c.HasData() {
		return b.fail(fmt.Errorf("spibridge: data phase in interrupt-mode command %v", c))
	}
	if err := b.frame(c, nil); err != nil {
		return b.fail(err)
	}
	b.raise(flagCmd)
	return qspi.OK
}

// AutoPoll reads the status register every cfg.Interval clock cycles until
// it matches.
func (b *Bridge) AutoPoll(c qspi.Command, cfg qspi.AutoPoll, timeout time.Duration) qspi.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.begin(); !ok {
		return s
	}
	if cfg.StatusBytes < 1 || cfg.StatusBytes > 4 || c.Length < cfg.StatusBytes {
		return b.fail(fmt.Errorf("spibridge: %d status bytes", cfg.StatusBytes))
	}

	var interval time.Duration
	if b.clock > 0 {
		interval = b.clock.Period() * time.Duration(cfg.Interval)
	}
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	var st [4]byte
	for i := 0; i < b.PollLimit; i++ {
		if err := b.frame(c, st[:cfg.StatusBytes]); err != nil {
			return b.fail(err)
		}
		if cfg.Matches(binary.LittleEndian.Uint32(st[:])) {
			return qspi.OK
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			break
		}
		if interval > 0 {
			time.Sleep(interval)
		}
	}
	return qspi.Timeout
}

func (b *Bridge) Transmit(buf []byte, timeout time.Duration) qspi.Status {
	return b.data(qspi.DirWrite, buf, 0)
}

func (b *Bridge) Receive(buf []byte, timeout time.Duration) qspi.Status {
	return b.data(qspi.DirRead, buf, 0)
}

func (b *Bridge) TransmitIT(buf []byte) qspi.Status {
	return b.data(qspi.DirWrite, buf, flagTx)
}

func (b *Bridge) ReceiveIT(buf []byte) qspi.Status {
	return b.data(qspi.DirRead, buf, flagRx)
}

// data runs the pending command with buf as its data phase and raises flag
// when it is nonzero.
func (b *Bridge) data(dir qspi.Direction, buf []byte, flag uint32) qspi.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.ready {
		return b.fail(errNotReady)
	}
	if b.inflight {
		return qspi.Busy
	}
	c := b.pending
	if c == nil || c.Direction != dir || len(buf) != c.Length {
		return b.fail(fmt.Errorf("spibridge: %v data phase of %d bytes without matching command", dir, len(buf)))
	}
	b.pending = nil
	if err := b.frame(*c, buf); err != nil {
		return b.fail(err)
	}
	if flag != 0 {
		b.raise(flag)
	}
	return qspi.OK
}

// raise schedules the interrupt for flag. b.mu must be held.
func (b *Bridge) raise(flag uint32) {
	b.inflight = true
	gen := b.gen
	go func() {
		b.mu.Lock()
		if b.gen != gen {
			b.mu.Unlock()
			return
		}
		b.inflight = false
		b.flags |= flag
		b.mu.Unlock()
		b.IRQHandler()
	}()
}

// Abort drops the pending command and any undelivered interrupt. Bus
// transfers are synchronous, so nothing is on the wire.
func (b *Bridge) Abort() qspi.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gen++
	b.inflight = false
	b.pending = nil
	b.flags = 0
	return qspi.OK
}

func (b *Bridge) SetCompletionSink(sink qspi.CompletionSink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sink = sink
}

// IRQHandler delivers pending completions to the sink.
func (b *Bridge) IRQHandler() {
	b.mu.Lock()
	flags, sink := b.flags, b.sink
	b.flags = 0
	b.mu.Unlock()

	if sink == nil {
		return
	}
	if flags&flagCmd != 0 {
		sink.CommandComplete()
	}
	if flags&flagRx != 0 {
		sink.ReceiveComplete()
	}
	if flags&flagTx != 0 {
		sink.TransmitComplete()
	}
}
