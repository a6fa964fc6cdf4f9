// Package qspi describes a quad-SPI controller in terms of the transactions
// it can run: an instruction phase, an optional address phase, optional dummy
// cycles and an optional data phase.
//
// The Controller interface follows the shape of the STM32 QUADSPI HAL
// [RM0385|13 Quad-SPI interface]: blocking calls return once the phase is
// finished, interrupt-mode calls (suffix IT) return at once and report
// completion through a CompletionSink from the controller's IRQ handler.
package qspi

import (
	"fmt"
	"math/bits"
	"time"
)

// Status is the hardware status returned by controller calls. Controllers
// may return values outside the named set.
type Status uint8

const (
	OK Status = iota
	Error
	Busy
	Timeout
)

func (s Status) String() string {
	switch s {
	case OK:
		return "OK"
	case Error:
		return "ERROR"
	case Busy:
		return "BUSY"
	case Timeout:
		return "TIMEOUT"
	}
	return fmt.Sprintf("Status(%d)", uint8(s))
}

// Lines is the number of data lines used by a phase. LinesNone skips the phase.
type Lines uint8

const (
	LinesNone Lines = 0
	Lines1    Lines = 1
	Lines2    Lines = 2
	Lines4    Lines = 4
)

// AddressSize is the width of the address phase in bits.
type AddressSize uint8

const (
	Address8Bits  AddressSize = 8
	Address16Bits AddressSize = 16
	Address24Bits AddressSize = 24
	Address32Bits AddressSize = 32
)

// Bytes returns the number of address bytes.
func (s AddressSize) Bytes() int { return int(s) / 8 }

// Direction of the data phase.
type Direction uint8

const (
	DirNone Direction = iota
	DirRead
	DirWrite
)

func (d Direction) String() string {
	switch d {
	case DirRead:
		return "read"
	case DirWrite:
		return "write"
	}
	return "none"
}

// Command describes one transaction. It is a value: build a fresh one per
// call with Instruction and the With methods.
type Command struct {
	Instruction      byte
	InstructionLines Lines

	Address      uint32
	AddressLines Lines
	AddressSize  AddressSize

	DummyCycles uint8

	DataLines Lines
	Direction Direction
	Length    int // bytes in the data phase
}

// Instruction returns a single-line instruction-only command.
func Instruction(op byte) Command {
	return Command{Instruction: op, InstructionLines: Lines1}
}

// WithAddress returns c with an address phase.
func (c Command) WithAddress(lines Lines, size AddressSize, addr uint32) Command {
	c.AddressLines = lines
	c.AddressSize = size
	c.Address = addr
	return c
}

// WithDummy returns c with n dummy cycles between address and data.
func (c Command) WithDummy(n uint8) Command {
	c.DummyCycles = n
	return c
}

// WithData returns c with a data phase of n bytes.
func (c Command) WithData(lines Lines, dir Direction, n int) Command {
	c.DataLines = lines
	c.Direction = dir
	c.Length = n
	return c
}

// HasAddress reports whether c has an address phase.
func (c Command) HasAddress() bool { return c.AddressLines != LinesNone }

// HasData reports whether c has a data phase.
func (c Command) HasData() bool { return c.DataLines != LinesNone && c.Length > 0 }

func (c Command) String() string {
	s := fmt.Sprintf("%#02x/%d", c.Instruction, c.InstructionLines)
	if c.HasAddress() {
		s += fmt.Sprintf(" addr=%#06x/%d", c.Address, c.AddressLines)
	}
	if c.DummyCycles > 0 {
		s += fmt.Sprintf(" dummy=%d", c.DummyCycles)
	}
	if c.HasData() {
		s += fmt.Sprintf(" %s=%d/%d", c.Direction, c.Length, c.DataLines)
	}
	return s
}

// MatchMode selects how masked status bytes are compared in auto-polling.
type MatchMode uint8

const (
	MatchAND MatchMode = iota // all masked bits equal Match
	MatchOR                   // any masked bit equals Match
)

// AutoPoll configures the controller's status polling.
type AutoPoll struct {
	Match       uint32
	Mask        uint32
	MatchMode   MatchMode
	StatusBytes int
	// Interval is the number of clock cycles between two reads.
	Interval uint16
	// AutomaticStop ends polling on the first match.
	AutomaticStop bool
}

// Matches reports whether status satisfies p.
func (p AutoPoll) Matches(status uint32) bool {
	switch p.MatchMode {
	case MatchOR:
		for b := uint32(1); b != 0; b <<= 1 {
			if p.Mask&b != 0 && status&b == p.Match&b {
				return true
			}
		}
		return false
	default:
		return status&p.Mask == p.Match&p.Mask
	}
}

// SampleShifting delays data sampling.
type SampleShifting uint8

const (
	SampleShiftingNone SampleShifting = iota
	SampleShiftingHalfCycle
)

// ClockMode is the level of CLK while nCS is high.
type ClockMode uint8

const (
	ClockMode0 ClockMode = iota
	ClockMode3
)

// Config holds the controller initialization parameters. They are fixed at
// Init and never change afterwards.
type Config struct {
	ClockPrescaler     uint8
	FifoThreshold      uint8
	SampleShifting     SampleShifting
	FlashSize          uint8 // log2(bytes) - 1
	ChipSelectHighTime uint8 // cycles, 1..8
	ClockMode          ClockMode
	FlashID            uint8 // 1 or 2
	DualFlash          bool
}

// FlashSizeField returns the FlashSize value for a device of n bytes.
// n must be a power of two.
func FlashSizeField(n int) uint8 {
	return uint8(bits.Len(uint(n)) - 2)
}

// FlashBytes returns the device size described by c.FlashSize.
func (c Config) FlashBytes() int {
	return 1 << (int(c.FlashSize) + 1)
}

// CompletionSink receives the completion of interrupt-mode phases. Each
// method is called from interrupt context, once per completed phase.
type CompletionSink interface {
	CommandComplete()
	ReceiveComplete()
	TransmitComplete()
}

// Controller is a QSPI controller. Callers serialize access: a controller
// runs one transaction at a time and answers Busy otherwise.
//
// A timeout of zero means no bound.
type Controller interface {
	Init(cfg Config) Status
	DeInit() Status

	// Command sends the instruction, address and dummy phases. For commands
	// with a data phase it returns once the controller is ready for
	// Transmit or Receive.
	Command(cmd Command, timeout time.Duration) Status
	// CommandIT is Command in interrupt mode. Only valid for commands
	// without a data phase; completion calls CommandComplete.
	CommandIT(cmd Command) Status

	// AutoPoll repeatedly runs cmd, a status read, until cfg matches.
	AutoPoll(cmd Command, cfg AutoPoll, timeout time.Duration) Status

	Transmit(buf []byte, timeout time.Duration) Status
	Receive(buf []byte, timeout time.Duration) Status
	// TransmitIT and ReceiveIT run the data phase of the pending command and
	// call TransmitComplete or ReceiveComplete once done.
	TransmitIT(buf []byte) Status
	ReceiveIT(buf []byte) Status

	// Abort cancels the ongoing transaction. No completion is reported for it.
	Abort() Status

	SetCompletionSink(sink CompletionSink)
	// IRQHandler is the controller's interrupt handler. The platform's
	// interrupt entry for the QSPI line calls it.
	IRQHandler()
}
