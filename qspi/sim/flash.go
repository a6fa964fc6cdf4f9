// Package sim simulates a QSPI controller wired to a Micron N25Q NOR flash.
//
// The controller completes interrupt-mode phases on a separate goroutine and
// then runs its IRQ handler, so callers block exactly as they would on real
// hardware. Every transaction is recorded and faults can be injected.
package sim

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/gentam/qflash/qspi"
)

// Geometry of a simulated chip.
type Geometry struct {
	ID            [3]byte
	Size          int
	SectorSize    int
	SubsectorSize int
	PageSize      int
}

// N25Q128A is the geometry of a Micron N25Q128A.
var N25Q128A = Geometry{
	ID:            [3]byte{0x20, 0xBA, 0x18},
	Size:          16 << 20,
	SectorSize:    64 << 10,
	SubsectorSize: 4 << 10,
	PageSize:      256,
}

// [N25Q128A|Table 16: Command Set]
const (
	opWriteEnable      = 0x06
	opWriteDisable     = 0x04
	opReadStatus       = 0x05
	opReadID           = 0x9F
	opReadVCR          = 0x85
	opWriteVCR         = 0x81
	opResetEnable      = 0x66
	opResetMemory      = 0x99
	opRead             = 0x03
	opFastRead         = 0x0B
	opQuadIOFastRead   = 0xEB
	opPageProgram      = 0x02
	opQuadInFastProg   = 0x32
	opExtQuadInFastPrg = 0x12
	opSubsectorErase   = 0x20
	opSectorErase      = 0xD8
	opBulkErase        = 0xC7
)

const (
	srWIP = 1 << 0
	srWEL = 1 << 1

	vcrReset = 0xFB // dummy cycles field 0xF: per-command default
)

var (
	errProtocol = errors.New("sim: malformed command")
	errUnknown  = errors.New("sim: unknown instruction")
)

// Flash is the memory array and registers of a simulated chip.
type Flash struct {
	Geometry

	// ProgramPolls and ErasePolls are the number of status reads that still
	// report write in progress after a program or erase.
	ProgramPolls int
	ErasePolls   int

	mu           sync.Mutex
	mem          []byte
	sr           byte
	vcr          byte
	resetEnabled bool
	busy         int
}

// NewFlash returns an erased chip.
func NewFlash(g Geometry) *Flash {
	return &Flash{
		Geometry:     g,
		ProgramPolls: 1,
		ErasePolls:   3,
		mem:          bytes.Repeat([]byte{0xff}, g.Size),
		vcr:          vcrReset,
	}
}

// Load replaces the memory contents with image, which must be exactly the
// size of the chip.
func (f *Flash) Load(image []byte) error {
	if len(image) != f.Size {
		return fmt.Errorf("sim: image is %d bytes, chip is %d", len(image), f.Size)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	copy(f.mem, image)
	return nil
}

// Image returns a copy of the memory contents.
func (f *Flash) Image() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return bytes.Clone(f.mem)
}

// Status returns the status register.
func (f *Flash) Status() byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sr
}

// VCR returns the volatile configuration register.
func (f *Flash) VCR() byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.vcr
}

// exec runs one command. data is the data phase: filled for reads,
// consumed for writes.
func (f *Flash) exec(c qspi.Command, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if c.InstructionLines != qspi.Lines1 {
		return fmt.Errorf("%w: %v: instruction on %d lines", errProtocol, c, c.InstructionLines)
	}
	resetEnabled := f.resetEnabled
	f.resetEnabled = false

	switch c.Instruction {
	case opWriteEnable:
		if f.busy == 0 {
			f.sr |= srWEL
		}
	case opWriteDisable:
		f.sr &^= srWEL
	case opResetEnable:
		f.resetEnabled = true
	case opResetMemory:
		if resetEnabled {
			f.sr &^= srWEL | srWIP
			f.vcr = vcrReset
			f.busy = 0
		}

	case opReadStatus:
		if err := expect(c, qspi.LinesNone, 0, qspi.Lines1); err != nil {
			return err
		}
		for i := range data {
			data[i] = f.sr
		}
		if f.busy > 0 {
			f.busy--
			if f.busy == 0 {
				f.sr &^= srWIP | srWEL
			}
		}
	case opReadID:
		if err := expect(c, qspi.LinesNone, 0, qspi.Lines1); err != nil {
			return err
		}
		copy(data, f.ID[:])
	case opReadVCR:
		if err := expect(c, qspi.LinesNone, 0, qspi.Lines1); err != nil {
			return err
		}
		for i := range data {
			data[i] = f.vcr
		}
	case opWriteVCR:
		if err := expect(c, qspi.LinesNone, 0, qspi.Lines1); err != nil {
			return err
		}
		if f.sr&srWEL != 0 && f.busy == 0 && len(data) > 0 {
			f.vcr = data[0]
			f.sr &^= srWEL
		}

	case opRead:
		if err := expect(c, qspi.Lines1, 0, qspi.Lines1); err != nil {
			return err
		}
		f.read(c.Address, data)
	case opFastRead:
		if err := expect(c, qspi.Lines1, f.dummyCycles(8), qspi.Lines1); err != nil {
			return err
		}
		f.read(c.Address, data)
	case opQuadIOFastRead:
		if err := expect(c, qspi.Lines4, f.dummyCycles(10), qspi.Lines4); err != nil {
			return err
		}
		f.read(c.Address, data)

	case opPageProgram:
		if err := expect(c, qspi.Lines1, 0, qspi.Lines1); err != nil {
			return err
		}
		f.program(c.Address, data)
	case opQuadInFastProg:
		if err := expect(c, qspi.Lines1, 0, qspi.Lines4); err != nil {
			return err
		}
		f.program(c.Address, data)
	case opExtQuadInFastPrg:
		if err := expect(c, qspi.Lines4, 0, qspi.Lines4); err != nil {
			return err
		}
		f.program(c.Address, data)

	case opSubsectorErase:
		if err := expect(c, qspi.Lines1, 0, qspi.LinesNone); err != nil {
			return err
		}
		f.erase(int(c.Address)&^(f.SubsectorSize-1), f.SubsectorSize)
	case opSectorErase:
		if err := expect(c, qspi.Lines1, 0, qspi.LinesNone); err != nil {
			return err
		}
		f.erase(int(c.Address)&^(f.SectorSize-1), f.SectorSize)
	case opBulkErase:
		if err := expect(c, qspi.LinesNone, 0, qspi.LinesNone); err != nil {
			return err
		}
		f.erase(0, f.Size)

	default:
		return fmt.Errorf("%w: %#02x", errUnknown, c.Instruction)
	}
	return nil
}

// expect checks the address lines, dummy cycles and data lines of c. A
// present address phase must be 24 bits wide.
func expect(c qspi.Command, addr qspi.Lines, dummy uint8, data qspi.Lines) error {
	if c.AddressLines != addr || (addr != qspi.LinesNone && c.AddressSize != qspi.Address24Bits) {
		return fmt.Errorf("%w: %v: want address on %d lines", errProtocol, c, addr)
	}
	if c.DummyCycles != dummy {
		return fmt.Errorf("%w: %v: want %d dummy cycles", errProtocol, c, dummy)
	}
	if c.DataLines != data && !(data == qspi.LinesNone && c.Length == 0) {
		return fmt.Errorf("%w: %v: want data on %d lines", errProtocol, c, data)
	}
	return nil
}

// dummyCycles returns the read latency configured in the VCR, def when the
// field selects the per-command default.
func (f *Flash) dummyCycles(def uint8) uint8 {
	n := f.vcr >> 4
	if n == 0 || n == 0xF {
		return def
	}
	return n
}

func (f *Flash) read(addr uint32, data []byte) {
	if f.busy > 0 {
		return
	}
	for i := range data {
		data[i] = f.mem[(int(addr)+i)%f.Size]
	}
}

// program clears bits of one page. Data past the end of the page wraps to
// its start.
func (f *Flash) program(addr uint32, data []byte) {
	if f.sr&srWEL == 0 || f.busy > 0 {
		return
	}
	base := int(addr) % f.Size &^ (f.PageSize - 1)
	off := int(addr) & (f.PageSize - 1)
	for i, b := range data {
		f.mem[base+(off+i)%f.PageSize] &= b
	}
	f.startBusy(f.ProgramPolls)
}

func (f *Flash) erase(addr, n int) {
	if f.sr&srWEL == 0 || f.busy > 0 {
		return
	}
	addr %= f.Size
	for i := range f.mem[addr : addr+n] {
		f.mem[addr+i] = 0xff
	}
	f.startBusy(f.ErasePolls)
}

func (f *Flash) startBusy(polls int) {
	if polls <= 0 {
		f.sr &^= srWEL
		return
	}
	f.sr |= srWIP
	f.busy = polls
}
