package qflash

import (
	"fmt"

	"github.com/gentam/qflash/bio"
	"github.com/gentam/qflash/qspi"
)

// EraseKind selects an erase instruction and its granularity.
type EraseKind int

const (
	EraseSubsector EraseKind = iota
	EraseSector
	EraseBulk
)

func (k EraseKind) String() string {
	switch k {
	case EraseSubsector:
		return "subsector"
	case EraseSector:
		return "sector"
	case EraseBulk:
		return "bulk"
	}
	return fmt.Sprintf("EraseKind(%d)", int(k))
}

// Erase erases every erase unit overlapping length bytes at offset, trimmed
// to the device, and returns the number of bytes erased. A request for the
// whole device is one bulk erase. Otherwise a sector is erased wherever the
// address is sector aligned and a whole sector remains, and subsectors cover
// the rest. Bytes sharing a subsector with either end of the range are
// erased too, so the count may exceed length.
// On failure only the error of the failing chunk is returned.
func (d *Device) Erase(offset, length int64) (int64, error) {
	length = bio.TrimRange(int64(d.part.Size), offset, length)
	if length == 0 {
		return 0, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	log := d.logger(ComponentErase)
	if offset == 0 && length == int64(d.part.Size) {
		n, err := d.eraseUnit(EraseBulk, 0)
		if err != nil {
			log.Warn("bulk erase failed", "err", err)
			return 0, err
		}
		return int64(n), nil
	}

	sector, subsector := int64(d.part.SectorSize), int64(d.part.SubsectorSize)
	end := offset + length
	addr := offset &^ (subsector - 1)
	var erased int64
	for addr < end {
		kind := EraseSubsector
		if addr&(sector-1) == 0 && end-addr >= sector {
			kind = EraseSector
		}
		n, err := d.eraseUnit(kind, uint32(addr))
		if err != nil {
			log.Warn(kind.String()+" erase failed", "addr", addr, "erased", erased, "err", err)
			return 0, err
		}
		erased += int64(n)
		addr += int64(n)
	}
	log.Debug("erased", "offset", offset, "length", length, "bytes", erased)
	return erased, nil
}

// EraseUnit erases the subsector or sector containing addr, or the whole
// chip, and returns the number of bytes erased. A bulk erase takes no
// address and rejects a nonzero one.
func (d *Device) EraseUnit(kind EraseKind, addr uint32) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.eraseUnit(kind, addr)
}

// eraseUnit runs write enable, erase and completion poll with d.mu held.
func (d *Device) eraseUnit(kind EraseKind, addr uint32) (int, error) {
	var (
		c    qspi.Command
		size int
		op   opKind
	)
	switch kind {
	case EraseSubsector:
		c = qspi.Instruction(cmdSubsectorErase).WithAddress(qspi.Lines1, qspi.Address24Bits, addr)
		size, op = d.part.SubsectorSize, opEraseSubsector
	case EraseSector:
		c = qspi.Instruction(cmdSectorErase).WithAddress(qspi.Lines1, qspi.Address24Bits, addr)
		size, op = d.part.SectorSize, opEraseSector
	case EraseBulk:
		if addr != 0 {
			return 0, fmt.Errorf("%w: bulk erase with address %#x", ErrInvalidArgs, addr)
		}
		c = qspi.Instruction(cmdBulkErase)
		size, op = d.part.Size, opEraseBulk
	default:
		return 0, fmt.Errorf("%w: %v", ErrInvalidArgs, kind)
	}
	if kind != EraseBulk && int64(addr) >= int64(d.part.Size) {
		return 0, fmt.Errorf("%w: %v erase address %#x beyond the device", ErrInvalidArgs, kind, addr)
	}

	timeout := d.timeout(op)
	if err := d.writeEnable(timeout); err != nil {
		return 0, fmt.Errorf("%v erase %#x: %w", kind, addr, err)
	}
	if err := d.cmd(c, timeout); err != nil {
		return 0, fmt.Errorf("%v erase %#x: %w", kind, addr, err)
	}
	if err := d.waitReady(timeout); err != nil {
		return 0, fmt.Errorf("%v erase %#x: %w", kind, addr, err)
	}
	return size, nil
}
