package qflash

import (
	"fmt"

	"github.com/gentam/qflash/bio"
	"github.com/gentam/qflash/qspi"
)

// WritePage programs one page at addr, which must be page aligned, from the
// first PageSize bytes of data. The page must have been erased. It returns
// the number of bytes programmed.
func (d *Device) WritePage(addr uint32, data []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writePage(addr, data)
}

// writePage runs write enable, program and completion poll with d.mu held.
func (d *Device) writePage(addr uint32, data []byte) (int, error) {
	ps := d.part.PageSize
	if addr%uint32(ps) != 0 {
		return 0, fmt.Errorf("%w: page address %#x is not aligned to %d", ErrInvalidArgs, addr, ps)
	}
	if int64(addr) >= int64(d.part.Size) {
		return 0, fmt.Errorf("%w: page address %#x beyond the device", ErrInvalidArgs, addr)
	}
	if len(data) < ps {
		return 0, fmt.Errorf("%w: %d bytes for a %d byte page", ErrInvalidArgs, len(data), ps)
	}

	timeout := d.timeout(opProgram)
	if err := d.writeEnable(timeout); err != nil {
		return 0, fmt.Errorf("program %#x: %w", addr, err)
	}
	if err := d.transmit(d.programCommand(addr), data[:ps], timeout); err != nil {
		return 0, fmt.Errorf("program %#x: %w", addr, err)
	}
	if err := d.waitReady(timeout); err != nil {
		return 0, fmt.Errorf("program %#x: %w", addr, err)
	}
	return ps, nil
}

func (d *Device) programCommand(addr uint32) qspi.Command {
	ps := d.part.PageSize
	if d.cfg.IO == SingleIO {
		return qspi.Instruction(cmdPageProgram).
			WithAddress(qspi.Lines1, qspi.Address24Bits, addr).
			WithData(qspi.Lines1, qspi.DirWrite, ps)
	}
	return qspi.Instruction(cmdExtQuadInFastProg).
		WithAddress(qspi.Lines4, qspi.Address24Bits, addr).
		WithData(qspi.Lines4, qspi.DirWrite, ps)
}

// WriteBlock programs count pages starting at page number block from p. The
// range is trimmed to the device. It stops at the first failing page and
// returns only its error: pages before it may be programmed and the failing
// page is left undefined.
func (d *Device) WriteBlock(p []byte, block, count uint32) (int, error) {
	count = bio.TrimBlockRange(d.blockCount(), block, count)
	if count == 0 {
		return 0, nil
	}
	ps := d.part.PageSize
	if len(p) < int(count)*ps {
		return 0, fmt.Errorf("%w: %d bytes for %d pages", ErrInvalidArgs, len(p), count)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	log := d.logger(ComponentProgram)
	written := 0
	for ; count > 0; count, block = count-1, block+1 {
		n, err := d.writePage(block*uint32(ps), p[:ps])
		if err != nil {
			log.Warn("page program failed", "page", block, "written", written, "err", err)
			return 0, err
		}
		p = p[n:]
		written += n
	}
	log.Debug("programmed", "bytes", written)
	return written, nil
}

func (d *Device) blockCount() uint32 {
	return uint32(d.part.Size / d.part.PageSize)
}
