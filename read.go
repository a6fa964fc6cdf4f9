package qflash

import (
	"fmt"

	"github.com/gentam/qflash/bio"
	"github.com/gentam/qflash/qspi"
)

// Read reads len(p) bytes at offset, trimmed to the device, in a single
// transaction and returns the number of bytes read.
func (d *Device) Read(p []byte, offset int64) (int, error) {
	n := int(bio.TrimRange(int64(d.part.Size), offset, int64(len(p))))
	if n == 0 {
		return 0, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if err := d.receive(d.readCommand(uint32(offset), n), p[:n], d.timeout(opCommand)); err != nil {
		d.logger(ComponentRead).Warn("read failed", "offset", offset, "len", n, "err", err)
		return 0, fmt.Errorf("read %#x+%d: %w", offset, n, err)
	}
	return n, nil
}

func (d *Device) readCommand(addr uint32, n int) qspi.Command {
	if d.cfg.IO == SingleIO {
		return qspi.Instruction(cmdFastRead).
			WithAddress(qspi.Lines1, qspi.Address24Bits, addr).
			WithDummy(d.part.DummyCyclesRead).
			WithData(qspi.Lines1, qspi.DirRead, n)
	}
	return qspi.Instruction(cmdQuadInOutFastRead).
		WithAddress(qspi.Lines4, qspi.Address24Bits, addr).
		WithDummy(d.part.DummyCyclesReadQuad).
		WithData(qspi.Lines4, qspi.DirRead, n)
}

// ReadBlock reads count pages starting at page number block, trimmed to the
// device.
func (d *Device) ReadBlock(p []byte, block, count uint32) (int, error) {
	count = bio.TrimBlockRange(d.blockCount(), block, count)
	if count == 0 {
		return 0, nil
	}
	ps := int64(d.part.PageSize)
	n := int64(count) * ps
	if int64(len(p)) < n {
		return 0, fmt.Errorf("%w: %d bytes for %d pages", ErrInvalidArgs, len(p), count)
	}
	return d.Read(p[:n], int64(block)*ps)
}
