package qflash

import "time"

// Part holds the fixed command set, geometry and timings of a flash chip.
// Nothing in a Part is read from the chip at runtime.
type Part struct {
	Name string
	ID   [3]byte // JEDEC manufacturer, memory type, capacity

	// Geometry in bytes.
	Size          int
	SectorSize    int
	SubsectorSize int
	PageSize      int

	// Dummy cycles of fast reads: single line and quad I/O.
	DummyCyclesRead     uint8
	DummyCyclesReadQuad uint8

	// Datasheet maxima: page program, subsector, sector and bulk erase.
	tPP  time.Duration
	tSSE time.Duration
	tSE  time.Duration
	tBE  time.Duration
}

// [N25Q128A|Table 16: Command Set]
const (
	cmdResetEnable       = 0x66
	cmdResetMemory       = 0x99
	cmdReadID            = 0x9F
	cmdFastRead          = 0x0B
	cmdQuadInOutFastRead = 0xEB
	cmdWriteEnable       = 0x06
	cmdReadStatusReg     = 0x05
	cmdReadVolCfgReg     = 0x85
	cmdWriteVolCfgReg    = 0x81
	cmdPageProgram       = 0x02
	cmdExtQuadInFastProg = 0x12
	cmdSubsectorErase    = 0x20
	cmdSectorErase       = 0xD8
	cmdBulkErase         = 0xC7
)

// Volatile configuration register fields [N25Q128A|Table 11].
const (
	vcrDummy   = 0xF0
	vcrDummyLo = 4 // bit position of vcrDummy
)

var (
	// N25Q128A is the Micron N25Q 128Mb part.
	N25Q128A = Part{
		Name: "Micron N25Q128A",
		ID:   [3]byte{0x20, 0xBA, 0x18},

		Size:          16 << 20,
		SectorSize:    64 << 10,
		SubsectorSize: 4 << 10,
		PageSize:      256,

		DummyCyclesRead:     8,
		DummyCyclesReadQuad: 10,

		// [N25Q128A|Table 38: AC Characteristics and Operating Conditions]
		tPP:  5 * time.Millisecond,
		tSSE: 800 * time.Millisecond,
		tSE:  3 * time.Second,
		tBE:  250 * time.Second,
	}

	// N25Q032A is the Micron N25Q 32Mb part.
	N25Q032A = Part{
		Name: "Micron N25Q032A",
		ID:   [3]byte{0x20, 0xBA, 0x16},

		Size:          4 << 20,
		SectorSize:    64 << 10,
		SubsectorSize: 4 << 10,
		PageSize:      256,

		DummyCyclesRead:     8,
		DummyCyclesReadQuad: 10,

		// [N25Q32|Table 38: AC Characteristics and Operating Conditions]
		tPP:  5 * time.Millisecond,
		tSSE: 800 * time.Millisecond,
		tSE:  3 * time.Second,
		tBE:  60 * time.Second,
	}
)

var knownParts = map[[3]byte]Part{
	N25Q128A.ID: N25Q128A,
	N25Q032A.ID: N25Q032A,
}

// LookupPart returns the part with the given JEDEC ID.
func LookupPart(id [3]byte) (Part, bool) {
	p, ok := knownParts[id]
	return p, ok
}

// PartByName returns the known part called name.
func PartByName(name string) (Part, bool) {
	for _, p := range knownParts {
		if p.Name == name {
			return p, true
		}
	}
	return Part{}, false
}

type opKind int

const (
	opCommand opKind = iota
	opProgram
	opEraseSubsector
	opEraseSector
	opEraseBulk
)

// timeout returns the wait bound for an operation, zero meaning no bound.
// With per-part timeouts a program or erase wait gets the larger of the
// datasheet maximum and the configured bound.
func (d *Device) timeout(op opKind) time.Duration {
	if !d.cfg.PartTimeouts {
		return d.cfg.Timeout
	}
	var t time.Duration
	switch op {
	case opProgram:
		t = d.part.tPP
	case opEraseSubsector:
		t = d.part.tSSE
	case opEraseSector:
		t = d.part.tSE
	case opEraseBulk:
		t = d.part.tBE
	}
	return max(t, d.cfg.Timeout)
}
