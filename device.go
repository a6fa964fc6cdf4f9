package qflash

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gentam/qflash/qspi"
)

// Device is a NOR flash chip behind a QSPI controller. Create one Device per
// controller with New and share it; all methods are safe for concurrent use
// and run one hardware sequence at a time.
type Device struct {
	ctrl qspi.Controller
	cfg  Config
	part Part
	done *completions
	log  *slog.Logger

	// mu is held for the whole of a read, program or erase sequence.
	mu sync.Mutex
	id [3]byte
}

// New initializes the controller and the flash chip: controller reset and
// setup, memory reset, identification and read latency configuration. cfg
// may be nil for DefaultConfig.
func New(ctrl qspi.Controller, cfg *Config) (*Device, error) {
	var c Config
	if cfg != nil {
		c = *cfg
	}
	applyDefaults(&c)
	if err := c.validate(); err != nil {
		return nil, err
	}

	d := &Device{
		ctrl: ctrl,
		cfg:  c,
		part: c.Part,
		done: newCompletions(),
		log:  c.Logger,
	}
	if d.log == nil {
		d.log = packageLogger()
	}
	ctrl.SetCompletionSink(d.done)

	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.init(); err != nil {
		d.logger(ComponentProtocol).Error("initialization failed", "err", err)
		return nil, err
	}
	return d, nil
}

func (d *Device) init() error {
	timeout := d.timeout(opCommand)

	if s := d.ctrl.DeInit(); s != qspi.OK {
		return fmt.Errorf("controller deinit: %w", halErr(s))
	}
	if s := d.ctrl.Init(d.cfg.Controller); s != qspi.OK {
		return fmt.Errorf("controller init: %w", halErr(s))
	}
	if err := d.resetMemory(timeout); err != nil {
		return fmt.Errorf("reset memory: %w", err)
	}

	id, err := d.readID(timeout)
	if err != nil {
		return fmt.Errorf("read ID: %w", err)
	}
	d.id = id
	log := d.logger(ComponentProtocol)
	if id != d.part.ID {
		if p, ok := LookupPart(id); ok {
			log.Warn("flash ID belongs to another part", "id", fmt.Sprintf("%X", id), "found", p.Name, "configured", d.part.Name)
		} else {
			log.Warn("unknown flash ID", "id", fmt.Sprintf("%X", id), "configured", d.part.Name)
		}
	}

	if err := d.configureDummyCycles(timeout); err != nil {
		return fmt.Errorf("configure dummy cycles: %w", err)
	}
	log.Info("flash ready", "part", d.part.Name, "io", d.cfg.IO, "size", d.part.Size)
	return nil
}

func (d *Device) resetMemory(timeout time.Duration) error {
	if err := d.cmd(qspi.Instruction(cmdResetEnable), timeout); err != nil {
		return err
	}
	if err := d.cmd(qspi.Instruction(cmdResetMemory), timeout); err != nil {
		return err
	}
	return d.waitReady(timeout)
}

// configureDummyCycles writes the read latency of the configured IO mode
// into the volatile configuration register.
func (d *Device) configureDummyCycles(timeout time.Duration) error {
	var reg [1]byte
	rd := qspi.Instruction(cmdReadVolCfgReg).WithData(qspi.Lines1, qspi.DirRead, 1)
	if err := d.receive(rd, reg[:], timeout); err != nil {
		return err
	}

	if err := d.writeEnable(timeout); err != nil {
		return err
	}

	reg[0] = reg[0]&^vcrDummy | d.readDummyCycles()<<vcrDummyLo&vcrDummy
	wr := qspi.Instruction(cmdWriteVolCfgReg).WithData(qspi.Lines1, qspi.DirWrite, 1)
	return d.transmit(wr, reg[:], timeout)
}

func (d *Device) readDummyCycles() uint8 {
	if d.cfg.IO == SingleIO {
		return d.part.DummyCyclesRead
	}
	return d.part.DummyCyclesReadQuad
}

func (d *Device) readID(timeout time.Duration) ([3]byte, error) {
	var id [3]byte
	c := qspi.Instruction(cmdReadID).WithData(qspi.Lines1, qspi.DirRead, len(id))
	err := d.receive(c, id[:], timeout)
	return id, err
}

// ReadID reads the JEDEC ID of the flash chip.
func (d *Device) ReadID() ([3]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.readID(d.timeout(opCommand))
}

// ID returns the JEDEC ID read during initialization.
func (d *Device) ID() [3]byte {
	return d.id
}

// Part returns the configured part.
func (d *Device) Part() Part {
	return d.part
}

// Name returns the block device name.
func (d *Device) Name() string {
	return d.cfg.Name
}

// ReadStatus reads the status register.
func (d *Device) ReadStatus() (StatusRegister, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var sr [1]byte
	c := qspi.Instruction(cmdReadStatusReg).WithData(qspi.Lines1, qspi.DirRead, 1)
	if err := d.receive(c, sr[:], d.timeout(opCommand)); err != nil {
		return 0, err
	}
	return StatusRegister(sr[0]), nil
}

// StatusRegister is the status register of the flash chip.
//
//	Bits| [N25Q128A|Table 9]
//	----+-----------------------------------
//	7   | Status register write enable/disable
//	6   | Block protect 3
//	5   | Top/bottom
//	4:2 | Block protect 2-0
//	1   | Write enable latch
//	0   | Write in progress
type StatusRegister byte

func (sr StatusRegister) WriteDisable() bool  { return sr&(1<<7) != 0 }
func (sr StatusRegister) BlockProtect3() bool { return sr&(1<<6) != 0 }
func (sr StatusRegister) TopBottom() bool     { return sr&(1<<5) != 0 }
func (sr StatusRegister) BlockProtect2() bool { return sr&(1<<4) != 0 }
func (sr StatusRegister) BlockProtect1() bool { return sr&(1<<3) != 0 }
func (sr StatusRegister) BlockProtect0() bool { return sr&(1<<2) != 0 }
func (sr StatusRegister) WriteEnabled() bool  { return sr&srWEL != 0 }
func (sr StatusRegister) Busy() bool          { return sr&srWIP != 0 }

func (sr StatusRegister) String() string {
	b := fmt.Sprintf("%08b", byte(sr))
	s := []string{}
	if sr.WriteDisable() {
		s = append(s, "SRWD")
	}
	if sr.BlockProtect3() {
		s = append(s, "BP3")
	}
	if sr.TopBottom() {
		s = append(s, "TB")
	}
	if sr.BlockProtect2() {
		s = append(s, "BP2")
	}
	if sr.BlockProtect1() {
		s = append(s, "BP1")
	}
	if sr.BlockProtect0() {
		s = append(s, "BP0")
	}
	if sr.WriteEnabled() {
		s = append(s, "WEL")
	}
	if sr.Busy() {
		s = append(s, "WIP")
	}
	if len(s) == 0 {
		return b
	}
	return b + " " + strings.Join(s, ",")
}
