package qflash

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gentam/qflash/qspi"
	"github.com/gentam/qflash/qspi/sim"
)

var quietLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func newSim(t *testing.T, cfg *Config) (*Device, *sim.Controller) {
	t.Helper()
	ctrl := sim.NewController(sim.NewFlash(sim.N25Q128A))
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Logger == nil {
		cfg.Logger = quietLogger
	}
	d, err := New(ctrl, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		if errs := ctrl.Errors(); len(errs) != 0 {
			t.Errorf("controller errors: %v", errs)
		}
	})
	ctrl.Reset()
	return d, ctrl
}

// issued returns the instructions of the recorded calls of kind op.
func issued(ctrl *sim.Controller, op sim.Op) []qspi.Command {
	var cmds []qspi.Command
	for _, tx := range ctrl.Transactions() {
		if tx.Op == op {
			cmds = append(cmds, tx.Command)
		}
	}
	return cmds
}

func pattern(n int, seed byte) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i)*7 + seed
	}
	return p
}

func TestNew(t *testing.T) {
	for _, mode := range []IOMode{QuadIO, SingleIO} {
		t.Run(string(mode), func(t *testing.T) {
			flash := sim.NewFlash(sim.N25Q128A)
			ctrl := sim.NewController(flash)
			d, err := New(ctrl, &Config{IO: mode, Logger: quietLogger})
			if err != nil {
				t.Fatal(err)
			}
			if d.ID() != N25Q128A.ID {
				t.Errorf("ID = % X, want % X", d.ID(), N25Q128A.ID)
			}
			if d.Name() != DefaultName {
				t.Errorf("Name = %q, want %q", d.Name(), DefaultName)
			}
			want := d.readDummyCycles()
			if got := flash.VCR() >> 4; got != want {
				t.Errorf("VCR dummy cycles = %d, want %d", got, want)
			}
			if got := ctrl.Config(); got != DefaultControllerConfig(N25Q128A) {
				t.Errorf("controller config = %+v", got)
			}
			if errs := ctrl.Errors(); len(errs) != 0 {
				t.Errorf("controller errors: %v", errs)
			}
		})
	}
}

func TestNewFailure(t *testing.T) {
	tests := []struct {
		name  string
		fault sim.Fault
		want  error
	}{
		{"init", sim.Fault{Op: sim.OpInit, Status: qspi.Error}, ErrGeneric},
		{"reset enable busy", sim.Fault{Op: sim.OpCommandIT, Instruction: cmdResetEnable, Status: qspi.Busy}, ErrBusy},
		{"read ID", sim.Fault{Op: sim.OpReceiveIT, Instruction: cmdReadID, Status: qspi.Status(42)}, ErrGeneric},
		{"write VCR", sim.Fault{Op: sim.OpTransmitIT, Instruction: cmdWriteVolCfgReg, Status: qspi.Timeout}, ErrTimedOut},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := sim.NewController(sim.NewFlash(sim.N25Q128A))
			ctrl.Inject(tt.fault)
			_, err := New(ctrl, &Config{Logger: quietLogger})
			if !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}
}

func TestNewInvalidConfig(t *testing.T) {
	bad := N25Q128A
	bad.PageSize = 300
	tests := []*Config{
		{Part: bad},
		{IO: "dual"},
		{Timeout: -time.Second},
	}
	for _, cfg := range tests {
		ctrl := sim.NewController(sim.NewFlash(sim.N25Q128A))
		if _, err := New(ctrl, cfg); !errors.Is(err, ErrInvalidArgs) {
			t.Errorf("%+v: got %v, want ErrInvalidArgs", cfg, err)
		}
		if n := len(ctrl.Transactions()); n != 0 {
			t.Errorf("%+v: %d transactions", cfg, n)
		}
	}
}

func TestWritePageReadBack(t *testing.T) {
	for _, mode := range []IOMode{QuadIO, SingleIO} {
		t.Run(string(mode), func(t *testing.T) {
			d, ctrl := newSim(t, &Config{IO: mode})
			page := pattern(N25Q128A.PageSize, 1)

			n, err := d.WritePage(0x1_0100, page)
			if err != nil {
				t.Fatal(err)
			}
			if n != N25Q128A.PageSize {
				t.Errorf("wrote %d bytes, want %d", n, N25Q128A.PageSize)
			}

			prog := fmt.Sprintf("%02x", d.programCommand(0).Instruction)
			want := []string{
				"CommandIT 06",
				"AutoPoll 05",
				"Command " + prog,
				"TransmitIT " + prog,
				"AutoPoll 05",
			}
			var seq []string
			for _, tx := range ctrl.Transactions() {
				seq = append(seq, fmt.Sprintf("%v %02x", tx.Op, tx.Command.Instruction))
			}
			if fmt.Sprint(seq) != fmt.Sprint(want) {
				t.Errorf("program sequence %q, want %q", seq, want)
			}

			got := make([]byte, len(page))
			if n, err := d.Read(got, 0x1_0100); err != nil || n != len(got) {
				t.Fatalf("Read = %d, %v", n, err)
			}
			if !bytes.Equal(got, page) {
				t.Error("read back differs from written page")
			}
		})
	}
}

func TestWritePageInvalid(t *testing.T) {
	d, ctrl := newSim(t, nil)
	tests := []struct {
		name string
		addr uint32
		data []byte
	}{
		{"misaligned", 0x101, make([]byte, 256)},
		{"beyond device", uint32(N25Q128A.Size), make([]byte, 256)},
		{"short buffer", 0x100, make([]byte, 255)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl.Reset()
			n, err := d.WritePage(tt.addr, tt.data)
			if !errors.Is(err, ErrInvalidArgs) || n != 0 {
				t.Errorf("got %d, %v, want 0, ErrInvalidArgs", n, err)
			}
			if txs := ctrl.Transactions(); len(txs) != 0 {
				t.Errorf("hardware accessed: %v", txs)
			}
		})
	}
}

func TestWriteBlock(t *testing.T) {
	d, ctrl := newSim(t, nil)
	ps := N25Q128A.PageSize
	data := pattern(3*ps, 9)

	n, err := d.WriteBlock(data, 2, 3)
	if err != nil || n != len(data) {
		t.Fatalf("WriteBlock = %d, %v", n, err)
	}
	if got := len(issued(ctrl, sim.OpTransmitIT)); got != 3 {
		t.Errorf("%d page programs, want 3", got)
	}
	got := make([]byte, len(data))
	if _, err := d.ReadBlock(got, 2, 3); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Error("read back differs")
	}

	last := d.blockCount() - 1
	n, err = d.WriteBlock(pattern(2*ps, 3), last, 2)
	if err != nil || n != ps {
		t.Errorf("WriteBlock at the end = %d, %v, want %d", n, err, ps)
	}
}

func TestWriteBlockFailure(t *testing.T) {
	d, ctrl := newSim(t, nil)
	ps := N25Q128A.PageSize
	ctrl.Inject(sim.Fault{Op: sim.OpTransmitIT, Instruction: cmdExtQuadInFastProg, Skip: 1, Status: qspi.Error})

	n, err := d.WriteBlock(pattern(3*ps, 5), 0, 3)
	if !errors.Is(err, ErrGeneric) || n != 0 {
		t.Fatalf("got %d, %v, want 0, ErrGeneric", n, err)
	}
	if got := len(issued(ctrl, sim.OpCommand)); got != 2 {
		t.Errorf("%d program commands, want 2", got)
	}
	img := ctrl.Flash().Image()
	if !bytes.Equal(img[:ps], pattern(ps, 5)[:ps]) {
		t.Error("first page not programmed")
	}
}

func subsectors(addr uint32, n int) []qspi.Command {
	var cmds []qspi.Command
	for i := 0; i < n; i++ {
		a := addr + uint32(i*N25Q128A.SubsectorSize)
		cmds = append(cmds, qspi.Instruction(cmdSubsectorErase).WithAddress(qspi.Lines1, qspi.Address24Bits, a))
	}
	return cmds
}

func TestErase(t *testing.T) {
	size := int64(N25Q128A.Size)
	tests := []struct {
		name   string
		offset int64
		length int64
		want   int64
		units  []qspi.Command
	}{
		{"whole device", 0, size, size, []qspi.Command{
			qspi.Instruction(cmdBulkErase),
		}},
		{"sector", 0, 0x1_0000, 0x1_0000, []qspi.Command{
			qspi.Instruction(cmdSectorErase).WithAddress(qspi.Lines1, qspi.Address24Bits, 0),
		}},
		{"sector and subsector", 0, 0x1_1000, 0x1_1000, []qspi.Command{
			qspi.Instruction(cmdSectorErase).WithAddress(qspi.Lines1, qspi.Address24Bits, 0),
			qspi.Instruction(cmdSubsectorErase).WithAddress(qspi.Lines1, qspi.Address24Bits, 0x1_0000),
		}},
		{"unaligned", 0x8000, 0x2_0000, 0x2_0000, append(append(
			subsectors(0x8000, 8),
			qspi.Instruction(cmdSectorErase).WithAddress(qspi.Lines1, qspi.Address24Bits, 0x1_0000)),
			subsectors(0x2_0000, 8)...)},
		{"subsectors before a sector", 0xE000, 0x1_2000, 0x1_2000, append(
			subsectors(0xE000, 2),
			qspi.Instruction(cmdSectorErase).WithAddress(qspi.Lines1, qspi.Address24Bits, 0x1_0000))},
		{"straddling subsectors", 0x1800, 0x1000, 0x2000, subsectors(0x1000, 2)},
		{"partial subsector", 0x3400, 0x800, 0x1000, subsectors(0x3000, 1)},
		{"trimmed at the end", size - 0x2000, 0x10_0000, 0x2000, []qspi.Command{
			qspi.Instruction(cmdSubsectorErase).WithAddress(qspi.Lines1, qspi.Address24Bits, uint32(size-0x2000)),
			qspi.Instruction(cmdSubsectorErase).WithAddress(qspi.Lines1, qspi.Address24Bits, uint32(size-0x1000)),
		}},
		{"beyond device", size, 0x1000, 0, nil},
		{"zero length", 0x1000, 0, 0, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, ctrl := newSim(t, nil)
			n, err := d.Erase(tt.offset, tt.length)
			if err != nil {
				t.Fatal(err)
			}
			if n != tt.want {
				t.Errorf("erased %#x bytes, want %#x", n, tt.want)
			}

			var units []qspi.Command
			for _, c := range issued(ctrl, sim.OpCommandIT) {
				if c.Instruction != cmdWriteEnable {
					units = append(units, c)
				}
			}
			if fmt.Sprint(units) != fmt.Sprint(tt.units) {
				t.Errorf("erase commands %v, want %v", units, tt.units)
			}
			if tt.units == nil && len(ctrl.Transactions()) != 0 {
				t.Errorf("hardware accessed: %v", ctrl.Transactions())
			}
		})
	}
}

func TestEraseContents(t *testing.T) {
	tests := []struct {
		name           string
		offset, length int64
		from, to       int // erased image range
	}{
		{"aligned", 0x1_0000, 0x1_1000, 0x1_0000, 0x2_1000},
		{"unaligned sectors", 0x8000, 0x2_0000, 0x8000, 0x2_8000},
		{"unaligned subsectors", 0x1_0800, 0x1_0000, 0x1_0000, 0x2_1000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, ctrl := newSim(t, nil)
			if err := ctrl.Flash().Load(make([]byte, N25Q128A.Size)); err != nil {
				t.Fatal(err)
			}
			n, err := d.Erase(tt.offset, tt.length)
			if err != nil {
				t.Fatal(err)
			}
			if n != int64(tt.to-tt.from) {
				t.Errorf("erased %#x bytes, want %#x", n, tt.to-tt.from)
			}
			img := ctrl.Flash().Image()
			for i, b := range img {
				want := byte(0)
				if i >= tt.from && i < tt.to {
					want = 0xff
				}
				if b != want {
					t.Fatalf("byte %#x = %#02x, want %#02x", i, b, want)
				}
			}
		})
	}
}

func TestEraseUnit(t *testing.T) {
	d, ctrl := newSim(t, nil)

	n, err := d.EraseUnit(EraseBulk, 0x1000)
	if !errors.Is(err, ErrInvalidArgs) || n != 0 {
		t.Errorf("bulk erase with address: got %d, %v, want 0, ErrInvalidArgs", n, err)
	}
	if txs := ctrl.Transactions(); len(txs) != 0 {
		t.Errorf("hardware accessed: %v", txs)
	}

	if _, err := d.EraseUnit(EraseSector, uint32(N25Q128A.Size)); !errors.Is(err, ErrInvalidArgs) {
		t.Errorf("erase beyond device: got %v, want ErrInvalidArgs", err)
	}
	if _, err := d.EraseUnit(EraseKind(7), 0); !errors.Is(err, ErrInvalidArgs) {
		t.Errorf("unknown kind: got %v, want ErrInvalidArgs", err)
	}

	n, err = d.EraseUnit(EraseSubsector, 0x1234)
	if err != nil || n != N25Q128A.SubsectorSize {
		t.Errorf("subsector erase = %d, %v", n, err)
	}
}

func TestEraseFailure(t *testing.T) {
	d, ctrl := newSim(t, nil)
	ctrl.Inject(sim.Fault{Op: sim.OpAutoPoll, Instruction: cmdReadStatusReg, Skip: 3, Status: qspi.Timeout})

	n, err := d.Erase(0, 0x2_0000)
	if !errors.Is(err, ErrTimedOut) || n != 0 {
		t.Errorf("got %d, %v, want 0, ErrTimedOut", n, err)
	}
}

func TestRead(t *testing.T) {
	size := int64(N25Q128A.Size)
	tests := []struct {
		name   string
		offset int64
		len    int
		want   int
	}{
		{"inside", 0x100, 64, 64},
		{"trimmed", size - 16, 64, 16},
		{"at end", size, 8, 0},
		{"negative offset", -1, 8, 0},
		{"empty", 0, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, ctrl := newSim(t, nil)
			p := make([]byte, tt.len)
			n, err := d.Read(p, tt.offset)
			if err != nil {
				t.Fatal(err)
			}
			if n != tt.want {
				t.Errorf("read %d bytes, want %d", n, tt.want)
			}
			rx := issued(ctrl, sim.OpReceiveIT)
			if tt.want == 0 {
				if txs := ctrl.Transactions(); len(txs) != 0 {
					t.Errorf("hardware accessed: %v", txs)
				}
				return
			}
			if len(rx) != 1 || rx[0].Length != tt.want {
				t.Errorf("receives %v, want one of %d bytes", rx, tt.want)
			}
		})
	}
}

func TestReadBlockShortBuffer(t *testing.T) {
	d, _ := newSim(t, nil)
	if _, err := d.ReadBlock(make([]byte, 100), 0, 1); !errors.Is(err, ErrInvalidArgs) {
		t.Errorf("got %v, want ErrInvalidArgs", err)
	}
}

func TestConcurrentCallers(t *testing.T) {
	d, ctrl := newSim(t, nil)
	ps := N25Q128A.PageSize

	const workers = 8
	var wg sync.WaitGroup
	errc := make(chan error, workers)
	for w := 0; w < workers; w++ {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			block := uint32(w * 4)
			data := pattern(2*ps, byte(w))
			if _, err := d.WriteBlock(data, block, 2); err != nil {
				errc <- err
				return
			}
			got := make([]byte, len(data))
			if _, err := d.ReadBlock(got, block, 2); err != nil {
				errc <- err
				return
			}
			if !bytes.Equal(got, data) {
				errc <- fmt.Errorf("worker %d: read back differs", w)
				return
			}
			if _, err := d.Erase(int64(0x10_0000+w*N25Q128A.SubsectorSize), int64(N25Q128A.SubsectorSize)); err != nil {
				errc <- err
			}
		}()
	}
	wg.Wait()
	close(errc)
	for err := range errc {
		t.Error(err)
	}

	// Every data phase directly follows the command it belongs to, and
	// every program or erase sits between its own write enable handshake
	// and completion poll.
	txs := ctrl.Transactions()
	op := func(i int) string {
		if i < 0 || i >= len(txs) {
			return ""
		}
		return fmt.Sprintf("%v %02x", txs[i].Op, txs[i].Command.Instruction)
	}
	for i, tx := range txs {
		switch {
		case tx.Op == sim.OpTransmitIT || tx.Op == sim.OpReceiveIT:
			if i == 0 || txs[i-1].Op != sim.OpCommand || txs[i-1].Command != tx.Command {
				t.Fatalf("transaction %d: %v not preceded by its command", i, tx)
			}
		case tx.Op == sim.OpCommand && tx.Command.Instruction == cmdExtQuadInFastProg,
			tx.Op == sim.OpCommandIT && tx.Command.Instruction == cmdSubsectorErase:
			end := i + 1
			if tx.Op == sim.OpCommand {
				end++
			}
			if op(i-2) != "CommandIT 06" || op(i-1) != "AutoPoll 05" || op(end) != "AutoPoll 05" {
				t.Fatalf("transaction %d: %v interleaved: %s, %s, ..., %s", i, tx, op(i-2), op(i-1), op(end))
			}
		}
	}
}

func TestTimeout(t *testing.T) {
	d, ctrl := newSim(t, &Config{Timeout: 50 * time.Millisecond})
	ctrl.Inject(sim.Fault{Op: sim.OpCommandIT, Instruction: cmdWriteEnable, Hang: true})

	_, err := d.Erase(0x1000, 0x1000)
	if !errors.Is(err, ErrTimedOut) {
		t.Fatalf("got %v, want ErrTimedOut", err)
	}
	if len(issued(ctrl, sim.OpAbort)) != 1 {
		t.Error("timed out transfer not aborted")
	}
	for _, c := range issued(ctrl, sim.OpCommandIT) {
		if c.Instruction == cmdSubsectorErase {
			t.Error("erase issued after timeout")
		}
	}

	id, err := d.ReadID()
	if err != nil || id != N25Q128A.ID {
		t.Errorf("ReadID after timeout = % X, %v", id, err)
	}
}

func TestInterruptCallFailure(t *testing.T) {
	tests := []struct {
		status qspi.Status
		want   error
	}{
		{qspi.Error, ErrGeneric},
		{qspi.Busy, ErrBusy},
		{qspi.Timeout, ErrTimedOut},
		{qspi.Status(0x7f), ErrGeneric},
	}
	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			// No timeout: a wait for an interrupt that never comes would hang.
			d, ctrl := newSim(t, nil)
			ctrl.Inject(sim.Fault{Op: sim.OpReceiveIT, Instruction: cmdQuadInOutFastRead, Status: tt.status})

			done := make(chan error, 1)
			go func() {
				_, err := d.Read(make([]byte, 16), 0)
				done <- err
			}()
			select {
			case err := <-done:
				if !errors.Is(err, tt.want) {
					t.Errorf("got %v, want %v", err, tt.want)
				}
			case <-time.After(5 * time.Second):
				t.Fatal("Read waits for an interrupt after a failed call")
			}
		})
	}
}

func TestReadStatus(t *testing.T) {
	d, _ := newSim(t, nil)
	sr, err := d.ReadStatus()
	if err != nil {
		t.Fatal(err)
	}
	if sr.Busy() || sr.WriteEnabled() {
		t.Errorf("status %v after init", sr)
	}
}

func TestStatusRegisterString(t *testing.T) {
	tests := []struct {
		sr   StatusRegister
		want string
	}{
		{0x00, "00000000"},
		{0x03, "00000011 WEL,WIP"},
		{0xA4, "10100100 SRWD,TB,BP0"},
	}
	for _, tt := range tests {
		if got := tt.sr.String(); got != tt.want {
			t.Errorf("%#02x: got %q, want %q", byte(tt.sr), got, tt.want)
		}
	}
}

func TestPartTimeouts(t *testing.T) {
	tests := []struct {
		timeout time.Duration
		op      opKind
		want    time.Duration
	}{
		{time.Second, opCommand, time.Second},
		{time.Second, opProgram, time.Second},
		{time.Second, opEraseSubsector, time.Second},
		{time.Second, opEraseSector, 3 * time.Second},
		{time.Second, opEraseBulk, 250 * time.Second},
		{0, opCommand, 0},
		{0, opProgram, 5 * time.Millisecond},
		{0, opEraseSubsector, 800 * time.Millisecond},
	}
	for _, tt := range tests {
		d, _ := newSim(t, &Config{PartTimeouts: true, Timeout: tt.timeout})
		if got := d.timeout(tt.op); got != tt.want {
			t.Errorf("Timeout %v: timeout(%d) = %v, want %v", tt.timeout, tt.op, got, tt.want)
		}
	}
}
