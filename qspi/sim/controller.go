package sim

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/gentam/qflash/qspi"
)

// Op is the kind of a controller call.
type Op int

const (
	OpInit Op = iota
	OpDeInit
	OpCommand
	OpCommandIT
	OpAutoPoll
	OpTransmit
	OpTransmitIT
	OpReceive
	OpReceiveIT
	OpAbort
)

func (op Op) String() string {
	switch op {
	case OpInit:
		return "Init"
	case OpDeInit:
		return "DeInit"
	case OpCommand:
		return "Command"
	case OpCommandIT:
		return "CommandIT"
	case OpAutoPoll:
		return "AutoPoll"
	case OpTransmit:
		return "Transmit"
	case OpTransmitIT:
		return "TransmitIT"
	case OpReceive:
		return "Receive"
	case OpReceiveIT:
		return "ReceiveIT"
	case OpAbort:
		return "Abort"
	}
	return fmt.Sprintf("Op(%d)", int(op))
}

// Transaction is one recorded controller call. Data phases carry the
// command they belong to.
type Transaction struct {
	Op      Op
	Command qspi.Command
	Status  qspi.Status
	// Err is set when the flash rejected the command.
	Err error
	// Injected marks a status forced by a Fault.
	Injected bool
}

func (t Transaction) String() string {
	s := fmt.Sprintf("%v %v: %v", t.Op, t.Command, t.Status)
	if t.Err != nil {
		s += " (" + t.Err.Error() + ")"
	}
	return s
}

// Fault makes a future call misbehave. It applies once, to the first call
// matching Op and Instruction after Skip matching calls.
type Fault struct {
	Op          Op
	Instruction byte
	Skip        int

	// Status is returned instead of running the call.
	Status qspi.Status
	// Hang accepts the call and runs it, but never raises its interrupt.
	// Only meaningful for interrupt-mode calls.
	Hang bool
}

const (
	flagCmd uint32 = 1 << iota
	flagRx
	flagTx
)

type state int

const (
	stateReset state = iota
	stateReady
	statePending // command sent, waiting for its data phase
	stateBusy
)

// DefaultPollLimit bounds the number of status reads of one AutoPoll call.
const DefaultPollLimit = 1 << 16

// Controller is a simulated QSPI controller driving a Flash.
type Controller struct {
	flash *Flash

	// PollLimit bounds AutoPoll before it answers Timeout.
	PollLimit int
	// Latency delays every interrupt-mode completion.
	Latency time.Duration

	// irqMu orders interrupt delivery against Abort.
	irqMu sync.Mutex

	mu      sync.Mutex
	cfg     qspi.Config
	state   state
	pending qspi.Command
	gen     uint64
	flags   uint32
	sink    qspi.CompletionSink
	faults  []Fault
	log     []Transaction
}

var _ qspi.Controller = (*Controller)(nil)

// NewController returns a controller wired to f.
func NewController(f *Flash) *Controller {
	return &Controller{flash: f, PollLimit: DefaultPollLimit}
}

// Flash returns the simulated chip.
func (c *Controller) Flash() *Flash {
	return c.flash
}

// Config returns the parameters of the last Init.
func (c *Controller) Config() qspi.Config {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// Inject queues a fault.
func (c *Controller) Inject(f Fault) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faults = append(c.faults, f)
}

// Transactions returns the recorded calls.
func (c *Controller) Transactions() []Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Transaction(nil), c.log...)
}

// Reset clears the recorded calls.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log = nil
}

// Errors returns the recorded calls the flash rejected or that found the
// controller busy, leaving out injected faults.
func (c *Controller) Errors() []Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []Transaction
	for _, t := range c.log {
		if t.Err != nil || (t.Status == qspi.Busy && !t.Injected) {
			errs = append(errs, t)
		}
	}
	return errs
}

// fault pops the fault matching op and instr. c.mu must be held.
func (c *Controller) fault(op Op, instr byte) (Fault, bool) {
	for i := range c.faults {
		f := &c.faults[i]
		if f.Op != op || f.Instruction != instr {
			continue
		}
		if f.Skip > 0 {
			f.Skip--
			continue
		}
		hit := *f
		c.faults = append(c.faults[:i], c.faults[i+1:]...)
		return hit, true
	}
	return Fault{}, false
}

func (c *Controller) recordFault(op Op, cmd qspi.Command, f Fault) qspi.Status {
	c.log = append(c.log, Transaction{Op: op, Command: cmd, Status: f.Status, Injected: true})
	return f.Status
}

func (c *Controller) record(op Op, cmd qspi.Command, s qspi.Status, err error) qspi.Status {
	c.log = append(c.log, Transaction{Op: op, Command: cmd, Status: s, Err: err})
	return s
}

// begin checks that a new transaction may start. c.mu must be held.
func (c *Controller) begin(op Op, cmd qspi.Command) (Fault, qspi.Status, bool) {
	switch c.state {
	case stateReset:
		return Fault{}, c.record(op, cmd, qspi.Error, nil), false
	case stateReady:
	default:
		return Fault{}, c.record(op, cmd, qspi.Busy, nil), false
	}
	f, ok := c.fault(op, cmd.Instruction)
	if ok && !f.Hang {
		return f, c.recordFault(op, cmd, f), false
	}
	return f, qspi.OK, true
}

func (c *Controller) Init(cfg qspi.Config) qspi.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.fault(OpInit, 0); ok {
		return c.recordFault(OpInit, qspi.Command{}, f)
	}
	if cfg.FlashBytes() < c.flash.Size {
		return c.record(OpInit, qspi.Command{}, qspi.Error, fmt.Errorf("sim: flash size field %d too small", cfg.FlashSize))
	}
	c.cfg = cfg
	c.state = stateReady
	return c.record(OpInit, qspi.Command{}, qspi.OK, nil)
}

func (c *Controller) DeInit() qspi.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	if f, ok := c.fault(OpDeInit, 0); ok {
		return c.recordFault(OpDeInit, qspi.Command{}, f)
	}
	c.gen++
	c.state = stateReset
	c.flags = 0
	return c.record(OpDeInit, qspi.Command{}, qspi.OK, nil)
}

func (c *Controller) Command(cmd qspi.Command, timeout time.Duration) qspi.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, s, ok := c.begin(OpCommand, cmd); !ok {
		return s
	}
	if cmd.HasData() {
		c.pending = cmd
		c.state = statePending
		return c.record(OpCommand, cmd, qspi.OK, nil)
	}
	if err := c.flash.exec(cmd, nil); err != nil {
		return c.record(OpCommand, cmd, qspi.Error, err)
	}
	return c.record(OpCommand, cmd, qspi.OK, nil)
}

func (c *Controller) CommandIT(cmd qspi.Command) qspi.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, s, ok := c.begin(OpCommandIT, cmd)
	if !ok {
		return s
	}
	if cmd.HasData() {
		return c.record(OpCommandIT, cmd, qspi.Error, fmt.Errorf("sim: data phase in interrupt-mode command"))
	}
	c.record(OpCommandIT, cmd, qspi.OK, nil)
	c.start(OpCommandIT, cmd, nil, flagCmd, f.Hang)
	return qspi.OK
}

func (c *Controller) AutoPoll(cmd qspi.Command, cfg qspi.AutoPoll, timeout time.Duration) qspi.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, s, ok := c.begin(OpAutoPoll, cmd); !ok {
		return s
	}
	if cfg.StatusBytes < 1 || cfg.StatusBytes > 4 || cmd.Length < cfg.StatusBytes {
		return c.record(OpAutoPoll, cmd, qspi.Error, fmt.Errorf("sim: %d status bytes", cfg.StatusBytes))
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	var buf [4]byte
	for i := 0; i < c.PollLimit; i++ {
		if err := c.flash.exec(cmd, buf[:cfg.StatusBytes]); err != nil {
			return c.record(OpAutoPoll, cmd, qspi.Error, err)
		}
		if cfg.Matches(binary.LittleEndian.Uint32(buf[:])) {
			return c.record(OpAutoPoll, cmd, qspi.OK, nil)
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			break
		}
	}
	return c.record(OpAutoPoll, cmd, qspi.Timeout, nil)
}

func (c *Controller) Transmit(buf []byte, timeout time.Duration) qspi.Status {
	return c.data(OpTransmit, qspi.DirWrite, buf, false)
}

func (c *Controller) Receive(buf []byte, timeout time.Duration) qspi.Status {
	return c.data(OpReceive, qspi.DirRead, buf, false)
}

func (c *Controller) TransmitIT(buf []byte) qspi.Status {
	return c.data(OpTransmitIT, qspi.DirWrite, buf, true)
}

func (c *Controller) ReceiveIT(buf []byte) qspi.Status {
	return c.data(OpReceiveIT, qspi.DirRead, buf, true)
}

// data runs the data phase of the pending command.
func (c *Controller) data(op Op, dir qspi.Direction, buf []byte, it bool) qspi.Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	cmd := c.pending
	switch c.state {
	case stateReset:
		return c.record(op, cmd, qspi.Error, nil)
	case statePending:
	default:
		return c.record(op, cmd, qspi.Busy, nil)
	}
	if cmd.Direction != dir || len(buf) != cmd.Length {
		return c.record(op, cmd, qspi.Error, fmt.Errorf("sim: %v data phase of %d bytes", dir, len(buf)))
	}
	f, ok := c.fault(op, cmd.Instruction)
	if ok && !f.Hang {
		c.state = stateReady
		return c.recordFault(op, cmd, f)
	}

	if !it {
		c.state = stateReady
		if err := c.flash.exec(cmd, buf); err != nil {
			return c.record(op, cmd, qspi.Error, err)
		}
		return c.record(op, cmd, qspi.OK, nil)
	}

	flag := flagRx
	if dir == qspi.DirWrite {
		flag = flagTx
	}
	c.record(op, cmd, qspi.OK, nil)
	c.start(op, cmd, buf, flag, f.Hang)
	return qspi.OK
}

// start runs cmd in the background and raises flag when done. c.mu must be
// held.
func (c *Controller) start(op Op, cmd qspi.Command, buf []byte, flag uint32, hang bool) {
	c.state = stateBusy
	c.gen++
	gen := c.gen
	data := bytes.Clone(buf)
	go func() {
		if c.Latency > 0 {
			time.Sleep(c.Latency)
		}
		if !c.current(gen) {
			return
		}
		err := c.flash.exec(cmd, data)
		c.raise(gen, op, cmd, flag, err, hang, func() {
			if cmd.Direction == qspi.DirRead {
				copy(buf, data)
			}
		})
	}()
}

func (c *Controller) current(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen == gen
}

// raise completes the transaction started as gen, unless it was aborted,
// and runs the IRQ handler. deliver hands received data to the caller
// before the interrupt.
func (c *Controller) raise(gen uint64, op Op, cmd qspi.Command, flag uint32, err error, hang bool, deliver func()) {
	c.irqMu.Lock()
	defer c.irqMu.Unlock()

	c.mu.Lock()
	if c.gen != gen {
		c.mu.Unlock()
		return
	}
	deliver()
	c.state = stateReady
	if err != nil {
		c.record(op, cmd, qspi.Error, err)
	}
	if !hang {
		c.flags |= flag
	}
	c.mu.Unlock()

	if !hang {
		c.IRQHandler()
	}
}

// Abort cancels the ongoing transaction. Its interrupt, if not yet raised,
// is never raised.
func (c *Controller) Abort() qspi.Status {
	c.irqMu.Lock()
	defer c.irqMu.Unlock()
	c.mu.Lock()
	defer c.mu.Unlock()

	if f, ok := c.fault(OpAbort, 0); ok {
		return c.recordFault(OpAbort, qspi.Command{}, f)
	}
	c.gen++
	c.flags = 0
	if c.state != stateReset {
		c.state = stateReady
	}
	return c.record(OpAbort, qspi.Command{}, qspi.OK, nil)
}

func (c *Controller) SetCompletionSink(sink qspi.CompletionSink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sink = sink
}

// IRQHandler delivers pending completions to the sink.
func (c *Controller) IRQHandler() {
	c.mu.Lock()
	flags, sink := c.flags, c.sink
	c.flags = 0
	c.mu.Unlock()

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
