package qflash

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gentam/qflash/qspi"
)

// DefaultName is the block device name used when Config.Name is empty.
const DefaultName = "qspi-flash"

// IOMode selects the data lines used by reads and page programs.
type IOMode string

const (
	// QuadIO reads with QUAD I/O FAST READ and programs with EXTENDED QUAD
	// INPUT FAST PROGRAM, address and data on four lines.
	QuadIO IOMode = "quad"
	// SingleIO reads with FAST READ and programs with PAGE PROGRAM on one
	// line, for controllers wired to a plain SPI bus.
	SingleIO IOMode = "single"
)

// Config is the device configuration. It is fixed once New returns.
type Config struct {
	// Name of the registered block device.
	Name string
	Part Part
	IO   IOMode

	// Timeout bounds every completion wait and status poll. Zero waits
	// forever.
	Timeout time.Duration
	// PartTimeouts raises the bound of program and erase waits to at least
	// the part's datasheet maximum for the operation. Other waits keep
	// Timeout.
	PartTimeouts bool

	// Controller initialization parameters.
	Controller qspi.Config

	Logger *slog.Logger
}

// DefaultConfig returns the configuration of an N25Q128A on quad I/O.
func DefaultConfig() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// DefaultControllerConfig returns the controller parameters for part.
func DefaultControllerConfig(part Part) qspi.Config {
	return qspi.Config{
		ClockPrescaler:     1,
		FifoThreshold:      4,
		SampleShifting:     qspi.SampleShiftingHalfCycle,
		FlashSize:          qspi.FlashSizeField(part.Size),
		ChipSelectHighTime: 2,
		ClockMode:          qspi.ClockMode0,
		FlashID:            1,
	}
}

// applyDefaults fills in unset configuration values.
func applyDefaults(cfg *Config) {
	if cfg.Name == "" {
		cfg.Name = DefaultName
	}
	if cfg.Part.Size == 0 {
		cfg.Part = N25Q128A
	}
	if cfg.IO == "" {
		cfg.IO = QuadIO
	}
	if cfg.Controller == (qspi.Config{}) {
		cfg.Controller = DefaultControllerConfig(cfg.Part)
	}
}

func (cfg *Config) validate() error {
	p := cfg.Part
	if p.PageSize <= 0 || p.SubsectorSize < p.PageSize || p.SectorSize < p.SubsectorSize || p.Size < p.SectorSize {
		return fmt.Errorf("%w: inconsistent geometry of part %q", ErrInvalidArgs, p.Name)
	}
	for _, n := range []int{p.PageSize, p.SubsectorSize, p.SectorSize, p.Size} {
		if n&(n-1) != 0 {
			return fmt.Errorf("%w: part %q geometry %d is not a power of two", ErrInvalidArgs, p.Name, n)
		}
	}
	if p.Size > 1<<24 {
		return fmt.Errorf("%w: part %q does not fit 24-bit addressing", ErrInvalidArgs, p.Name)
	}
	switch cfg.IO {
	case QuadIO, SingleIO:
	default:
		return fmt.Errorf("%w: io mode %q", ErrInvalidArgs, cfg.IO)
	}
	if cfg.Timeout < 0 {
		return fmt.Errorf("%w: negative timeout", ErrInvalidArgs)
	}
	return nil
}

// fileConfig is the JSON form of Config.
type fileConfig struct {
	Name         string       `json:"name"`
	Part         string       `json:"part"`
	IO           IOMode       `json:"io"`
	Timeout      string       `json:"timeout"`
	PartTimeouts bool         `json:"part_timeouts"`
	Controller   *qspi.Config `json:"controller"`
}

// LoadConfig parses a JSON configuration and fills in defaults.
//
//	{"part": "Micron N25Q128A", "io": "quad", "timeout": "5s"}
func LoadConfig(data []byte) (*Config, error) {
	var fc fileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, err
	}

	cfg := &Config{
		Name:         fc.Name,
		IO:           fc.IO,
		PartTimeouts: fc.PartTimeouts,
	}
	if fc.Part != "" {
		p, ok := PartByName(fc.Part)
		if !ok {
			return nil, fmt.Errorf("unknown part %q", fc.Part)
		}
		cfg.Part = p
	}
	if fc.Timeout != "" {
		t, err := time.ParseDuration(fc.Timeout)
		if err != nil {
			return nil, fmt.Errorf("timeout: %w", err)
		}
		cfg.Timeout = t
	}
	if fc.Controller != nil {
		cfg.Controller = *fc.Controller
	}

	applyDefaults(cfg)
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
