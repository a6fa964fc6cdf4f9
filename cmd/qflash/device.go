package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/gentam/qflash"
	"github.com/gentam/qflash/bio"
	"github.com/gentam/qflash/qspi"
	"github.com/gentam/qflash/qspi/sim"
	"github.com/gentam/qflash/qspi/spibridge"
	"github.com/spf13/pflag"
	"periph.io/x/conn/v3/physic"
)

// clockFlag is a physic.Frequency usable as a pflag value.
type clockFlag physic.Frequency

func (c *clockFlag) String() string     { return physic.Frequency(*c).String() }
func (c *clockFlag) Set(s string) error { return (*physic.Frequency)(c).Set(s) }
func (c *clockFlag) Type() string       { return "frequency" }

var _ pflag.Value = (*clockFlag)(nil)

// session is an initialized flash registered as a block device.
type session struct {
	dev   *qflash.Device
	bd    *bio.Device
	close func() error
}

func (s *session) Close() error {
	if s.close == nil {
		return nil
	}
	return s.close()
}

func (o *options) logger() (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(o.logLevel)); err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})), nil
}

func (o *options) deviceConfig() (*qflash.Config, error) {
	cfg := qflash.DefaultConfig()
	if o.config != "" {
		data, err := os.ReadFile(o.config)
		if err != nil {
			return nil, err
		}
		if cfg, err = qflash.LoadConfig(data); err != nil {
			return nil, fmt.Errorf("%s: %w", o.config, err)
		}
	}
	if o.timeout != 0 {
		cfg.Timeout = o.timeout
	}
	if o.singleIO {
		cfg.IO = qflash.SingleIO
	}
	return cfg, nil
}

// open brings up the selected backend and the flash on it.
func (o *options) open() (*session, error) {
	log, err := o.logger()
	if err != nil {
		return nil, err
	}
	qflash.SetLogger(log)

	cfg, err := o.deviceConfig()
	if err != nil {
		return nil, err
	}
	cfg.Logger = log

	var (
		ctrl  qspi.Controller
		closer func() error
	)
	switch o.backend {
	case "sim":
		flash, err := o.openImage(cfg.Part)
		if err != nil {
			return nil, err
		}
		ctrl = sim.NewController(flash)
		if o.image != "" {
			closer = func() error {
				return os.WriteFile(o.image, flash.Image(), 0644)
			}
		}
	case "ftdi":
		ft, err := spibridge.OpenFT2232H(physic.Frequency(o.clock))
		if err != nil {
			return nil, err
		}
		ctrl = ft
		closer = ft.Close
		cfg.IO = qflash.SingleIO
	default:
		return nil, fmt.Errorf("unknown backend %q", o.backend)
	}

	s := &session{close: closer}
	if s.dev, err = qflash.New(ctrl, cfg); err != nil {
		s.Close()
		return nil, err
	}
	r := bio.NewRegistry()
	if _, err := s.dev.Register(r); err != nil {
		s.Close()
		return nil, err
	}
	if s.bd, err = r.Open(cfg.Name); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// openImage returns a simulated chip of part loaded from the image file.
// A missing file starts erased; a short one is padded with 0xff.
func (o *options) openImage(part qflash.Part) (*sim.Flash, error) {
	flash := sim.NewFlash(sim.Geometry{
		ID:            part.ID,
		Size:          part.Size,
		SectorSize:    part.SectorSize,
		SubsectorSize: part.SubsectorSize,
		PageSize:      part.PageSize,
	})
	if o.image == "" {
		return flash, nil
	}

	data, err := os.ReadFile(o.image)
	if errors.Is(err, fs.ErrNotExist) {
		return flash, nil
	}
	if err != nil {
		return nil, err
	}
	if len(data) > part.Size {
		return nil, fmt.Errorf("image %s is larger than %s (%d bytes)", o.image, part.Name, part.Size)
	}
	img := flash.Image()
	copy(img, data)
	if err := flash.Load(img); err != nil {
		return nil, err
	}
	return flash, nil
}

// run opens the flash, calls fn and closes it, keeping the first error.
func (o *options) run(fn func(*session) error) (err error) {
	s, err := o.open()
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := s.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()
	return fn(s)
}
