package spibridge

import (
	"errors"
	"fmt"
	"sync/atomic"

	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/host/v3"
	"periph.io/x/host/v3/ftdi"
	"tinygo.org/x/drivers"
)

// DefaultClock is the highest MPSSE SPI clock [AN_135 3.2.1 Divisors].
const DefaultClock = 30 * physic.MegaHertz

// periphBus adapts a periph.io SPI connection to drivers.SPI.
type periphBus struct {
	conn spi.Conn
}

// Periph returns conn as a drivers.SPI bus.
func Periph(conn spi.Conn) drivers.SPI {
	return periphBus{conn: conn}
}

// Tx sends w and fills r. A nil w sends zeros, a nil r discards the input.
func (p periphBus) Tx(w, r []byte) error {
	if w == nil {
		w = make([]byte, len(r))
	}
	if r != nil && len(r) != len(w) {
		return fmt.Errorf("spibridge: tx of %d bytes into %d", len(w), len(r))
	}
	return p.conn.Tx(w, r)
}

func (p periphBus) Transfer(b byte) (byte, error) {
	var r [1]byte
	err := p.conn.Tx([]byte{b}, r[:])
	return r[0], err
}

// FT2232H is a flash wired to the MPSSE port of an FTDI FT2232H.
type FT2232H struct {
	*Bridge
	FTDI *ftdi.FT232H

	port spi.PortCloser
}

var hostInitialized atomic.Bool

// OpenFT2232H finds FT2232H device and opens MPSSE/SPI connection at clock.
//
//	ADBUS0 | SCK
//	ADBUS1 | MOSI
//	ADBUS2 | MISO
//	ADBUS4 | CS
func OpenFT2232H(clock physic.Frequency) (*FT2232H, error) {
	if hostInitialized.CompareAndSwap(false, true) {
		if _, err := host.Init(); err != nil {
			return nil, fmt.Errorf("host initialization failed: %w", err)
		}
	}

	ft, err := findFT2232H()
	if err != nil {
		return nil, err
	}
	port, err := ft.SPI()
	if err != nil {
		return nil, fmt.Errorf("failed to get SPI port: %w", err)
	}

	// [FTDI AN_114|1.2]> FTDI device can only support mode 0 and mode 2 due to the limitation of MPSSE engine
	// [N25Q128A|Table 7: SPI Modes] mode 0 and mode 3 are supported
	conn, err := port.Connect(clock, spi.Mode0, 8)
	if err != nil {
		port.Close()
		return nil, fmt.Errorf("failed to connect SPI: %w", err)
	}

	return &FT2232H{
		Bridge: New(Periph(conn), ft.D4, clock),
		FTDI:   ft,
		port:   port,
	}, nil
}

// Close releases the SPI port.
func (d *FT2232H) Close() error {
	return d.port.Close()
}

func findFT2232H() (*ftdi.FT232H, error) {
	const (
		vendorID  = 0x0403 // FTDI
		productID = 0x6010 // FT2232H
	)

	info := ftdi.Info{}
	for _, dev := range ftdi.All() {
		dev.Info(&info)
		if info.VenID != vendorID || info.DevID != productID {
			continue
		}
		if ft, ok := dev.(*ftdi.FT232H); ok {
			return ft, nil
		}
	}

	return nil, errors.New("FT2232H device not found")
}
