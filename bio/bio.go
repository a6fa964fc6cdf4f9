// Package bio is the generic block I/O layer. Drivers describe their device
// with a Device, implement Ops and register it; consumers open devices by
// name and never see how a driver talks to its hardware.
package bio

import (
	"errors"
	"fmt"
	"math/bits"
	"sort"
	"sync"
)

var (
	ErrNotFound      = errors.New("bio: no such device")
	ErrExists        = errors.New("bio: device already registered")
	ErrInvalidDevice = errors.New("bio: invalid device description")
	ErrShortWrite    = errors.New("bio: short write")
)

// Ops are the entry points a driver provides. Offsets and lengths are in
// bytes, blocks are numbered from zero. Implementations trim requests to the
// device extent before touching hardware and treat a trimmed zero length as
// success.
type Ops interface {
	Read(p []byte, offset int64) (int, error)
	ReadBlock(p []byte, block, count uint32) (int, error)
	WriteBlock(p []byte, block, count uint32) (int, error)
	Erase(offset, length int64) (int64, error)
	Ioctl(request int, arg any) error
}

// EraseGeometry describes a region with a uniform erase unit.
type EraseGeometry struct {
	Start      int64
	Size       int64
	EraseSize  int64
	EraseShift uint
}

// NewEraseGeometry returns a region of size bytes at start erased in units
// of eraseSize bytes, a power of two.
func NewEraseGeometry(start, size, eraseSize int64) EraseGeometry {
	return EraseGeometry{
		Start:      start,
		Size:       size,
		EraseSize:  eraseSize,
		EraseShift: uint(bits.TrailingZeros64(uint64(eraseSize))),
	}
}

// Device is a registered block device.
type Device struct {
	Name       string
	BlockSize  uint32
	BlockShift uint
	BlockCount uint32
	Geometry   []EraseGeometry
	EraseByte  byte

	ops Ops
}

// NewDevice describes a device of count blocks of blockSize bytes. blockSize
// must be a power of two.
func NewDevice(name string, blockSize, count uint32, geometry []EraseGeometry, ops Ops) (*Device, error) {
	if name == "" || ops == nil {
		return nil, ErrInvalidDevice
	}
	if blockSize == 0 || blockSize&(blockSize-1) != 0 {
		return nil, fmt.Errorf("%w: block size %d is not a power of two", ErrInvalidDevice, blockSize)
	}
	return &Device{
		Name:       name,
		BlockSize:  blockSize,
		BlockShift: uint(bits.TrailingZeros32(blockSize)),
		BlockCount: count,
		Geometry:   geometry,
		EraseByte:  0xff,
		ops:        ops,
	}, nil
}

// Size returns the device size in bytes.
func (d *Device) Size() int64 {
	return int64(d.BlockCount) << d.BlockShift
}

// TrimRange clamps a byte range to the device. See TrimRange.
func (d *Device) TrimRange(offset, length int64) int64 {
	return TrimRange(d.Size(), offset, length)
}

// TrimBlockRange clamps a block range to the device. See TrimBlockRange.
func (d *Device) TrimBlockRange(block, count uint32) uint32 {
	return TrimBlockRange(d.BlockCount, block, count)
}

// TrimRange returns the part of length bytes at offset that lies within a
// device of size bytes. Requests starting outside the device trim to zero.
func TrimRange(size, offset, length int64) int64 {
	if offset < 0 || length <= 0 || offset >= size {
		return 0
	}
	return min(length, size-offset)
}

// TrimBlockRange returns the number of the count blocks starting at block
// that exist on a device of total blocks.
func TrimBlockRange(total, block, count uint32) uint32 {
	if block >= total {
		return 0
	}
	return min(count, total-block)
}

func (d *Device) Read(p []byte, offset int64) (int, error) {
	return d.ops.Read(p, offset)
}

func (d *Device) ReadBlock(p []byte, block, count uint32) (int, error) {
	return d.ops.ReadBlock(p, block, count)
}

func (d *Device) WriteBlock(p []byte, block, count uint32) (int, error) {
	return d.ops.WriteBlock(p, block, count)
}

func (d *Device) Erase(offset, length int64) (int64, error) {
	return d.ops.Erase(offset, length)
}

func (d *Device) Ioctl(request int, arg any) error {
	return d.ops.Ioctl(request, arg)
}

// Write writes p at a byte offset using the driver's block entry points.
// Whole blocks go straight to WriteBlock; a partial first or last block is
// read, patched and written back.
func (d *Device) Write(p []byte, offset int64) (int, error) {
	n := d.TrimRange(offset, int64(len(p)))
	if n == 0 {
		return 0, nil
	}
	p = p[:n]

	bs := int64(d.BlockSize)
	written := 0
	var tmp []byte
	for len(p) > 0 {
		block := uint32(offset >> d.BlockShift)
		inBlock := offset & (bs - 1)

		if inBlock == 0 && int64(len(p)) >= bs {
			count := uint32(int64(len(p)) >> d.BlockShift)
			w, err := d.ops.WriteBlock(p, block, count)
			if err != nil {
				return written, err
			}
			if w == 0 {
				return written, ErrShortWrite
			}
			written += w
			offset += int64(w)
			p = p[w:]
			continue
		}

		if tmp == nil {
			tmp = make([]byte, bs)
		}
		if _, err := d.ops.ReadBlock(tmp, block, 1); err != nil {
			return written, err
		}
		c := copy(tmp[inBlock:], p)
		if _, err := d.ops.WriteBlock(tmp, block, 1); err != nil {
			return written, err
		}
		written += c
		offset += int64(c)
		p = p[c:]
	}
	return written, nil
}

// Registry holds the registered devices.
type Registry struct {
	mu   sync.Mutex
	devs map[string]*Device
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{devs: make(map[string]*Device)}
}

// Register adds d under its name.
func (r *Registry) Register(d *Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devs[d.Name]; ok {
		return fmt.Errorf("%w: %q", ErrExists, d.Name)
	}
	r.devs[d.Name] = d
	return nil
}

// Unregister removes the device called name.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devs[name]; !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	delete(r.devs, name)
	return nil
}

// Open returns the device called name.
func (r *Registry) Open(name string) (*Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.devs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return d, nil
}

// Names returns the registered device names in order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.devs))
	for name := range r.devs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
