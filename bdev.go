package qflash

import "github.com/gentam/qflash/bio"

var _ bio.Ops = (*Device)(nil)

// Ioctl is not supported.
func (d *Device) Ioctl(request int, arg any) error {
	return ErrNotImplemented
}

// Geometry returns the erase geometry: the whole chip in subsector units.
func (d *Device) Geometry() bio.EraseGeometry {
	return bio.NewEraseGeometry(0, int64(d.part.Size), int64(d.part.SubsectorSize))
}

// BlockDevice describes d as a block device of pages erasing to 0xff.
func (d *Device) BlockDevice() (*bio.Device, error) {
	bd, err := bio.NewDevice(d.cfg.Name, uint32(d.part.PageSize), d.blockCount(), []bio.EraseGeometry{d.Geometry()}, d)
	if err != nil {
		return nil, err
	}
	bd.EraseByte = 0xff
	return bd, nil
}

// Register registers d with r under its configured name.
func (d *Device) Register(r *bio.Registry) (*bio.Device, error) {
	bd, err := d.BlockDevice()
	if err != nil {
		return nil, err
	}
	if err := r.Register(bd); err != nil {
		return nil, err
	}
	d.logger(ComponentBdev).Info("registered", "block_size", bd.BlockSize, "blocks", bd.BlockCount)
	return bd, nil
}
