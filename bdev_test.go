package qflash

import (
	"bytes"
	"errors"
	"testing"

	"github.com/gentam/qflash/bio"
)

func TestRegister(t *testing.T) {
	d, _ := newSim(t, &Config{Name: "nor0"})
	r := bio.NewRegistry()

	bd, err := d.Register(r)
	if err != nil {
		t.Fatal(err)
	}
	if bd.BlockSize != 256 || bd.BlockCount != 1<<16 || bd.Size() != 16<<20 || bd.EraseByte != 0xff {
		t.Errorf("unexpected block device: %+v", bd)
	}
	if len(bd.Geometry) != 1 || bd.Geometry[0].EraseSize != 4<<10 {
		t.Errorf("geometry = %+v", bd.Geometry)
	}
	if _, err := d.Register(r); !errors.Is(err, bio.ErrExists) {
		t.Errorf("second Register: got %v, want ErrExists", err)
	}

	got, err := r.Open("nor0")
	if err != nil || got != bd {
		t.Fatalf("Open = %v, %v", got, err)
	}
	if err := got.Ioctl(0, nil); !errors.Is(err, ErrNotImplemented) {
		t.Errorf("Ioctl: got %v, want ErrNotImplemented", err)
	}
}

func TestBlockDeviceWrite(t *testing.T) {
	d, _ := newSim(t, nil)
	bd, err := d.BlockDevice()
	if err != nil {
		t.Fatal(err)
	}

	data := pattern(600, 11)
	n, err := bd.Write(data, 0x80)
	if err != nil || n != len(data) {
		t.Fatalf("Write = %d, %v", n, err)
	}
	got := make([]byte, 0x80+len(data)+0x40)
	if _, err := bd.Read(got, 0); err != nil {
		t.Fatal(err)
	}
	want := append(append(bytes.Repeat([]byte{0xff}, 0x80), data...), bytes.Repeat([]byte{0xff}, 0x40)...)
	if !bytes.Equal(got, want) {
		t.Error("read back differs")
	}

	if n, err := bd.Erase(0, 0x1000); err != nil || n != 0x1000 {
		t.Fatalf("Erase = %d, %v", n, err)
	}
	if _, err := bd.Read(got, 0); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, bytes.Repeat([]byte{0xff}, len(got))) {
		t.Error("erased range not blank")
	}
}
