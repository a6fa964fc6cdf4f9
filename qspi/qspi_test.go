package qspi

import "testing"

func TestFlashSizeField(t *testing.T) {
	tests := []struct {
		bytes int
		want  uint8
	}{
		{2, 0},
		{4 << 20, 21},
		{16 << 20, 23},
	}
	for _, tt := range tests {
		got := FlashSizeField(tt.bytes)
		if got != tt.want {
			t.Errorf("FlashSizeField(%d) = %d, want %d", tt.bytes, got, tt.want)
		}
		if n := (Config{FlashSize: got}).FlashBytes(); n != tt.bytes {
			t.Errorf("FlashBytes() = %d, want %d", n, tt.bytes)
		}
	}
}

func TestAutoPollMatches(t *testing.T) {
	tests := []struct {
		name   string
		poll   AutoPoll
		status uint32
		want   bool
	}{
		{"and set", AutoPoll{Match: 0x02, Mask: 0x02}, 0x02, true},
		{"and set extra bits", AutoPoll{Match: 0x02, Mask: 0x02}, 0xff, true},
		{"and unset", AutoPoll{Match: 0x02, Mask: 0x02}, 0x01, false},
		{"and clear", AutoPoll{Match: 0, Mask: 0x01}, 0x02, true},
		{"and busy", AutoPoll{Match: 0, Mask: 0x01}, 0x03, false},
		{"or one of two", AutoPoll{Match: 0x03, Mask: 0x03, MatchMode: MatchOR}, 0x01, true},
		{"or none", AutoPoll{Match: 0x03, Mask: 0x03, MatchMode: MatchOR}, 0x00, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.poll.Matches(tt.status); got != tt.want {
				t.Errorf("Matches(%#x) = %v, want %v", tt.status, got, tt.want)
			}
		})
	}
}

func TestCommandBuilders(t *testing.T) {
	base := Instruction(0xEB)
	read := base.WithAddress(Lines4, Address24Bits, 0x123456).WithDummy(10).WithData(Lines4, DirRead, 64)

	if base.HasAddress() || base.HasData() || base.DummyCycles != 0 {
		t.Errorf("builder modified the base command: %v", base)
	}
	if !read.HasAddress() || !read.HasData() {
		t.Fatalf("read command lost phases: %v", read)
	}
	if read.Address != 0x123456 || read.AddressSize.Bytes() != 3 || read.Length != 64 {
		t.Errorf("unexpected read command: %v", read)
	}
	if got, want := read.String(), "0xeb/1 addr=0x123456/4 dummy=10 read=64/4"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

func TestStatusString(t *testing.T) {
	if got := Timeout.String(); got != "TIMEOUT" {
		t.Errorf("Timeout.String() = %q", got)
	}
	if got := Status(9).String(); got != "Status(9)" {
		t.Errorf("Status(9).String() = %q", got)
	}
}
