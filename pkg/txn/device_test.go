package txn

import (
	"os"
	"path/filepath"
	"testing"
)

func TestFileDeviceReadsZeroesPastEOF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dev.img")
	d, err := OpenFileDevice(path, 512, true)
	if err != nil {
		t.Fatalf("OpenFileDevice: %v", err)
	}
	defer d.Close()

	buf, err := d.ReadBlock(3, 512)
	if err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	for i, b := range buf {
		if b != 0 {
			t.Fatalf("byte %d = %d, want 0 on a freshly created device", i, b)
		}
	}
}

func TestFileDeviceWriteThenReadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dev.img")
	d, err := OpenFileDevice(path, 512, true)
	if err != nil {
		t.Fatalf("OpenFileDevice: %v", err)
	}
	defer d.Close()

	want := make([]byte, 512)
	for i := range want {
		want[i] = byte(i)
	}
	if err := d.WriteBlock(7, want); err != nil {
		t.Fatalf("WriteBlock: %v", err)
	}
	got, err := d.ReadBlock(7, 512)
	if err != nil {
		t.Fatalf("ReadBlock: %v", err)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("byte %d = %d, want %d", i, got[i], want[i])
		}
	}

	if err := d.Truncate(1 << 20); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if fi.Size() != 1<<20 {
		t.Fatalf("size after Truncate = %d, want %d", fi.Size(), 1<<20)
	}
}
