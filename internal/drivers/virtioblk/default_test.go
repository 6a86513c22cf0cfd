package virtioblk

import (
	"bytes"
	"errors"
	"testing"
)

func TestDefaultControllerUnset(t *testing.T) {
	SetDefault(nil)

	if IsInitialized() || Capacity() != 0 || !IsReadOnly() {
		t.Fatal("package API must report an absent device")
	}
	if err := Init(fakePCI(0)); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("Init without controller: %v", err)
	}
	if err := ReadSectors(0, 1, make([]byte, SectorSize)); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("ReadSectors without controller: %v", err)
	}
	if err := WriteSectors(0, 1, make([]byte, SectorSize)); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("WriteSectors without controller: %v", err)
	}
	var sector [SectorSize]byte
	if err := ReadSector(0, &sector); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("ReadSector without controller: %v", err)
	}
	if err := WriteSector(0, &sector); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("WriteSector without controller: %v", err)
	}
	if GetStats() != (Stats{}) {
		t.Fatal("stats without controller must be zero")
	}
	HandleInterrupt()
}

func TestDefaultController(t *testing.T) {
	s := newTestStack(t, stackConfig{sectors: 32, line: stackLine})
	SetDefault(s.ctrl)
	t.Cleanup(func() { SetDefault(nil) })

	if err := Init(s.pci); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if Default() != s.ctrl || !IsInitialized() || Capacity() != 32 || IsReadOnly() {
		t.Fatal("package API does not reflect the default controller")
	}

	data := bytes.Repeat([]byte{0x7E}, SectorSize)
	if err := WriteSectors(31, 1, data); err != nil {
		t.Fatalf("WriteSectors: %v", err)
	}
	got := make([]byte, SectorSize)
	if err := ReadSectors(31, 1, got); err != nil {
		t.Fatalf("ReadSectors: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("read back differs")
	}
	var sector [SectorSize]byte
	sector[0] = 0x11
	if err := WriteSector(0, &sector); err != nil {
		t.Fatalf("WriteSector: %v", err)
	}
	sector[0] = 0
	if err := ReadSector(0, &sector); err != nil || sector[0] != 0x11 {
		t.Fatalf("ReadSector: err=%v first=0x%x", err, sector[0])
	}
	if st := GetStats(); st.Reads != 2 || st.Writes != 2 {
		t.Fatalf("stats %+v", st)
	}
	if err := ReadSectors(32, 1, got); !errors.Is(err, ErrReadBeyondCapacity) {
		t.Fatalf("expected ErrReadBeyondCapacity, got %v", err)
	}
}
