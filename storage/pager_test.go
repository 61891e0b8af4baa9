package storage

import (
	"bytes"
	"path/filepath"
	"testing"
)

func tempPagerPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "test.kdb")
}

func TestPagerFileGrowReadWrite(t *testing.T) {
	p, err := OpenFile(tempPagerPath(t), HeaderSize, true, false)
	_ = p
	if err == nil {
		t.Fatalf("expected error opening missing file without create")
	}

	path := tempPagerPath(t)
	p, err = OpenFile(path, HeaderSize, false, true)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer p.Close()

	start, err := p.AllocatePages(2)
	if err != nil {
		t.Fatalf("AllocatePages: %v", err)
	}
	if start != 0 {
		t.Fatalf("expected first page 0, got %d", start)
	}
	if p.TotalPages() != 2 {
		t.Fatalf("expected 2 total pages, got %d", p.TotalPages())
	}

	payload := bytes.Repeat([]byte{0xAB}, int(HeaderSize))
	if err := p.WritePage(1, payload); err != nil {
		t.Fatalf("WritePage: %v", err)
	}
	got, err := p.ReadPage(1)
	if err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("page round-trip mismatch")
	}
}

func TestPagerMemoryBacked(t *testing.T) {
	p := OpenMemory(HeaderSize)
	defer p.Close()

	if _, err := p.AllocatePages(3); err != nil {
		t.Fatalf("AllocatePages: %v", err)
	}
	payload := bytes.Repeat([]byte{0x42}, int(HeaderSize))
	if err := p.WritePage(2, payload); err != nil {
		t.Fatalf("WritePage: %v", err)
	}
	view, err := p.MmapRange(2, 1)
	if err != nil {
		t.Fatalf("MmapRange: %v", err)
	}
	if !bytes.Equal(view, payload) {
		t.Fatalf("MmapRange mismatch")
	}
}

func TestPagerReadOnlyRejectsWrites(t *testing.T) {
	path := tempPagerPath(t)
	p, err := OpenFile(path, HeaderSize, false, true)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	if _, err := p.AllocatePages(1); err != nil {
		t.Fatalf("AllocatePages: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	ro, err := OpenFile(path, HeaderSize, true, false)
	if err != nil {
		t.Fatalf("OpenFile readonly: %v", err)
	}
	defer ro.Close()
	if err := ro.WritePage(0, make([]byte, HeaderSize)); err == nil {
		t.Fatalf("expected write to fail on read-only pager")
	}
}

func TestHeaderEncodeDecodeRoundTrip(t *testing.T) {
	h := &Header{
		FormatVersion:     FormatVersion,
		PageSize:          4096,
		DBSizePages:       10,
		ActiveSnapshotGen: 7,
		SnapshotStartPage: 3,
		SnapshotPageCount: 4,
		WALStartPage:      7,
		WALPageCount:      2,
		ActiveWALRegion:   RegionPrimary,
		MaxNodeID:         99,
		NextTxID:          100,
		ChangeCounter:     1234,
	}
	buf := h.Encode()
	if len(buf) != HeaderSize {
		t.Fatalf("expected %d bytes, got %d", HeaderSize, len(buf))
	}
	got, err := DecodeHeader(buf)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if got.ActiveSnapshotGen != h.ActiveSnapshotGen || got.NextTxID != h.NextTxID {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, h)
	}
}

func TestHeaderDecodeRejectsCorruption(t *testing.T) {
	h := &Header{FormatVersion: FormatVersion, PageSize: 4096}
	buf := h.Encode()
	buf[100] ^= 0xFF
	if _, err := DecodeHeader(buf); err == nil {
		t.Fatalf("expected CRC mismatch error")
	}
}
