package fwimage

import (
	"errors"
	"testing"

	"github.com/pic18boot/netboot/pkg/neterr"
)

func TestImageSingleBlock(t *testing.T) {
	var img Image
	if err := img.Process(0x100, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("Process: %v", err)
	}
	sections := img.Sections()
	if len(sections) != 1 {
		t.Fatalf("len(Sections()) = %d, want 1", len(sections))
	}
	if sections[0].Address != 0x100 {
		t.Errorf("Address = %#x, want 0x100", sections[0].Address)
	}
}

func TestImageAdjacentBlocksMerge(t *testing.T) {
	var img Image
	must(t, img.Process(0x100, []byte{1, 2}))
	must(t, img.Process(0x102, []byte{3, 4}))

	sections := img.Sections()
	if len(sections) != 1 {
		t.Fatalf("len(Sections()) = %d, want 1", len(sections))
	}
	want := []byte{1, 2, 3, 4}
	if string(sections[0].Data) != string(want) {
		t.Errorf("Data = %v, want %v", sections[0].Data, want)
	}
}

func TestImagePrependMerge(t *testing.T) {
	var img Image
	must(t, img.Process(0x102, []byte{3, 4}))
	must(t, img.Process(0x100, []byte{1, 2}))

	sections := img.Sections()
	if len(sections) != 1 {
		t.Fatalf("len(Sections()) = %d, want 1", len(sections))
	}
	if sections[0].Address != 0x100 {
		t.Errorf("Address = %#x, want 0x100", sections[0].Address)
	}
	want := []byte{1, 2, 3, 4}
	if string(sections[0].Data) != string(want) {
		t.Errorf("Data = %v, want %v", sections[0].Data, want)
	}
}

// TestImageBridgingMerge is the regression test for the bridging-merge fix:
// a block that fills the gap between two already-disjoint Sections must
// leave a single coalesced Section behind, not the first Section extended
// while a second, now-adjacent Section lingers unmerged.
func TestImageBridgingMerge(t *testing.T) {
	var img Image
	must(t, img.Process(0x100, []byte{1, 2})) // [0x100, 0x102)
	must(t, img.Process(0x104, []byte{5, 6})) // [0x104, 0x106), disjoint from the first
	must(t, img.Process(0x102, []byte{3, 4})) // bridges the gap

	sections := img.Sections()
	if len(sections) != 1 {
		t.Fatalf("len(Sections()) = %d, want 1 (got %d sections, bridging merge did not coalesce)", len(sections), len(sections))
	}
	if sections[0].Address != 0x100 {
		t.Errorf("Address = %#x, want 0x100", sections[0].Address)
	}
	want := []byte{1, 2, 3, 4, 5, 6}
	if string(sections[0].Data) != string(want) {
		t.Errorf("Data = %v, want %v", sections[0].Data, want)
	}
}

// TestImageBridgingMergeThreeWay extends the bridging case to three
// pre-existing disjoint Sections, coalesced by two incoming blocks that
// each fill one of the gaps between them.
func TestImageBridgingMergeThreeWay(t *testing.T) {
	var img Image
	must(t, img.Process(0x000, []byte{0xAA}))       // [0, 1)
	must(t, img.Process(0x010, []byte{0xBB}))       // [0x10, 0x11)
	must(t, img.Process(0x020, []byte{0xCC}))       // [0x20, 0x21)
	must(t, img.Process(0x001, make([]byte, 0x0F))) // fills [1, 0x10): bridges the first two
	must(t, img.Process(0x011, make([]byte, 0x0F))) // fills [0x11, 0x20): bridges to the third

	sections := img.Sections()
	if len(sections) != 1 {
		t.Fatalf("len(Sections()) = %d, want 1", len(sections))
	}
	if sections[0].Address != 0 || sections[0].EndAddress() != 0x21 {
		t.Errorf("merged range = [%#x, %#x), want [0x0, 0x21)", sections[0].Address, sections[0].EndAddress())
	}
}

func TestImageOverlapIsError(t *testing.T) {
	var img Image
	must(t, img.Process(0x100, []byte{1, 2, 3, 4}))

	err := img.Process(0x101, []byte{0xFF, 0xFF})
	if err == nil {
		t.Fatal("expected overlap error, got nil")
	}
	var nerr *neterr.Error
	if !errors.As(err, &nerr) || nerr.Kind != neterr.Overlap {
		t.Errorf("got %v, want an Overlap error", err)
	}
}

func TestImageSortOrdersByAddress(t *testing.T) {
	var img Image
	must(t, img.Process(0x200, []byte{1}))
	must(t, img.Process(0x000, []byte{2}))
	must(t, img.Process(0x100, []byte{3}))

	img.Sort()
	sections := img.Sections()
	for i := 1; i < len(sections); i++ {
		if sections[i-1].Address > sections[i].Address {
			t.Fatalf("sections not sorted: %#x before %#x", sections[i-1].Address, sections[i].Address)
		}
	}
}

func TestImageReserve(t *testing.T) {
	var img Image
	buf := img.Reserve(0x1F000, 4)
	copy(buf, []byte{0xDE, 0xAD, 0xBE, 0xEF})

	sections := img.Sections()
	if len(sections) != 1 {
		t.Fatalf("len(Sections()) = %d, want 1", len(sections))
	}
	if sections[0].Address != 0x1F000 {
		t.Errorf("Address = %#x, want 0x1F000", sections[0].Address)
	}
	want := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	if string(sections[0].Data) != string(want) {
		t.Errorf("Data = %v, want %v", sections[0].Data, want)
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
