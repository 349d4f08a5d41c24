// Package fwimage assembles the sparse, address-tagged byte blocks produced
// by ihex/elfimage decoders into a minimal set of contiguous Sections ready
// for the programmer's flash planner.
//
// Sections are built incrementally: every call to Image.Process absorbs one
// more block, merging it into an existing Section when the two touch,
// rejecting it as Overlap when the two overlap, or starting a new Section
// otherwise. A single absorption can make
// a Section newly adjacent to one that was already present (for instance
// when blocks for the same run of flash arrive out of address order), so
// Process keeps merging until no two Sections touch.
package fwimage

import (
	"sort"

	"github.com/pic18boot/netboot/pkg/neterr"
)

// MemoryBlock is one contiguous, address-tagged run of bytes as read from
// an Intel HEX record or an ELF segment/section.
type MemoryBlock struct {
	Address uint32
	Data    []byte
}

// EndAddress returns the address one past the last byte of the block.
func (b MemoryBlock) EndAddress() uint32 {
	return b.Address + uint32(len(b.Data))
}

// Section is a contiguous run of image bytes, built by merging one or more
// MemoryBlocks that touch.
type Section struct {
	Address uint32
	Data    []byte
}

// EndAddress returns the address one past the last byte of the section.
func (s *Section) EndAddress() uint32 {
	return s.Address + uint32(len(s.Data))
}

// touches reports whether the half-open range [addr, end) touches or
// overlaps this section, i.e. shares at least a boundary with it.
func (s *Section) touches(addr, end uint32) bool {
	return end >= s.Address && addr <= s.EndAddress()
}

// joinableBlock reports whether block touches or overlaps s.
func (s *Section) joinableBlock(block MemoryBlock) bool {
	return s.touches(block.Address, block.EndAddress())
}

// joinableSection reports whether other touches or overlaps s. Both
// sections being the same pointer is never joinable with itself.
func (s *Section) joinableSection(other *Section) bool {
	if other == s {
		return false
	}
	return s.touches(other.Address, other.EndAddress())
}

// addBlock merges block into the section. block must end exactly where s
// starts or start exactly where s ends; any other block, including every
// block that shares an address with s, is rejected as Overlap since the
// two data sources disagree about what belongs at the overlapping
// addresses.
func (s *Section) addBlock(block MemoryBlock) error {
	switch {
	case block.EndAddress() == s.Address:
		s.Data = append(append([]byte(nil), block.Data...), s.Data...)
		s.Address = block.Address
	case block.Address == s.EndAddress():
		s.Data = append(s.Data, block.Data...)
	default:
		return neterr.New(neterr.Overlap, "fwimage.Section.addBlock", "overlapping memory blocks")
	}
	return nil
}

// addSection merges other into s, in place. other must touch s at exactly
// one edge.
func (s *Section) addSection(other *Section) error {
	switch {
	case other.EndAddress() == s.Address:
		s.Data = append(append([]byte(nil), other.Data...), s.Data...)
		s.Address = other.Address
	case other.Address == s.EndAddress():
		s.Data = append(s.Data, other.Data...)
	default:
		return neterr.New(neterr.Overlap, "fwimage.Section.addSection", "overlapping memory blocks")
	}
	return nil
}

// Image accumulates MemoryBlocks into a minimal set of non-touching
// Sections, in the order blocks were absorbed.
type Image struct {
	sections []*Section
}

// Process absorbs one more block of image data. Empty blocks are ignored.
//
// Process first finds a Section that touches or overlaps the new block and
// merges the block into it, failing with Overlap if the two overlap; if no
// Section qualifies, the block becomes a new Section. Because merging can
// make the affected Section newly adjacent to another already-present
// Section (for example when a gap between two Sections is filled by this
// call), Process then repeatedly looks for and absorbs any other Section
// that now touches it, so Image never ends a successful Process call
// holding two touching Sections. A merged Section that overlaps another
// Section also fails with Overlap.
func (img *Image) Process(address uint32, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	block := MemoryBlock{Address: address, Data: data}

	for _, sect := range img.sections {
		if !sect.joinableBlock(block) {
			continue
		}
		if err := sect.addBlock(block); err != nil {
			return err
		}
		return img.absorbNeighbors(sect)
	}

	img.sections = append(img.sections, &Section{
		Address: block.Address,
		Data:    append([]byte(nil), block.Data...),
	})
	return nil
}

// absorbNeighbors repeatedly merges any Section touching sect into sect,
// removing the merged Section from img.sections, until none remain. It
// fails with Overlap, leaving the overlapping Section in place, when sect
// now overlaps another Section instead of merely touching it.
func (img *Image) absorbNeighbors(sect *Section) error {
	for {
		merged := false
		for i, other := range img.sections {
			if !sect.joinableSection(other) {
				continue
			}
			if err := sect.addSection(other); err != nil {
				return err
			}
			img.sections = append(img.sections[:i], img.sections[i+1:]...)
			merged = true
			break
		}
		if !merged {
			return nil
		}
	}
}

// Reserve allocates a fresh Section of size bytes starting at address,
// idle-filled (0xFF) the way unprogrammed flash reads, and returns its
// backing slice for the caller to fill in place. This is how a PT_LOAD
// segment with memsz > filesz is represented: the loader fills only the
// first filesz bytes of the returned slice, leaving the BSS tail at its
// idle value instead of dropping it from the Image entirely.
func (img *Image) Reserve(address uint32, size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = 0xFF
	}
	sect := &Section{Address: address, Data: data}
	img.sections = append(img.sections, sect)
	return sect.Data
}

// Sort orders the sections by ascending address, as required before
// planning a program/erase sequence.
func (img *Image) Sort() {
	sort.Slice(img.sections, func(i, j int) bool {
		return img.sections[i].Address < img.sections[j].Address
	})
}

// Sections returns the image's sections in their current order. The
// returned slice aliases the Image's internal storage and must not be
// mutated; call Sort beforehand for address order.
func (img *Image) Sections() []*Section {
	return img.sections
}
