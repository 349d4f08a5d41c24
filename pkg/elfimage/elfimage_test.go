package elfimage

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"strings"
	"testing"
)

// buildELF assembles a minimal valid ELF32-LSB file with one PT_LOAD
// segment and one matching SHT_PROGBITS/SHF_ALLOC section, both pointing
// at the same payload bytes, plus a trailing shstrtab section.
func buildELF(t *testing.T, addr uint32, payload []byte) []byte {
	t.Helper()
	return buildELFWithMemsz(t, addr, payload, uint32(len(payload)))
}

// buildELFWithMemsz is buildELF with the PT_LOAD segment's Memsz set
// independently of the payload length, so a segment with Memsz > Filesz
// (a BSS tail) can be exercised.
func buildELFWithMemsz(t *testing.T, addr uint32, payload []byte, memsz uint32) []byte {
	t.Helper()

	const (
		ehdrSize = 52
		phdrSize = 32
		shdrSize = 40
	)

	shstrtab := []byte("\x00.text\x00.shstrtab\x00")
	textNameOff := uint32(1)
	shstrNameOff := uint32(7)

	payloadOff := uint32(ehdrSize + phdrSize)
	shstrtabOff := payloadOff + uint32(len(payload))
	shoff := shstrtabOff + uint32(len(shstrtab))

	var buf bytes.Buffer

	// e_ident
	buf.Write([]byte{0x7F, 'E', 'L', 'F', 1, 1, 1, 0})
	buf.Write(make([]byte, 8))

	type ehdr struct {
		Type, Machine   uint16
		Version         uint32
		Entry, Phoff    uint32
		Shoff           uint32
		Flags           uint32
		Ehsize          uint16
		Phentsize, Phnum uint16
		Shentsize, Shnum uint16
		Shstrndx        uint16
	}
	h := ehdr{
		Type: uint16(elf.ET_EXEC), Machine: 0, Version: 1,
		Entry: addr, Phoff: ehdrSize, Shoff: shoff, Flags: 0,
		Ehsize: ehdrSize, Phentsize: phdrSize, Phnum: 1,
		Shentsize: shdrSize, Shnum: 3, Shstrndx: 2,
	}
	binary.Write(&buf, binary.LittleEndian, h)

	type phdr struct {
		Type              uint32
		Off, Vaddr, Paddr uint32
		Filesz, Memsz     uint32
		Flags, Align      uint32
	}
	binary.Write(&buf, binary.LittleEndian, phdr{
		Type: uint32(elf.PT_LOAD), Off: payloadOff, Vaddr: addr, Paddr: addr,
		Filesz: uint32(len(payload)), Memsz: memsz, Flags: 5, Align: 1,
	})

	buf.Write(payload)
	buf.Write(shstrtab)

	type shdr struct {
		Name, Type        uint32
		Flags, Addr, Off  uint32
		Size, Link, Info  uint32
		Addralign, Entsize uint32
	}
	// Section 0: null section.
	binary.Write(&buf, binary.LittleEndian, shdr{})
	// Section 1: .text, SHT_PROGBITS | SHF_ALLOC.
	binary.Write(&buf, binary.LittleEndian, shdr{
		Name: textNameOff, Type: uint32(elf.SHT_PROGBITS), Flags: uint32(elf.SHF_ALLOC),
		Addr: addr, Off: payloadOff, Size: uint32(len(payload)), Addralign: 1,
	})
	// Section 2: .shstrtab, SHT_STRTAB.
	binary.Write(&buf, binary.LittleEndian, shdr{
		Name: shstrNameOff, Type: uint32(elf.SHT_STRTAB),
		Off: shstrtabOff, Size: uint32(len(shstrtab)), Addralign: 1,
	})

	return buf.Bytes()
}

type fakeSink struct {
	blocks []block
}

type block struct {
	Address uint32
	Data    []byte
}

func (s *fakeSink) Process(address uint32, data []byte) error {
	s.blocks = append(s.blocks, block{Address: address, Data: append([]byte(nil), data...)})
	return nil
}

func (s *fakeSink) Reserve(address uint32, size int) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = 0xFF
	}
	s.blocks = append(s.blocks, block{Address: address, Data: data})
	return s.blocks[len(s.blocks)-1].Data
}

// buildELFBadBounds is buildELFWithMemsz but lets the caller lie about the
// PT_LOAD program header's Filesz and the .text section header's Size,
// without changing how many bytes are actually written to the file, so
// Open's offset/size bounds checks can be exercised.
func buildELFBadBounds(t *testing.T, addr uint32, payload []byte, progFilesz, secSize uint32) []byte {
	t.Helper()

	const (
		ehdrSize = 52
		phdrSize = 32
		shdrSize = 40
	)

	shstrtab := []byte("\x00.text\x00.shstrtab\x00")
	textNameOff := uint32(1)
	shstrNameOff := uint32(7)

	payloadOff := uint32(ehdrSize + phdrSize)
	shstrtabOff := payloadOff + uint32(len(payload))
	shoff := shstrtabOff + uint32(len(shstrtab))

	var buf bytes.Buffer

	buf.Write([]byte{0x7F, 'E', 'L', 'F', 1, 1, 1, 0})
	buf.Write(make([]byte, 8))

	type ehdr struct {
		Type, Machine    uint16
		Version          uint32
		Entry, Phoff     uint32
		Shoff            uint32
		Flags            uint32
		Ehsize           uint16
		Phentsize, Phnum uint16
		Shentsize, Shnum uint16
		Shstrndx         uint16
	}
	h := ehdr{
		Type: uint16(elf.ET_EXEC), Machine: 0, Version: 1,
		Entry: addr, Phoff: ehdrSize, Shoff: shoff, Flags: 0,
		Ehsize: ehdrSize, Phentsize: phdrSize, Phnum: 1,
		Shentsize: shdrSize, Shnum: 3, Shstrndx: 2,
	}
	binary.Write(&buf, binary.LittleEndian, h)

	type phdr struct {
		Type              uint32
		Off, Vaddr, Paddr uint32
		Filesz, Memsz     uint32
		Flags, Align      uint32
	}
	binary.Write(&buf, binary.LittleEndian, phdr{
		Type: uint32(elf.PT_LOAD), Off: payloadOff, Vaddr: addr, Paddr: addr,
		Filesz: progFilesz, Memsz: progFilesz, Flags: 5, Align: 1,
	})

	buf.Write(payload)
	buf.Write(shstrtab)

	type shdr struct {
		Name, Type         uint32
		Flags, Addr, Off   uint32
		Size, Link, Info   uint32
		Addralign, Entsize uint32
	}
	binary.Write(&buf, binary.LittleEndian, shdr{})
	binary.Write(&buf, binary.LittleEndian, shdr{
		Name: textNameOff, Type: uint32(elf.SHT_PROGBITS), Flags: uint32(elf.SHF_ALLOC),
		Addr: addr, Off: payloadOff, Size: secSize, Addralign: 1,
	})
	binary.Write(&buf, binary.LittleEndian, shdr{
		Name: shstrNameOff, Type: uint32(elf.SHT_STRTAB),
		Off: shstrtabOff, Size: uint32(len(shstrtab)), Addralign: 1,
	})

	return buf.Bytes()
}

func TestOpenRejectsOutOfBoundsHeaders(t *testing.T) {
	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	// Both the program header's Filesz and the section header's Size
	// claim far more bytes than the file actually contains.
	data := buildELFBadBounds(t, 0x1000, payload, uint32(len(payload))+1000, uint32(len(payload))+2000)

	_, err := Open(data)
	if err == nil {
		t.Fatal("expected error for out-of-bounds program/section headers, got nil")
	}
	if !strings.Contains(err.Error(), "program header") {
		t.Errorf("error %q does not mention the program header violation", err)
	}
	if !strings.Contains(err.Error(), "section header") {
		t.Errorf("error %q does not mention the section header violation", err)
	}
}

func TestOpenRejectsBadMagic(t *testing.T) {
	_, err := Open([]byte("not an elf file"))
	if err == nil {
		t.Fatal("expected error for invalid ELF header, got nil")
	}
}

func TestLoadSegments(t *testing.T) {
	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	data := buildELF(t, 0x1000, payload)

	f, err := Open(data)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	var sink fakeSink
	if err := f.LoadSegments(&sink); err != nil {
		t.Fatalf("LoadSegments: %v", err)
	}
	if len(sink.blocks) != 1 {
		t.Fatalf("len(blocks) = %d, want 1", len(sink.blocks))
	}
	if sink.blocks[0].Address != 0x1000 {
		t.Errorf("Address = %#x, want 0x1000", sink.blocks[0].Address)
	}
	if string(sink.blocks[0].Data) != string(payload) {
		t.Errorf("Data = %v, want %v", sink.blocks[0].Data, payload)
	}
}

func TestLoadSegmentsBSSTailIsIdleFilled(t *testing.T) {
	payload := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	data := buildELFWithMemsz(t, 0x1000, payload, uint32(len(payload))+4)

	f, err := Open(data)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	var sink fakeSink
	if err := f.LoadSegments(&sink); err != nil {
		t.Fatalf("LoadSegments: %v", err)
	}
	if len(sink.blocks) != 1 {
		t.Fatalf("len(blocks) = %d, want 1", len(sink.blocks))
	}
	got := sink.blocks[0].Data
	if len(got) != len(payload)+4 {
		t.Fatalf("len(Data) = %d, want %d (memsz)", len(got), len(payload)+4)
	}
	if string(got[:len(payload)]) != string(payload) {
		t.Errorf("Data[:len(payload)] = %v, want %v", got[:len(payload)], payload)
	}
	for i := len(payload); i < len(got); i++ {
		if got[i] != 0xFF {
			t.Errorf("Data[%d] = %#x, want 0xFF (idle-filled BSS tail)", i, got[i])
		}
	}
}

func TestLoadSections(t *testing.T) {
	payload := []byte{1, 2, 3}
	data := buildELF(t, 0x2000, payload)

	f, err := Open(data)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	var sink fakeSink
	if err := f.LoadSections(&sink); err != nil {
		t.Fatalf("LoadSections: %v", err)
	}
	if len(sink.blocks) != 1 {
		t.Fatalf("len(blocks) = %d, want 1", len(sink.blocks))
	}
	if sink.blocks[0].Address != 0x2000 {
		t.Errorf("Address = %#x, want 0x2000", sink.blocks[0].Address)
	}
}

func TestSectionsListsNames(t *testing.T) {
	data := buildELF(t, 0x100, []byte{0xAA})
	f, err := Open(data)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	names := f.Sections()
	found := false
	for _, n := range names {
		if n == ".text" {
			found = true
		}
	}
	if !found {
		t.Errorf("Sections() = %v, want it to include .text", names)
	}
}
