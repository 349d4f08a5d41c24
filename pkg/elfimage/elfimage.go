// Package elfimage loads firmware images out of 32-bit little-endian ELF
// files, handing their loadable bytes to a fwimage.Image in either of two
// modes: by program header (PT_LOAD segments) or by section header
// (SHT_PROGBITS sections with SHF_ALLOC set).
package elfimage

import (
	"debug/elf"
	"fmt"
	"io"

	"github.com/hashicorp/go-multierror"
	"github.com/xaionaro-go/bytesextra"

	"github.com/pic18boot/netboot/pkg/neterr"
)

// Sink receives decoded image bytes in file order. fwimage.Image satisfies
// this interface.
type Sink interface {
	Process(address uint32, data []byte) error

	// Reserve allocates size idle-filled bytes at address and returns the
	// backing slice for the caller to fill in place, used by LoadSegments
	// to represent a PT_LOAD segment whose memsz exceeds its filesz.
	Reserve(address uint32, size int) []byte
}

// File wraps a validated ELF32-LSB file and exposes the two loading modes
// and two diagnostic readers for troubleshooting a bad image: the list of
// section names and the decoded symbol table. It has no reader for a
// string at a given string-table offset and does not return a named
// section's contents.
type File struct {
	ef *elf.File
}

// Open validates and wraps an ELF image already read into memory. Only
// ELFCLASS32/ELFDATA2LSB/EV_CURRENT files are accepted; anything else is
// rejected as Format, matching the reference loader's single upfront
// header check rather than trying to degrade gracefully.
func Open(data []byte) (*File, error) {
	ef, err := elf.NewFile(bytesextra.NewReadWriteSeeker(data))
	if err != nil {
		return nil, neterr.Wrap(neterr.Format, "elfimage.Open", err)
	}

	var merr *multierror.Error
	if ef.Class != elf.ELFCLASS32 {
		merr = multierror.Append(merr, fmt.Errorf("unsupported ELF class %v, want ELFCLASS32", ef.Class))
	}
	if ef.Data != elf.ELFDATA2LSB {
		merr = multierror.Append(merr, fmt.Errorf("unsupported ELF data encoding %v, want ELFDATA2LSB", ef.Data))
	}
	if ef.Version != elf.EV_CURRENT {
		merr = multierror.Append(merr, fmt.Errorf("unsupported ELF version %v", ef.Version))
	}

	fileSize := uint64(len(data))
	for i, prog := range ef.Progs {
		if prog.Off+prog.Filesz > fileSize {
			merr = multierror.Append(merr, fmt.Errorf("program header %d: offset %#x + filesz %#x exceeds file size %#x", i, prog.Off, prog.Filesz, fileSize))
		}
		if prog.Filesz > prog.Memsz {
			merr = multierror.Append(merr, fmt.Errorf("program header %d: filesz %#x exceeds memsz %#x", i, prog.Filesz, prog.Memsz))
		}
	}
	for i, sec := range ef.Sections {
		if sec.Type == elf.SHT_NOBITS {
			continue
		}
		if sec.Offset+sec.FileSize > fileSize {
			merr = multierror.Append(merr, fmt.Errorf("section header %d (%s): offset %#x + size %#x exceeds file size %#x", i, sec.Name, sec.Offset, sec.FileSize, fileSize))
		}
	}

	if err := merr.ErrorOrNil(); err != nil {
		return nil, neterr.Wrap(neterr.Format, "elfimage.Open", err)
	}

	return &File{ef: ef}, nil
}

// LoadSegments feeds every PT_LOAD program header with file content to
// sink, addressed by its physical address. Each segment reserves Memsz
// bytes and fills only the first Filesz of them from the file, so a
// segment with Memsz > Filesz (a BSS tail) is represented in the Image
// as idle-filled bytes rather than silently truncated at Filesz. Segments
// with Filesz == 0 are skipped, since they carry no file content.
func (f *File) LoadSegments(sink Sink) error {
	for _, prog := range f.ef.Progs {
		if prog.Type != elf.PT_LOAD || prog.Filesz == 0 {
			continue
		}
		buf := sink.Reserve(uint32(prog.Paddr), int(prog.Memsz))
		if prog.Filesz > 0 {
			if _, err := io.ReadFull(prog.Open(), buf[:prog.Filesz]); err != nil {
				return neterr.Wrap(neterr.Io, "elfimage.LoadSegments", err)
			}
		}
	}
	return nil
}

// LoadSections feeds every allocated SHT_PROGBITS section to sink,
// addressed by its virtual address.
func (f *File) LoadSections(sink Sink) error {
	for _, sec := range f.ef.Sections {
		if sec.Type != elf.SHT_PROGBITS || sec.Flags&elf.SHF_ALLOC == 0 {
			continue
		}
		data, err := sec.Data()
		if err != nil {
			return neterr.Wrap(neterr.Io, "elfimage.LoadSections", err)
		}
		if len(data) == 0 {
			continue
		}
		if err := sink.Process(uint32(sec.Addr), data); err != nil {
			return err
		}
	}
	return nil
}

// Sections returns the names of every section header, for diagnostics.
func (f *File) Sections() []string {
	names := make([]string, len(f.ef.Sections))
	for i, sec := range f.ef.Sections {
		names[i] = sec.Name
	}
	return names
}

// Symbols returns the ELF symbol table, for diagnostics. It returns
// ErrNoSymbols (wrapped as neterr.Format) when the file carries no symbol
// table, matching debug/elf's own sentinel.
func (f *File) Symbols() ([]elf.Symbol, error) {
	syms, err := f.ef.Symbols()
	if err != nil {
		return nil, neterr.Wrap(neterr.Format, "elfimage.Symbols", err)
	}
	return syms, nil
}
