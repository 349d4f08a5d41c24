package programmer

import (
	"context"
	"sort"

	"github.com/dustin/go-humanize"

	"github.com/pic18boot/netboot/pkg/device"
	"github.com/pic18boot/netboot/pkg/fwimage"
	"github.com/pic18boot/netboot/pkg/log"
)

// StepKind identifies what a planned Step does to the target.
type StepKind int

// Supported step kinds.
const (
	StepErase StepKind = iota
	StepWrite
)

// Step is one unit of work in a flash programming Plan: erase one page,
// or write one sector.
type Step struct {
	Kind    StepKind
	Address uint32
	Data    [device.WriteSize]byte // meaningful only when Kind == StepWrite
}

// Plan lays out the erase/write sequence needed to program sections onto
// flash. Sections need not be sorted on entry; Plan sorts a copy by
// address. Sections must not overlap, as the Sections of an fwimage.Image
// never do; Plan does not check this.
//
// Each flash page (device.EraseSize bytes) is erased at most once, and
// each write sector (device.WriteSize bytes) is written at most once, in
// ascending address order, with gaps inside a sector padded with idle
// bytes (0xFF) rather than left undefined.
func Plan(sections []*fwimage.Section) []Step {
	sorted := append([]*fwimage.Section(nil), sections...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Address < sorted[j].Address })

	var steps []Step
	var eraseEnd, sectorAddr, sectorEnd uint32
	var buffer [device.WriteSize]byte
	haveSector := false

	flush := func() {
		if haveSector {
			steps = append(steps, Step{Kind: StepWrite, Address: sectorAddr, Data: buffer})
		}
	}

	for _, sec := range sorted {
		data := sec.Data
		address := sec.Address
		end := sec.EndAddress()

		for address < end {
			if !haveSector || address >= sectorEnd {
				flush()

				sectorAddr = address &^ (device.WriteSize - 1)
				sectorEnd = sectorAddr + device.WriteSize
				for i := range buffer {
					buffer[i] = 0xFF
				}
				haveSector = true

				if sectorAddr >= eraseEnd {
					eraseAddr := sectorAddr &^ (device.EraseSize - 1)
					steps = append(steps, Step{Kind: StepErase, Address: eraseAddr})
					eraseEnd = eraseAddr + device.EraseSize
				}
			}

			offset := address - sectorAddr
			n := min(device.WriteSize-offset, end-address)
			copy(buffer[offset:offset+n], data[:n])
			data = data[n:]
			address += n
		}
	}
	flush()

	return steps
}

// Progress reports how far a Program call has gotten, for a caller-
// supplied progress callback.
type Progress struct {
	Step      int
	Total     int
	Operation StepKind
	Address   uint32
}

// Program executes every Step of plan against p, in order, calling
// onProgress after each completed step if onProgress is non-nil.
func Program(ctx context.Context, p *Programmer, plan []Step, onProgress func(Progress)) error {
	for i, step := range plan {
		var err error
		switch step.Kind {
		case StepErase:
			err = p.Erase(ctx, step.Address)
		case StepWrite:
			err = p.Write(ctx, step.Address, step.Data)
		}
		if err != nil {
			return err
		}
		if onProgress != nil {
			onProgress(Progress{Step: i + 1, Total: len(plan), Operation: step.Kind, Address: step.Address})
		}
	}
	return nil
}

// LogProgress returns an onProgress callback for Program that reports each
// step to logger in human-readable form, e.g. "erase 3/12 @ 64 KiB".
func LogProgress(logger log.Logger) func(Progress) {
	return func(p Progress) {
		verb := "erase"
		if p.Operation == StepWrite {
			verb = "write"
		}
		logger.Infof("%s %d/%d @ %s", verb, p.Step, p.Total, humanize.IBytes(uint64(p.Address)))
	}
}
