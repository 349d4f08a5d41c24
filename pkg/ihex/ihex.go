// Package ihex decodes Intel HEX firmware images, handing each data record
// to a fwimage.Image in file order as it goes.
package ihex

import (
	"bufio"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/pic18boot/netboot/pkg/neterr"
)

// Record types, as they appear in the type field of an Intel HEX line.
const (
	recData         = 0x00
	recEOF          = 0x01
	recExtSegAddr   = 0x02
	recStartSegAddr = 0x03
	recExtLinAddr   = 0x04
	recStartLinAddr = 0x05
)

// minLength is the smallest legal decoded record: byte count, two address
// bytes, type, and checksum, with a zero-length payload.
const minLength = 5

// Sink receives decoded data records in file order. fwimage.Image
// satisfies this interface.
type Sink interface {
	Process(address uint32, data []byte) error
}

// StartAddress is the entry point recorded by an optional
// RT_START_SEG_ADDR/RT_START_LINEAR_ADDRESS record, if the file carries one.
type StartAddress struct {
	Address uint32
	Valid   bool
}

// Load reads an Intel HEX file from r, feeding every data record to sink in
// file order, and returns the file's recorded start address, if any.
//
// Lines that don't start with ':' (after trimming whitespace) are skipped
// rather than rejected, matching the tolerant line scan of the reference
// loader: some tools emit blank lines or comments between records.
func Load(r io.Reader, sink Sink) (StartAddress, error) {
	var (
		segment uint32 // base address contributed by an extended-address record
		start   StartAddress
		sawEOF  bool
	)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, ":") {
			continue
		}

		payload, err := decodeLine(line[1:])
		if err != nil {
			return start, err
		}

		count := int(payload[0])
		addr := uint32(payload[1])<<8 | uint32(payload[2])
		recType := payload[3]
		body := payload[4 : 4+count]

		switch recType {
		case recData:
			if err := sink.Process(segment+addr, body); err != nil {
				return start, err
			}

		case recEOF:
			if err := checkCount(count, 0); err != nil {
				return start, err
			}
			sawEOF = true

		case recExtSegAddr:
			if err := checkCount(count, 2); err != nil {
				return start, err
			}
			segment = (uint32(body[0])<<8 | uint32(body[1])) * 16

		case recStartSegAddr:
			if err := checkCount(count, 4); err != nil {
				return start, err
			}
			cs := (uint32(body[0])<<8 | uint32(body[1])) * 16
			ip := uint32(body[2])<<8 | uint32(body[3])
			start = StartAddress{Address: cs + ip, Valid: true}

		case recExtLinAddr:
			if err := checkCount(count, 2); err != nil {
				return start, err
			}
			segment = uint32(body[0])<<24 | uint32(body[1])<<16

		case recStartLinAddr:
			if err := checkCount(count, 4); err != nil {
				return start, err
			}
			start = StartAddress{
				Address: uint32(body[0])<<24 | uint32(body[1])<<16 | uint32(body[2])<<8 | uint32(body[3]),
				Valid:   true,
			}

		default:
			return start, neterr.New(neterr.Format, "ihex.Load", fmt.Sprintf("unknown record type %#x", recType))
		}

		if sawEOF {
			break
		}
	}

	if err := scanner.Err(); err != nil {
		return start, neterr.Wrap(neterr.Io, "ihex.Load", err)
	}
	if !sawEOF {
		return start, neterr.New(neterr.Format, "ihex.Load", "unexpected end of file, no RT_EOF record")
	}
	return start, nil
}

// decodeLine decodes the hex digits following the ':' into raw payload
// bytes and checks the record's checksum.
func decodeLine(digits string) ([]byte, error) {
	if len(digits)%2 != 0 {
		return nil, neterr.New(neterr.Format, "ihex.decodeLine", "invalid line length")
	}

	payload := make([]byte, hex.DecodedLen(len(digits)))
	if _, err := hex.Decode(payload, []byte(digits)); err != nil {
		return nil, neterr.Wrap(neterr.Format, "ihex.decodeLine", err)
	}
	if len(payload) < minLength {
		return nil, neterr.New(neterr.Format, "ihex.decodeLine", "invalid line length")
	}

	var checksum byte
	for _, b := range payload {
		checksum += b
	}
	if checksum != 0 {
		return nil, neterr.New(neterr.Format, "ihex.decodeLine", "invalid line checksum")
	}

	count := int(payload[0])
	if len(payload) != count+minLength {
		return nil, neterr.New(neterr.Format, "ihex.decodeLine", "invalid record size")
	}
	return payload, nil
}

func checkCount(got, want int) error {
	if got != want {
		return neterr.New(neterr.Format, "ihex.checkCount", fmt.Sprintf("invalid record byte count: got %d, want %d", got, want))
	}
	return nil
}
