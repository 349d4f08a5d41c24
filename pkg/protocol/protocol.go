// Package protocol implements the wire codec for the netboot bootloader
// protocol: a fixed, big-endian request/reply frame format carried over
// UDP. See Header, Operation and the per-operation payload types.
package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/pic18boot/netboot/pkg/neterr"
)

// Port is the bootloader's default UDP port.
const Port = 666

// Version is the protocol version carried in every Header.
const Version = 1

// Operation identifies the request/reply kind carried in a Header.
type Operation uint8

// Supported operations. Values match the wire encoding exactly.
const (
	OpDiscover Operation = iota
	OpNetConfig
	OpRead
	OpWrite
	OpErase
	OpChecksum
	OpReset
)

func (op Operation) String() string {
	switch op {
	case OpDiscover:
		return "OP_DISCOVER"
	case OpNetConfig:
		return "OP_NET_CONFIG"
	case OpRead:
		return "OP_READ"
	case OpWrite:
		return "OP_WRITE"
	case OpErase:
		return "OP_ERASE"
	case OpChecksum:
		return "OP_CHECKSUM"
	case OpReset:
		return "OP_RESET"
	default:
		return fmt.Sprintf("OP_UNKNOWN(%d)", uint8(op))
	}
}

// Status identifies the outcome carried in a reply Header.
type Status uint8

// Supported statuses. Values match the wire encoding exactly.
const (
	StatusRequest Status = iota
	StatusOK
	StatusInvalidOp
	StatusInvalidParam
	StatusInProgress
	StatusDone
	StatusInvalidSrc
)

func (s Status) String() string {
	switch s {
	case StatusRequest:
		return "STATUS_REQUEST"
	case StatusOK:
		return "STATUS_OK"
	case StatusInvalidOp:
		return "STATUS_INV_OP"
	case StatusInvalidParam:
		return "STATUS_INV_PARAM"
	case StatusInProgress:
		return "STATUS_INPROGRESS"
	case StatusDone:
		return "STATUS_DONE"
	case StatusInvalidSrc:
		return "STATUS_INV_SRC"
	default:
		return fmt.Sprintf("STATUS_UNKNOWN(%d)", uint8(s))
	}
}

// HeaderSize is the on-wire size of Header, in bytes.
const HeaderSize = 4

// Header is the fixed frame header present on every request and reply.
type Header struct {
	Version   uint8
	Seq       uint8
	Operation Operation
	Status    Status
}

// Marshal writes the header into the first HeaderSize bytes of dst.
func (h Header) Marshal(dst []byte) {
	_ = dst[:HeaderSize] // bounds check hint
	dst[0] = h.Version
	dst[1] = h.Seq
	dst[2] = uint8(h.Operation)
	dst[3] = uint8(h.Status)
}

// UnmarshalHeader reads a Header from the first HeaderSize bytes of src.
func UnmarshalHeader(src []byte) (Header, error) {
	if len(src) < HeaderSize {
		return Header{}, neterr.New(neterr.ProtocolError, "protocol.UnmarshalHeader", "truncated header")
	}
	return Header{
		Version:   src[0],
		Seq:       src[1],
		Operation: Operation(src[2]),
		Status:    Status(src[3]),
	}, nil
}

// Payload is implemented by every typed request/reply payload. tag binds
// the Operation the payload belongs to at the type level: every value of
// a given payload type returns the same Operation.
type Payload interface {
	tag() Operation
}

func wireSize(v interface{}) int {
	n := binary.Size(v)
	if n < 0 {
		panic(fmt.Sprintf("protocol: payload type %T has no fixed wire size", v))
	}
	return n
}

func marshalPayload(p Payload) []byte {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.BigEndian, p); err != nil {
		panic(fmt.Sprintf("protocol: marshal %T: %v", p, err))
	}
	return buf.Bytes()
}

func unmarshalPayload(src []byte, p Payload) error {
	size := wireSize(p)
	if len(src) < size {
		return neterr.New(neterr.ProtocolError, "protocol.unmarshalPayload", "truncated payload")
	}
	return binary.Read(bytes.NewReader(src[:size]), binary.BigEndian, p)
}

// DiscoverReply is the reply payload for OP_DISCOVER and OP_NET_CONFIG.
type DiscoverReply struct {
	Version           uint16
	DeviceID          uint16
	BootloaderAddress uint32
}

func (*DiscoverReply) tag() Operation { return OpDiscover }

// NetworkConfig is the request payload for OP_NET_CONFIG.
type NetworkConfig struct {
	IP  uint32
	MAC [6]byte
}

func (*NetworkConfig) tag() Operation { return OpNetConfig }

// ReadRequest is the request payload for OP_READ.
type ReadRequest struct {
	Addr   uint32
	Length uint16
}

func (*ReadRequest) tag() Operation { return OpRead }

// WriteRequest is the request payload for OP_WRITE. Data is always
// exactly one write sector (device.WriteSize bytes).
type WriteRequest struct {
	Addr uint32
	Data [64]byte
}

func (*WriteRequest) tag() Operation { return OpWrite }

// EraseRequest is the request payload for OP_ERASE.
type EraseRequest struct {
	Addr uint32
}

func (*EraseRequest) tag() Operation { return OpErase }

// ChecksumRequest is the request payload for OP_CHECKSUM.
type ChecksumRequest struct {
	Addr   uint32
	Length uint32
}

func (*ChecksumRequest) tag() Operation { return OpChecksum }

// ChecksumReply is the reply payload for OP_CHECKSUM.
type ChecksumReply struct {
	Checksum uint32
}

func (*ChecksumReply) tag() Operation { return OpChecksum }

// Sizes of each payload type, computed once at init the way the teacher's
// FIT entry-headers package precomputes entryHeadersSize.
var (
	discoverReplySize = wireSize(&DiscoverReply{})
	networkConfigSize = wireSize(&NetworkConfig{})
	readRequestSize   = wireSize(&ReadRequest{})
	writeRequestSize  = wireSize(&WriteRequest{})
	eraseRequestSize  = wireSize(&EraseRequest{})
	checksumReqSize   = wireSize(&ChecksumRequest{})
	checksumReplySize = wireSize(&ChecksumReply{})
)

// MaxPayload is the largest payload a ReceiveBuffer can hold.
const MaxPayload = RxBufferSize - HeaderSize
