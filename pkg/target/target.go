// Package target implements a simulated PIC18FxxJ60/J65 bootloader: a UDP
// server that answers the netboot protocol against an in-memory flash
// image, for exercising pkg/programmer without real hardware.
package target

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"
	"time"

	"github.com/pic18boot/netboot/pkg/device"
	"github.com/pic18boot/netboot/pkg/log"
	"github.com/pic18boot/netboot/pkg/protocol"
)

// EraseStatus selects which terminal status code Target reports for a
// completed OP_ERASE: some bootloader builds in the field report
// STATUS_DONE, others STATUS_OK. Target defaults to StatusDone, matching
// the reference implementation, but a caller can request the other to
// exercise a programmer.Programmer against both variants. OP_WRITE,
// OP_READ and OP_CHECKSUM always complete with STATUS_DONE.
type EraseStatus protocol.Status

// Supported terminal statuses for completed data operations.
const (
	TerminalDone EraseStatus = EraseStatus(protocol.StatusDone)
	TerminalOK   EraseStatus = EraseStatus(protocol.StatusOK)
)

// Target is a simulated bootloader instance bound to one in-memory flash
// image.
type Target struct {
	devID    uint16
	flash    []byte
	terminal protocol.Status
	logger   log.Logger

	version           uint16
	bootloaderAddress uint32

	lastSeq       uint8
	haveLastSeq   bool
	programmerSet bool
	programmer    *net.UDPAddr
}

// New builds a Target for devID with flashSize bytes of flash, initialized
// to all idle bytes (0xFF) as an erased device would read.
func New(devID uint16, flashSize uint32, opts ...Option) *Target {
	t := &Target{
		devID:             devID,
		flash:             make([]byte, flashSize),
		terminal:          protocol.StatusDone,
		logger:            log.DefaultLogger,
		version:           0x0100,
		bootloaderAddress: 0xDEADBEEF,
	}
	for i := range t.flash {
		t.flash[i] = 0xFF
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Option configures a Target at construction time.
type Option func(*Target)

// WithTerminalStatus overrides the status code reported when an OP_ERASE
// completes.
func WithTerminalStatus(s EraseStatus) Option {
	return func(t *Target) { t.terminal = protocol.Status(s) }
}

// WithLogger overrides the logger used for request tracing.
func WithLogger(l log.Logger) Option {
	return func(t *Target) { t.logger = l }
}

// WithBootloaderAddress overrides the address reported in DiscoverReply.
func WithBootloaderAddress(addr uint32) Option {
	return func(t *Target) { t.bootloaderAddress = addr }
}

// Flash returns the target's backing flash image. Tests may inspect or
// seed it directly.
func (t *Target) Flash() []byte {
	return t.flash
}

// Handle processes one received datagram from addr and returns the
// reply frame(s) to send back, in order, or nil if the request must be
// silently dropped (a truncated frame, a bad version, a non-request
// status, or an exact sequence-number duplicate of the last accepted
// request).
//
// Some operations produce two replies in sequence (STATUS_INPROGRESS then
// the terminal status), modeling the bootloader's own ack-then-complete
// behavior for operations that take measurable time on real hardware.
func (t *Target) Handle(addr *net.UDPAddr, frame []byte) [][]byte {
	if len(frame) < protocol.HeaderSize {
		return nil
	}
	hdr, err := protocol.UnmarshalHeader(frame)
	if err != nil {
		return nil
	}
	if hdr.Version != protocol.Version {
		return nil
	}
	if hdr.Status != protocol.StatusRequest {
		return nil
	}

	isDiscovery := hdr.Operation == protocol.OpDiscover || hdr.Operation == protocol.OpNetConfig
	if !isDiscovery {
		if t.haveLastSeq && hdr.Seq == t.lastSeq {
			return nil // exact duplicate of the last accepted request
		}
		if !t.programmerSet || !sameAddr(addr, t.programmer) {
			return [][]byte{t.reply(hdr, protocol.StatusInvalidSrc, nil)}
		}
	}
	t.lastSeq = hdr.Seq
	t.haveLastSeq = true

	body := frame[protocol.HeaderSize:]

	switch hdr.Operation {
	case protocol.OpDiscover, protocol.OpNetConfig:
		t.programmer = addr
		t.programmerSet = true
		// DeviceID carries the device id in its top 11 bits; the 5
		// revision bits are reported as zero.
		reply := protocol.DiscoverReply{Version: t.version, DeviceID: t.devID << 5, BootloaderAddress: t.bootloaderAddress}
		return [][]byte{t.reply(hdr, protocol.StatusOK, reply)}

	case protocol.OpErase:
		return t.handleErase(hdr, body)

	case protocol.OpWrite:
		return t.handleWrite(hdr, body)

	case protocol.OpRead:
		return t.handleRead(hdr, body)

	case protocol.OpChecksum:
		return t.handleChecksum(hdr, body)

	case protocol.OpReset:
		return [][]byte{t.reply(hdr, protocol.StatusOK, nil)}

	default:
		return [][]byte{t.reply(hdr, protocol.StatusInvalidOp, nil)}
	}
}

func (t *Target) handleErase(hdr protocol.Header, body []byte) [][]byte {
	if len(body) < 4 {
		return [][]byte{t.reply(hdr, protocol.StatusInvalidParam, nil)}
	}
	addr := binary.BigEndian.Uint32(body)
	if addr%device.EraseSize != 0 || uint64(addr) >= uint64(len(t.flash)) {
		return [][]byte{t.reply(hdr, protocol.StatusInvalidParam, nil)}
	}

	end := addr + device.EraseSize
	if end > uint32(len(t.flash)) {
		end = uint32(len(t.flash))
	}
	for i := addr; i < end; i++ {
		t.flash[i] = 0xFF
	}
	return [][]byte{
		t.reply(hdr, protocol.StatusInProgress, nil),
		t.reply(hdr, t.terminal, nil),
	}
}

func (t *Target) handleWrite(hdr protocol.Header, body []byte) [][]byte {
	if len(body) < 4+device.WriteSize {
		return [][]byte{t.reply(hdr, protocol.StatusInvalidParam, nil)}
	}
	addr := binary.BigEndian.Uint32(body)
	if addr%device.WriteSize != 0 || uint64(addr)+device.WriteSize > uint64(len(t.flash)) {
		return [][]byte{t.reply(hdr, protocol.StatusInvalidParam, nil)}
	}

	copy(t.flash[addr:addr+device.WriteSize], body[4:4+device.WriteSize])
	return [][]byte{
		t.reply(hdr, protocol.StatusInProgress, nil),
		t.reply(hdr, protocol.StatusDone, nil),
	}
}

func (t *Target) handleRead(hdr protocol.Header, body []byte) [][]byte {
	if len(body) < 6 {
		return [][]byte{t.reply(hdr, protocol.StatusInvalidParam, nil)}
	}
	addr := binary.BigEndian.Uint32(body)
	length := binary.BigEndian.Uint16(body[4:])
	if uint64(addr)+uint64(length) > uint64(len(t.flash)) || int(length) > protocol.MaxPayload {
		return [][]byte{t.reply(hdr, protocol.StatusInvalidParam, nil)}
	}

	data := append([]byte(nil), t.flash[addr:addr+uint32(length)]...)
	return [][]byte{
		t.reply(hdr, protocol.StatusInProgress, nil),
		t.replyRaw(hdr, protocol.StatusDone, data),
	}
}

func (t *Target) handleChecksum(hdr protocol.Header, body []byte) [][]byte {
	if len(body) < 8 {
		return [][]byte{t.reply(hdr, protocol.StatusInvalidParam, nil)}
	}
	addr := binary.BigEndian.Uint32(body)
	length := binary.BigEndian.Uint32(body[4:])
	if uint64(addr)+uint64(length) > uint64(len(t.flash)) {
		return [][]byte{t.reply(hdr, protocol.StatusInvalidParam, nil)}
	}

	var sum uint32
	for _, b := range t.flash[addr : addr+length] {
		sum += uint32(b)
	}
	reply := protocol.ChecksumReply{Checksum: sum}
	return [][]byte{
		t.reply(hdr, protocol.StatusInProgress, nil),
		t.reply(hdr, protocol.StatusDone, reply),
	}
}

// reply builds a reply frame for req with the given status and an
// optional fixed-size payload, encoded big-endian the same way the wire
// codec in pkg/protocol does.
func (t *Target) reply(req protocol.Header, status protocol.Status, payload interface{}) []byte {
	hdr := protocol.Header{Version: protocol.Version, Seq: req.Seq, Operation: req.Operation, Status: status}
	var body []byte
	if payload != nil {
		var buf bytes.Buffer
		if err := binary.Write(&buf, binary.BigEndian, payload); err != nil {
			panic(err)
		}
		body = buf.Bytes()
	}
	out := make([]byte, protocol.HeaderSize+len(body))
	hdr.Marshal(out[:protocol.HeaderSize])
	copy(out[protocol.HeaderSize:], body)
	return out
}

func (t *Target) replyRaw(req protocol.Header, status protocol.Status, body []byte) []byte {
	hdr := protocol.Header{Version: protocol.Version, Seq: req.Seq, Operation: req.Operation, Status: status}
	out := make([]byte, protocol.HeaderSize+len(body))
	hdr.Marshal(out[:protocol.HeaderSize])
	copy(out[protocol.HeaderSize:], body)
	return out
}

func sameAddr(a, b *net.UDPAddr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.IP.Equal(b.IP) && a.Port == b.Port
}

// Serve runs t against conn until ctx is canceled or the socket returns an
// error other than a deadline timeout. It is the production counterpart to
// Handle: real tests exercise Handle directly against scripted frames, so
// Serve itself carries no branching beyond the receive loop.
func (t *Target) Serve(ctx context.Context, conn *net.UDPConn) error {
	buf := make([]byte, protocol.RxBufferSize)
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return err
		}

		for _, reply := range t.Handle(from, buf[:n]) {
			if _, err := conn.WriteToUDP(reply, from); err != nil {
				t.logger.Warnf("target: write to %s: %v", from, err)
			}
		}
	}
}
