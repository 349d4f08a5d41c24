package protocol

import (
	"github.com/pic18boot/netboot/pkg/neterr"
)

// TxBufferSize is the fixed size of a TransmitBuffer, matching the
// reference bootloader's 128-byte transmit buffer.
const TxBufferSize = 128

// RxBufferSize is the fixed size of a ReceiveBuffer, matching the
// reference bootloader's 1500-byte (one Ethernet frame) receive buffer.
const RxBufferSize = 1500

// TransmitBuffer owns the host's outgoing frame. The sequence counter is
// owned here: Select/Prepare* increment it exactly once, at the moment a
// new logical operation is selected, so every retry of that operation
// reuses the same sequence number.
type TransmitBuffer struct {
	buf  [TxBufferSize]byte
	size int
	seq  uint8
}

func (tx *TransmitBuffer) header() *Header {
	return &Header{
		Version:   Version,
		Seq:       tx.seq,
		Operation: Operation(tx.buf[2]),
		Status:    StatusRequest,
	}
}

// Operation returns the operation of the currently prepared frame.
func (tx *TransmitBuffer) Operation() Operation {
	return Operation(tx.buf[2])
}

// Sequence returns the sequence number of the currently prepared frame.
func (tx *TransmitBuffer) Sequence() uint8 {
	return tx.seq
}

// Bytes returns the encoded frame ready to be sent on the wire.
func (tx *TransmitBuffer) Bytes() []byte {
	return tx.buf[:tx.size]
}

// bump advances the sequence counter and writes a fresh header for op.
// Called exactly once per logical operation, never per retry.
func (tx *TransmitBuffer) bump(op Operation) {
	tx.seq++
	h := Header{Version: Version, Seq: tx.seq, Operation: op, Status: StatusRequest}
	h.Marshal(tx.buf[:HeaderSize])
}

// Select prepares a frame with no payload (OP_DISCOVER, OP_RESET).
func (tx *TransmitBuffer) Select(op Operation) {
	tx.bump(op)
	tx.size = HeaderSize
}

func prepare(tx *TransmitBuffer, p Payload) {
	tx.bump(p.tag())
	body := marshalPayload(p)
	n := copy(tx.buf[HeaderSize:], body)
	tx.size = HeaderSize + n
}

// PrepareDiscover prepares an OP_DISCOVER request.
func (tx *TransmitBuffer) PrepareDiscover() {
	tx.Select(OpDiscover)
}

// PrepareNetConfig prepares an OP_NET_CONFIG request.
func (tx *TransmitBuffer) PrepareNetConfig(cfg NetworkConfig) {
	prepare(tx, &cfg)
}

// PrepareRead prepares an OP_READ request.
func (tx *TransmitBuffer) PrepareRead(addr uint32, length uint16) {
	prepare(tx, &ReadRequest{Addr: addr, Length: length})
}

// PrepareWrite prepares an OP_WRITE request. data must be exactly
// len(WriteRequest{}.Data) bytes; callers are expected to have already
// validated sector alignment (programmer.Write does this).
func (tx *TransmitBuffer) PrepareWrite(addr uint32, data [64]byte) {
	prepare(tx, &WriteRequest{Addr: addr, Data: data})
}

// PrepareErase prepares an OP_ERASE request.
func (tx *TransmitBuffer) PrepareErase(addr uint32) {
	prepare(tx, &EraseRequest{Addr: addr})
}

// PrepareChecksum prepares an OP_CHECKSUM request.
func (tx *TransmitBuffer) PrepareChecksum(addr, length uint32) {
	prepare(tx, &ChecksumRequest{Addr: addr, Length: length})
}

// PrepareReset prepares an OP_RESET request.
func (tx *TransmitBuffer) PrepareReset() {
	tx.Select(OpReset)
}

// ReceiveBuffer owns an incoming frame, as received from the socket.
type ReceiveBuffer struct {
	buf  [RxBufferSize]byte
	size int
}

// Bytes returns the full fixed-size backing array, for handing to the
// socket layer's RecvFrom.
func (rx *ReceiveBuffer) Bytes() []byte {
	return rx.buf[:]
}

// SetLen records how many bytes of Bytes() were actually filled by the
// last RecvFrom call.
func (rx *ReceiveBuffer) SetLen(n int) {
	rx.size = n
}

// Len returns the number of valid bytes currently in the buffer.
func (rx *ReceiveBuffer) Len() int {
	return rx.size
}

// Header decodes the frame header.
func (rx *ReceiveBuffer) Header() (Header, error) {
	if rx.size < HeaderSize {
		return Header{}, neterr.New(neterr.ProtocolError, "protocol.ReceiveBuffer.Header", "truncated frame")
	}
	return UnmarshalHeader(rx.buf[:rx.size])
}

// RawPayload returns the payload bytes following the header, for
// variable-length OP_READ replies.
func (rx *ReceiveBuffer) RawPayload() ([]byte, error) {
	if rx.size <= HeaderSize {
		return nil, neterr.New(neterr.ProtocolError, "protocol.ReceiveBuffer.RawPayload", "no payload available")
	}
	return rx.buf[HeaderSize:rx.size], nil
}

// DiscoverReply decodes the buffer's payload as a DiscoverReply, failing
// if the header's operation isn't OP_DISCOVER or OP_NET_CONFIG, or the
// frame is too short.
func (rx *ReceiveBuffer) DiscoverReply() (*DiscoverReply, error) {
	hdr, err := rx.Header()
	if err != nil {
		return nil, err
	}
	if hdr.Operation != OpDiscover && hdr.Operation != OpNetConfig {
		return nil, neterr.New(neterr.ProtocolError, "protocol.ReceiveBuffer.DiscoverReply", "wrong operation in reply")
	}
	var reply DiscoverReply
	if err := unmarshalPayload(rx.buf[HeaderSize:rx.size], &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

// ChecksumReply decodes the buffer's payload as a ChecksumReply.
func (rx *ReceiveBuffer) ChecksumReply() (*ChecksumReply, error) {
	hdr, err := rx.Header()
	if err != nil {
		return nil, err
	}
	if hdr.Operation != OpChecksum {
		return nil, neterr.New(neterr.ProtocolError, "protocol.ReceiveBuffer.ChecksumReply", "wrong operation in reply")
	}
	var reply ChecksumReply
	if err := unmarshalPayload(rx.buf[HeaderSize:rx.size], &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}
