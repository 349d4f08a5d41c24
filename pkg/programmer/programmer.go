// Package programmer implements the host-side client of the netboot
// bootloader protocol: device discovery, network configuration, and the
// read/write/erase/checksum/reset operations used to flash a device.
package programmer

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/pic18boot/netboot/pkg/device"
	"github.com/pic18boot/netboot/pkg/neterr"
	"github.com/pic18boot/netboot/pkg/protocol"
)

// BootloaderInfo describes the bootloader a Programmer has discovered or
// connected to.
type BootloaderInfo struct {
	DeviceID uint16
	Version  uint16
	Address  uint32
}

// Programmer is a client of one netboot bootloader instance, reachable
// over UDP. A zero-value Programmer is not usable; construct one with New.
type Programmer struct {
	socket Socket
	clock  Clock
	cfg    Config

	tx protocol.TransmitBuffer
	rx protocol.ReceiveBuffer

	peer     *net.UDPAddr
	lastFrom *net.UDPAddr

	connected  bool
	descriptor device.Descriptor
	bootloader BootloaderInfo
}

// New builds a Programmer that sends and receives over socket, using
// clock for its retry/timeout accounting.
func New(socket Socket, clock Clock, opts ...Option) *Programmer {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Programmer{socket: socket, clock: clock, cfg: cfg}
}

// Descriptor returns the connected device's Descriptor. Valid only after a
// successful DiscoverDevice, ConfigureDevice or ConnectDevice call.
func (p *Programmer) Descriptor() device.Descriptor {
	return p.descriptor
}

// BootloaderInfo returns the bootloader info learned during discovery.
func (p *Programmer) BootloaderInfo() BootloaderInfo {
	return p.bootloader
}

func (p *Programmer) checkConnection(op string) error {
	if !p.connected {
		return neterr.New(neterr.NotConnected, op, "not connected to a target")
	}
	return nil
}

// DiscoverDevice broadcasts an OP_DISCOVER request on port and binds the
// Programmer to whichever device replies first. Broadcast is always
// disabled again before returning, successfully or not, so a later call
// never accidentally broadcasts.
func (p *Programmer) DiscoverDevice(ctx context.Context, port int) error {
	p.setPeer(net.IPv4bcast, port)
	if err := p.socket.SetBroadcast(true); err != nil {
		return err
	}
	defer p.socket.SetBroadcast(false)

	p.tx.PrepareDiscover()
	return p.runDiscover(ctx)
}

// ConfigureDevice broadcasts an OP_NET_CONFIG request assigning ip/mac to
// whichever device replies, then binds the Programmer to it.
func (p *Programmer) ConfigureDevice(ctx context.Context, port int, ip net.IP, mac [6]byte) error {
	p.setPeer(net.IPv4bcast, port)
	if err := p.socket.SetBroadcast(true); err != nil {
		return err
	}
	defer p.socket.SetBroadcast(false)

	p.tx.PrepareNetConfig(protocol.NetworkConfig{IP: ipToUint32(ip), MAC: mac})
	return p.runDiscover(ctx)
}

// ConnectDevice binds the Programmer directly to a known ip:port, without
// broadcasting, confirming it by sending a single OP_DISCOVER.
func (p *Programmer) ConnectDevice(ctx context.Context, ip net.IP, port int) error {
	p.setPeer(ip, port)
	p.tx.PrepareDiscover()
	return p.runDiscover(ctx)
}

func (p *Programmer) runDiscover(ctx context.Context) error {
	if err := p.communicate(ctx); err != nil {
		return err
	}

	reply, err := p.rx.DiscoverReply()
	if err != nil {
		return err
	}
	if from := p.lastFrom; from != nil {
		p.peer = from
	}

	p.bootloader = BootloaderInfo{
		DeviceID: reply.DeviceID,
		Version:  reply.Version,
		Address:  reply.BootloaderAddress,
	}

	desc, err := device.Find(reply.DeviceID)
	if err != nil {
		return err
	}
	p.descriptor = desc
	p.connected = true

	p.cfg.Logger.Infof("device %s rev. %d, bootloader v%d.%02d @ %#06x",
		desc.Name, deviceRevision(reply.DeviceID), reply.Version>>8, reply.Version&0xFF, reply.BootloaderAddress)
	return nil
}

func deviceRevision(rawID uint16) uint8 {
	_, rev := device.SplitID(rawID)
	return rev
}

func (p *Programmer) setPeer(ip net.IP, port int) {
	p.peer = &net.UDPAddr{IP: ip, Port: port}
}

func ipToUint32(ip net.IP) uint32 {
	v4 := ip.To4()
	if v4 == nil {
		return 0
	}
	return uint32(v4[0])<<24 | uint32(v4[1])<<16 | uint32(v4[2])<<8 | uint32(v4[3])
}

// Read reads size bytes of device memory starting at address. size must
// not exceed protocol.MaxPayload.
func (p *Programmer) Read(ctx context.Context, address uint32, size uint16) ([]byte, error) {
	if int(size) > protocol.MaxPayload {
		return nil, neterr.New(neterr.OutOfRange, "programmer.Read", "read size above limit")
	}
	if err := p.checkConnection("programmer.Read"); err != nil {
		return nil, err
	}

	p.tx.PrepareRead(address, size)
	if err := p.communicate(ctx); err != nil {
		return nil, err
	}
	return p.rx.RawPayload()
}

// Write programs one write-sector (device.WriteSize bytes) of flash at
// address, which must be sector-aligned.
func (p *Programmer) Write(ctx context.Context, address uint32, data [64]byte) error {
	if err := p.checkConnection("programmer.Write"); err != nil {
		return err
	}
	if address%device.WriteSize != 0 {
		return neterr.New(neterr.Unaligned, "programmer.Write", "write address not aligned to sector size")
	}

	p.tx.PrepareWrite(address, data)
	return p.communicate(ctx)
}

// Erase erases one flash page (device.EraseSize bytes) at address, which
// must be page-aligned.
func (p *Programmer) Erase(ctx context.Context, address uint32) error {
	if err := p.checkConnection("programmer.Erase"); err != nil {
		return err
	}
	if address%device.EraseSize != 0 {
		return neterr.New(neterr.Unaligned, "programmer.Erase", "erase address not aligned to page size")
	}

	p.tx.PrepareErase(address)
	return p.communicate(ctx)
}

// Reset asks the target to leave the bootloader and start the application.
func (p *Programmer) Reset(ctx context.Context) error {
	if err := p.checkConnection("programmer.Reset"); err != nil {
		return err
	}
	p.tx.PrepareReset()
	return p.communicate(ctx)
}

// Checksum returns the target's checksum of size bytes of device memory
// starting at address.
func (p *Programmer) Checksum(ctx context.Context, address, size uint32) (uint32, error) {
	if err := p.checkConnection("programmer.Checksum"); err != nil {
		return 0, err
	}

	p.tx.PrepareChecksum(address, size)
	if err := p.communicate(ctx); err != nil {
		return 0, err
	}
	reply, err := p.rx.ChecksumReply()
	if err != nil {
		return 0, err
	}
	return reply.Checksum, nil
}

// communicate sends the currently prepared tx frame up to cfg.Retries
// times in all, each send with its own cfg.Timeout deadline, and returns
// once a terminal reply (STATUS_OK/STATUS_DONE) is confirmed for the
// frame's sequence number. Replies carrying a different sequence number,
// such as a late reply to an earlier operation, are ignored rather than
// rejected. Every send of one operation reuses the same sequence number,
// so a late reply to an earlier send of the current operation is accepted.
func (p *Programmer) communicate(ctx context.Context) error {
	for attempt := 0; attempt < p.cfg.Retries; attempt++ {
		if err := p.socket.SendTo(p.tx.Bytes(), p.peer); err != nil {
			return err
		}

		deadline := p.clock.Now().Add(p.cfg.Timeout)
		for {
			if err := ctx.Err(); err != nil {
				return neterr.Wrap(neterr.Io, "programmer.communicate", err)
			}
			now := p.clock.Now()
			if !now.Before(deadline) {
				break
			}

			n, from, err := p.socket.RecvFrom(p.rx.Bytes(), deadline)
			if err != nil {
				if errors.Is(err, neterr.KindError(neterr.Timeout)) {
					break
				}
				return err
			}
			p.rx.SetLen(n)
			p.lastFrom = from

			done, err := p.handleReply()
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
	}

	return neterr.New(neterr.Timeout, "programmer.communicate", "the target did not respond within the specified time")
}

// handleReply interprets the currently buffered rx frame against the
// currently prepared tx frame, returning done=true once a terminal status
// for this sequence number has been confirmed.
func (p *Programmer) handleReply() (done bool, err error) {
	hdr, err := p.rx.Header()
	if err != nil {
		return false, err
	}
	if hdr.Version != protocol.Version {
		return false, neterr.New(neterr.ProtocolError, "programmer.handleReply", "unsupported protocol version")
	}
	if hdr.Seq != p.tx.Sequence() {
		return false, nil // stale or unrelated reply: ignore, keep waiting
	}
	if hdr.Operation != p.tx.Operation() {
		return false, neterr.New(neterr.ProtocolError, "programmer.handleReply", "invalid operation code in response")
	}

	switch hdr.Status {
	case protocol.StatusOK:
		// OP_ERASE is accepted here too: some bootloader builds report
		// STATUS_OK rather than STATUS_DONE on completion, and both are
		// treated as terminal for that operation.
		if !isOneOf(hdr.Operation, protocol.OpDiscover, protocol.OpNetConfig, protocol.OpReset, protocol.OpErase) {
			return false, neterr.New(neterr.ProtocolError, "programmer.handleReply", "unexpected status from target")
		}
		return true, nil

	case protocol.StatusDone:
		if !isOneOf(hdr.Operation, protocol.OpRead, protocol.OpWrite, protocol.OpErase, protocol.OpChecksum) {
			return false, neterr.New(neterr.ProtocolError, "programmer.handleReply", "unexpected status from target")
		}
		return true, nil

	case protocol.StatusInProgress:
		if !isOneOf(hdr.Operation, protocol.OpRead, protocol.OpWrite, protocol.OpErase, protocol.OpChecksum) {
			return false, neterr.New(neterr.ProtocolError, "programmer.handleReply", "unexpected status from target")
		}
		// The target needs more time; a write takes a few milliseconds to
		// complete. Keep waiting on the current deadline rather than
		// extending it, matching the reference client.
		return false, nil

	case protocol.StatusInvalidOp:
		return false, neterr.New(neterr.Denied, "programmer.handleReply", "operation not supported by the target")

	case protocol.StatusInvalidParam:
		return false, neterr.New(neterr.Denied, "programmer.handleReply", "the target detected an invalid parameter")

	case protocol.StatusInvalidSrc:
		return false, neterr.New(neterr.Denied, "programmer.handleReply", "the target did not allow this operation")

	default:
		return false, neterr.New(neterr.ProtocolError, "programmer.handleReply", fmt.Sprintf("target reported an invalid status %v", hdr.Status))
	}
}

func isOneOf(op protocol.Operation, candidates ...protocol.Operation) bool {
	for _, c := range candidates {
		if op == c {
			return true
		}
	}
	return false
}

// Close releases the Programmer's socket.
func (p *Programmer) Close() error {
	return p.socket.Close()
}
