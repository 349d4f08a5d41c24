package programmer

import (
	"errors"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/pic18boot/netboot/pkg/neterr"
)

// Socket is the transport a Programmer sends requests over and receives
// replies from. The concrete UDPSocket below talks to a real network
// interface; tests substitute an in-memory fake.
type Socket interface {
	// SendTo transmits b to addr.
	SendTo(b []byte, addr *net.UDPAddr) error

	// RecvFrom blocks until a datagram arrives, deadline passes, or the
	// socket is closed, filling as much of b as the datagram needs and
	// returning the sender's address. A deadline that has already passed
	// returns a Timeout-kind *neterr.Error immediately.
	RecvFrom(b []byte, deadline time.Time) (n int, from *net.UDPAddr, err error)

	// SetBroadcast enables or disables sending to the broadcast address.
	SetBroadcast(enable bool) error

	// Close releases the underlying transport.
	Close() error
}

// UDPSocket is the real Socket implementation, backed by a bound
// *net.UDPConn.
type UDPSocket struct {
	conn *net.UDPConn
}

// NewUDPSocket wraps conn as a Socket.
func NewUDPSocket(conn *net.UDPConn) *UDPSocket {
	return &UDPSocket{conn: conn}
}

// ListenUDPSocket opens a UDP socket bound to port on every interface, for
// use as a Programmer's transport.
func ListenUDPSocket(port int) (*UDPSocket, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, neterr.Wrap(neterr.Io, "programmer.ListenUDPSocket", err)
	}
	return NewUDPSocket(conn), nil
}

// SendTo implements Socket.
func (s *UDPSocket) SendTo(b []byte, addr *net.UDPAddr) error {
	if _, err := s.conn.WriteToUDP(b, addr); err != nil {
		return neterr.Wrap(neterr.Io, "programmer.UDPSocket.SendTo", err)
	}
	return nil
}

// RecvFrom implements Socket.
func (s *UDPSocket) RecvFrom(b []byte, deadline time.Time) (int, *net.UDPAddr, error) {
	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return 0, nil, neterr.Wrap(neterr.Io, "programmer.UDPSocket.RecvFrom", err)
	}
	n, addr, err := s.conn.ReadFromUDP(b)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return 0, nil, neterr.KindError(neterr.Timeout)
		}
		return 0, nil, neterr.Wrap(neterr.Io, "programmer.UDPSocket.RecvFrom", err)
	}
	return n, addr, nil
}

// SetBroadcast implements Socket. Enabling broadcast lets DiscoverDevice
// send to 255.255.255.255 before a specific target address is known.
func (s *UDPSocket) SetBroadcast(enable bool) error {
	rawConn, err := s.conn.SyscallConn()
	if err != nil {
		return neterr.Wrap(neterr.Io, "programmer.UDPSocket.SetBroadcast", err)
	}

	var sockErr error
	ctrlErr := rawConn.Control(func(fd uintptr) {
		value := 0
		if enable {
			value = 1
		}
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, value)
	})
	if ctrlErr != nil {
		return neterr.Wrap(neterr.Io, "programmer.UDPSocket.SetBroadcast", ctrlErr)
	}
	if sockErr != nil {
		return neterr.Wrap(neterr.Io, "programmer.UDPSocket.SetBroadcast", sockErr)
	}
	return nil
}

// Close implements Socket.
func (s *UDPSocket) Close() error {
	return s.conn.Close()
}

// Clock supplies the current time to a Programmer's retry/timeout logic,
// so tests can drive it without real wall-clock delays.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// RealClock is the Clock backed by the OS clock.
var RealClock Clock = realClock{}
