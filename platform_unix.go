//go:build unix

package sockio

import (
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// osPlatform implements Platform with Berkeley socket system calls.
type osPlatform struct{}

// mapErrno converts errnos with a dedicated meaning into the package
// sentinels and wraps everything else with the failing operation.
func mapErrno(err error, op string) error {
	if err == nil {
		return nil
	}
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return ErrWouldBlock
	}
	if err == unix.EINPROGRESS || err == unix.EALREADY {
		return ErrInProgress
	}
	if err == unix.EINTR {
		return ErrInterrupted
	}
	return errors.Wrap(err, op)
}

func toSockaddr(a SockAddr) (unix.Sockaddr, error) {
	switch a.Family() {
	case FamilyIPv4:
		return &unix.SockaddrInet4{Port: int(a.Port()), Addr: a.IP4()}, nil
	case FamilyIPv6:
		return &unix.SockaddrInet6{Port: int(a.Port()), Addr: a.IP16()}, nil
	default:
		return nil, errors.Errorf("unsupported address family %v", a.Family())
	}
}

func fromSockaddr(sa unix.Sockaddr) SockAddr {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return SockAddr4(sa.Addr, uint16(sa.Port))
	case *unix.SockaddrInet6:
		return SockAddr6(sa.Addr, uint16(sa.Port))
	default:
		return SockAddr{}
	}
}

func (osPlatform) Socket(family Family, typ Type) (Handle, error) {
	domain := unix.AF_INET
	if family == FamilyIPv6 {
		domain = unix.AF_INET6
	}
	sotype := unix.SOCK_STREAM
	if typ == TypeDatagram {
		sotype = unix.SOCK_DGRAM
	}

	fd, err := unix.Socket(domain, sotype, 0)
	if err != nil {
		return InvalidHandle, mapErrno(err, "socket")
	}
	unix.CloseOnExec(fd)
	return Handle(fd), nil
}

func (osPlatform) Close(h Handle) error {
	return mapErrno(unix.Close(int(h)), "close")
}

func (osPlatform) Bind(h Handle, addr SockAddr) error {
	sa, err := toSockaddr(addr)
	if err != nil {
		return err
	}
	return mapErrno(unix.Bind(int(h), sa), "bind")
}

func (osPlatform) Listen(h Handle, backlog int) error {
	return mapErrno(unix.Listen(int(h), backlog), "listen")
}

func (osPlatform) Accept(h Handle) (Handle, SockAddr, error) {
	fd, sa, err := unix.Accept(int(h))
	if err != nil {
		return InvalidHandle, SockAddr{}, mapErrno(err, "accept")
	}
	unix.CloseOnExec(fd)
	return Handle(fd), fromSockaddr(sa), nil
}

func (osPlatform) Connect(h Handle, addr SockAddr) error {
	sa, err := toSockaddr(addr)
	if err != nil {
		return err
	}
	err = unix.Connect(int(h), sa)
	if err == unix.EISCONN {
		return nil
	}
	return mapErrno(err, "connect")
}

func (osPlatform) SendTo(h Handle, p []byte, addr *SockAddr) (int, error) {
	var to unix.Sockaddr
	if addr != nil && !addr.IsZero() {
		sa, err := toSockaddr(*addr)
		if err != nil {
			return 0, err
		}
		to = sa
	}

	n, err := unix.SendmsgN(int(h), p, nil, to, 0)
	if err != nil {
		return 0, mapErrno(err, "send")
	}
	return n, nil
}

func (osPlatform) RecvFrom(h Handle, p []byte) (int, SockAddr, error) {
	n, from, err := unix.Recvfrom(int(h), p, 0)
	if err != nil {
		return 0, SockAddr{}, mapErrno(err, "recv")
	}
	return n, fromSockaddr(from), nil
}

func (osPlatform) SetNonblock(h Handle, nonblocking bool) error {
	return mapErrno(unix.SetNonblock(int(h), nonblocking), "set nonblock")
}

func (osPlatform) IsNonblock(h Handle) (bool, error) {
	flags, err := unix.FcntlInt(uintptr(h), unix.F_GETFL, 0)
	if err != nil {
		return false, mapErrno(err, "fcntl")
	}
	return flags&unix.O_NONBLOCK != 0, nil
}

func (osPlatform) SetReuseAddr(h Handle, enable bool) error {
	value := 0
	if enable {
		value = 1
	}
	return mapErrno(unix.SetsockoptInt(int(h), unix.SOL_SOCKET, unix.SO_REUSEADDR, value), "setsockopt")
}

func (osPlatform) Poll(fds []PollFD, timeout time.Duration) (int, error) {
	pfds := make([]unix.PollFd, len(fds))
	for i, fd := range fds {
		pfds[i].Fd = int32(fd.Handle)
		if fd.Events&PollIn != 0 {
			pfds[i].Events |= unix.POLLIN
		}
		if fd.Events&PollOut != 0 {
			pfds[i].Events |= unix.POLLOUT
		}
	}

	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
		if ms == 0 && timeout > 0 {
			ms = 1
		}
	}

	n, err := unix.Poll(pfds, ms)
	if err != nil {
		return 0, mapErrno(err, "poll")
	}

	for i := range fds {
		var rev PollEvent
		re := pfds[i].Revents
		if re&unix.POLLIN != 0 {
			rev |= PollIn
		}
		if re&unix.POLLOUT != 0 {
			rev |= PollOut
		}
		if re&unix.POLLERR != 0 {
			rev |= PollErr
		}
		if re&unix.POLLHUP != 0 {
			rev |= PollHup
		}
		fds[i].Revents = rev
	}
	return n, nil
}

func (osPlatform) Shutdown(h Handle, how ShutdownHow) error {
	mode := unix.SHUT_RDWR
	switch how {
	case ShutdownRead:
		mode = unix.SHUT_RD
	case ShutdownWrite:
		mode = unix.SHUT_WR
	}
	return mapErrno(unix.Shutdown(int(h), mode), "shutdown")
}

func (osPlatform) SockName(h Handle) (SockAddr, error) {
	sa, err := unix.Getsockname(int(h))
	if err != nil {
		return SockAddr{}, mapErrno(err, "getsockname")
	}
	return fromSockaddr(sa), nil
}

func (osPlatform) PeerName(h Handle) (SockAddr, error) {
	sa, err := unix.Getpeername(int(h))
	if err != nil {
		return SockAddr{}, mapErrno(err, "getpeername")
	}
	return fromSockaddr(sa), nil
}

func (osPlatform) SocketError(h Handle) error {
	code, err := unix.GetsockoptInt(int(h), unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return mapErrno(err, "getsockopt")
	}
	if code != 0 {
		return mapErrno(unix.Errno(code), "connect")
	}
	return nil
}
