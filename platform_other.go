//go:build !unix

package sockio

import "time"

// osPlatform reports every call as unsupported on non-unix systems.
type osPlatform struct{}

func (osPlatform) Socket(Family, Type) (Handle, error)            { return InvalidHandle, ErrUnsupported }
func (osPlatform) Close(Handle) error                             { return ErrUnsupported }
func (osPlatform) Bind(Handle, SockAddr) error                    { return ErrUnsupported }
func (osPlatform) Listen(Handle, int) error                       { return ErrUnsupported }
func (osPlatform) Accept(Handle) (Handle, SockAddr, error)        { return InvalidHandle, SockAddr{}, ErrUnsupported }
func (osPlatform) Connect(Handle, SockAddr) error                 { return ErrUnsupported }
func (osPlatform) SendTo(Handle, []byte, *SockAddr) (int, error)  { return 0, ErrUnsupported }
func (osPlatform) RecvFrom(Handle, []byte) (int, SockAddr, error) { return 0, SockAddr{}, ErrUnsupported }
func (osPlatform) SetNonblock(Handle, bool) error                 { return ErrUnsupported }
func (osPlatform) IsNonblock(Handle) (bool, error)                { return false, ErrUnsupported }
func (osPlatform) SetReuseAddr(Handle, bool) error                { return ErrUnsupported }
func (osPlatform) Poll([]PollFD, time.Duration) (int, error)      { return 0, ErrUnsupported }
func (osPlatform) Shutdown(Handle, ShutdownHow) error             { return ErrUnsupported }
func (osPlatform) SockName(Handle) (SockAddr, error)              { return SockAddr{}, ErrUnsupported }
func (osPlatform) PeerName(Handle) (SockAddr, error)              { return SockAddr{}, ErrUnsupported }
func (osPlatform) SocketError(Handle) error                       { return ErrUnsupported }
