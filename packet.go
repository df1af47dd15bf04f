package sockio

import (
	"encoding/binary"
	"fmt"
	"math"
)

const (
	// HeaderSize is the size of the length prefix in front of every message.
	HeaderSize = 2
	// MaxContentSize is the largest message a length prefix can describe.
	MaxContentSize = math.MaxUint16 - HeaderSize
	// MaxDatagramContentSize is the largest framed message that fits the
	// 65507-byte payload of one IPv4 UDP datagram.
	MaxDatagramContentSize = 65507 - HeaderSize
)

// Header is the length prefix of a framed message.
type Header struct {
	// Length is the exact number of content bytes that follow.
	Length uint16
}

// RawTransport is a socket as seen by a Packet: every call is a single,
// unframed transfer attempt that never retries internally.
type RawTransport interface {
	Type() Type
	// RawSend sends p, to peer for unconnected datagram sockets.
	RawSend(p []byte, peer *SockAddr) (int, error)
	// RawRecv receives into p and reports the sender.
	RawRecv(p []byte) (int, SockAddr, error)
}

// Packet is a length-framed message buffer with independent cursors.
//
// The write cursor advances as content is written in, either by Write or by
// Receive. The read cursor advances as content is drained, either by Read
// or by Send. Send and Receive resume from the cursors, so they can be
// called once per poll tick until IsSendComplete or IsReceiveComplete.
type Packet struct {
	header Header
	buf    []byte
	set    bool

	hdr    [HeaderSize]byte
	hdrOff int

	readOff  int
	writeOff int

	peer  SockAddr
	limit int

	scratch []byte
}

// NewPacket returns an empty packet ready to receive a message of at most
// limit content bytes. A non-positive limit selects MaxContentSize.
func NewPacket(limit int) *Packet {
	if limit <= 0 || limit > MaxContentSize {
		limit = MaxContentSize
	}
	return &Packet{limit: limit}
}

// NewPacketFrom returns a packet holding a copy of data, ready to Send.
// peer is the recipient for datagram sockets and may be nil.
func NewPacketFrom(data []byte, peer *SockAddr) (*Packet, error) {
	if len(data) > MaxContentSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrOversizedMessage, len(data), MaxContentSize)
	}

	p := NewPacket(MaxContentSize)
	if err := p.Set(Header{Length: uint16(len(data))}, peer); err != nil {
		return nil, err
	}
	p.Write(data)
	return p, nil
}

// Set prepares the packet for a new message of the declared length.
// The content buffer is allocated, cursors are cleared and the peer is
// recorded, or zeroed when nil. Lengths beyond MaxContent are rejected
// before any allocation.
func (p *Packet) Set(h Header, peer *SockAddr) error {
	if int(h.Length) > p.MaxContent() {
		return fmt.Errorf("%w: %d > %d", ErrOversizedMessage, h.Length, p.MaxContent())
	}

	p.alloc(h.Length)
	p.hdrOff = 0
	if peer != nil {
		p.peer = *peer
	} else {
		p.peer = SockAddr{}
	}
	return nil
}

// Reset returns the packet to the empty, header-awaiting state.
func (p *Packet) Reset() {
	p.header = Header{}
	p.buf = nil
	p.set = false
	p.hdrOff = 0
	p.readOff = 0
	p.writeOff = 0
	p.peer = SockAddr{}
}

func (p *Packet) alloc(length uint16) {
	p.header = Header{Length: length}
	p.buf = make([]byte, length)
	p.set = true
	p.readOff = 0
	p.writeOff = 0
	binary.BigEndian.PutUint16(p.hdr[:], length)
}

// useScratch lends the packet a datagram receive buffer, so a socket can
// reuse one buffer across messages.
func (p *Packet) useScratch(b []byte) {
	p.scratch = b
}

// Header returns the length header of the current message.
func (p *Packet) Header() Header { return p.header }

// MaxContent returns the largest content size this packet accepts.
func (p *Packet) MaxContent() int {
	if p.limit <= 0 {
		return MaxContentSize
	}
	return p.limit
}

// ContentSize returns the declared content length.
func (p *Packet) ContentSize() int { return len(p.buf) }

// Content returns the content buffer. It aliases the packet storage.
func (p *Packet) Content() []byte { return p.buf }

// Peer returns the sender of a received packet or the recipient of a sent one.
func (p *Packet) Peer() SockAddr { return p.peer }

// IsEmpty reports whether the packet holds no content.
func (p *Packet) IsEmpty() bool { return p.buf == nil || len(p.buf) == 0 }

// ReadRemain returns the number of content bytes not yet drained.
func (p *Packet) ReadRemain() int { return max(len(p.buf)-p.readOff, 0) }

// WriteRemain returns the number of content bytes not yet filled.
func (p *Packet) WriteRemain() int { return max(len(p.buf)-p.writeOff, 0) }

// IsReadComplete reports whether the read cursor reached the content length.
func (p *Packet) IsReadComplete() bool { return p.ReadRemain() == 0 }

// IsWriteComplete reports whether the write cursor reached the content length.
func (p *Packet) IsWriteComplete() bool { return p.WriteRemain() == 0 }

// IsSendComplete reports whether the header and all content were sent.
func (p *Packet) IsSendComplete() bool {
	return p.set && p.hdrOff == HeaderSize && p.IsReadComplete()
}

// IsReceiveComplete reports whether a header was parsed and all content
// arrived.
func (p *Packet) IsReceiveComplete() bool {
	return p.set && p.hdrOff == HeaderSize && p.IsWriteComplete()
}

// Read copies up to len(dst) undrained content bytes into dst and returns
// the number copied.
func (p *Packet) Read(dst []byte) int {
	if p.buf == nil {
		return 0
	}
	n := copy(dst, p.buf[p.readOff:])
	p.readOff += n
	return n
}

// Write copies up to len(src) bytes into the unfilled part of the content
// and returns the number copied. Excess input is ignored.
func (p *Packet) Write(src []byte) int {
	if p.buf == nil {
		return 0
	}
	n := copy(p.buf[p.writeOff:], src)
	p.writeOff += n
	return n
}

// Send makes one transfer attempt of the remaining header and content.
// It returns the number of wire bytes moved, or ErrWouldBlock when the
// transport cannot accept data right now.
func (p *Packet) Send(t RawTransport) (int, error) {
	if !p.set {
		return 0, fmt.Errorf("%w: send of unset packet", ErrProtocol)
	}
	if p.IsSendComplete() {
		return 0, nil
	}
	if t.Type() == TypeDatagram {
		return p.sendDatagram(t)
	}

	chunk := p.buf[p.readOff:]
	if p.hdrOff < HeaderSize {
		pending := HeaderSize - p.hdrOff + len(chunk)
		if cap(p.scratch) < pending {
			p.scratch = make([]byte, pending)
		}
		wire := p.scratch[:pending]
		copy(wire[copy(wire, p.hdr[p.hdrOff:]):], chunk)
		chunk = wire
	}

	n, err := t.RawSend(chunk, nil)
	if err != nil {
		return 0, err
	}

	moved := n
	if p.hdrOff < HeaderSize {
		h := min(n, HeaderSize-p.hdrOff)
		p.hdrOff += h
		n -= h
	}
	p.readOff += n
	return moved, nil
}

func (p *Packet) sendDatagram(t RawTransport) (int, error) {
	wire := make([]byte, HeaderSize+len(p.buf))
	copy(wire, p.hdr[:])
	copy(wire[HeaderSize:], p.buf)

	var peer *SockAddr
	if !p.peer.IsZero() {
		peer = &p.peer
	}

	n, err := t.RawSend(wire, peer)
	if err != nil {
		return 0, err
	}
	if n != len(wire) {
		return n, fmt.Errorf("%w: short datagram write %d/%d", ErrProtocol, n, len(wire))
	}

	p.hdrOff = HeaderSize
	p.readOff = len(p.buf)
	return n, nil
}

// Receive makes one transfer attempt. On a stream it fills the header
// first, validates it and allocates the content, then fills content at the
// write cursor. On a datagram socket one whole frame is consumed.
//
// It returns the number of wire bytes moved, ErrWouldBlock when nothing is
// available, ErrPeerClosed when a stream peer closed the connection,
// ErrOversizedMessage for a header beyond MaxContent and
// ErrMalformedDatagram for a dropped datagram.
func (p *Packet) Receive(t RawTransport) (int, error) {
	if p.IsReceiveComplete() {
		return 0, nil
	}
	if t.Type() == TypeDatagram {
		return p.receiveDatagram(t)
	}

	if p.hdrOff < HeaderSize {
		n, _, err := t.RawRecv(p.hdr[p.hdrOff:])
		if err != nil {
			return 0, err
		}
		if n == 0 {
			if p.hdrOff > 0 {
				return 0, fmt.Errorf("%w: %w: closed inside header", ErrPeerClosed, ErrProtocol)
			}
			return 0, ErrPeerClosed
		}

		p.hdrOff += n
		if p.hdrOff == HeaderSize {
			length := binary.BigEndian.Uint16(p.hdr[:])
			if int(length) > p.MaxContent() {
				return n, fmt.Errorf("%w: header declares %d > %d", ErrOversizedMessage, length, p.MaxContent())
			}
			p.alloc(length)
		}
		return n, nil
	}

	n, from, err := t.RawRecv(p.buf[p.writeOff:])
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, fmt.Errorf("%w: %w: closed inside message", ErrPeerClosed, ErrProtocol)
	}
	if !from.IsZero() {
		p.peer = from
	}
	p.writeOff += n
	return n, nil
}

func (p *Packet) receiveDatagram(t RawTransport) (int, error) {
	need := HeaderSize + p.MaxContent()
	if cap(p.scratch) < need {
		p.scratch = make([]byte, need)
	}
	wire := p.scratch[:need]

	n, from, err := t.RawRecv(wire)
	if err != nil {
		return 0, err
	}
	if n < HeaderSize {
		return n, fmt.Errorf("%w: %d byte datagram from %v", ErrMalformedDatagram, n, from)
	}

	length := binary.BigEndian.Uint16(wire)
	if int(length) != n-HeaderSize {
		return n, fmt.Errorf("%w: header declares %d, carried %d from %v", ErrMalformedDatagram, length, n-HeaderSize, from)
	}

	p.alloc(length)
	copy(p.buf, wire[HeaderSize:n])
	p.writeOff = int(length)
	p.hdrOff = HeaderSize
	p.peer = from
	return n, nil
}
