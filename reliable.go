package sockio

import (
	"encoding/binary"
	"fmt"
)

// KUDP wire constants.
const (
	// ReliableMagic identifies a reliable packet ("KUv0").
	ReliableMagic uint32 = 0x4B557630
	// ReliableHeaderSize is the fixed size of a ReliableHeader on the wire.
	ReliableHeaderSize = 12
	// ReliableMaxBuffer caps the whole datagram to stay under the path MTU.
	ReliableMaxBuffer = 1000
	// ReliableMaxContent is the content capacity of one reliable packet.
	ReliableMaxContent = ReliableMaxBuffer - ReliableHeaderSize
)

// Reliable packet flags.
const (
	// FlagMoreFragments is set on every fragment except the last one.
	FlagMoreFragments uint16 = 1 << 0
	// FlagAck marks an acknowledgement for (Sequence, Fragment).
	FlagAck uint16 = 1 << 1
)

// ReliableHeader is the header in front of every reliable packet.
type ReliableHeader struct {
	Magic    uint32
	Size     uint16
	Sequence uint16
	Fragment uint16
	Flags    uint16
}

// MoreFragments reports whether further fragments of the message follow.
func (h ReliableHeader) MoreFragments() bool { return h.Flags&FlagMoreFragments != 0 }

// IsAck reports whether the packet is an acknowledgement.
func (h ReliableHeader) IsAck() bool { return h.Flags&FlagAck != 0 }

func (h ReliableHeader) put(b []byte) {
	binary.BigEndian.PutUint32(b[0:4], h.Magic)
	binary.BigEndian.PutUint16(b[4:6], h.Size)
	binary.BigEndian.PutUint16(b[6:8], h.Sequence)
	binary.BigEndian.PutUint16(b[8:10], h.Fragment)
	binary.BigEndian.PutUint16(b[10:12], h.Flags)
}

func parseReliableHeader(b []byte) (ReliableHeader, error) {
	if len(b) < ReliableHeaderSize {
		return ReliableHeader{}, fmt.Errorf("%w: %d bytes is shorter than a header", ErrMalformedDatagram, len(b))
	}
	h := ReliableHeader{
		Magic:    binary.BigEndian.Uint32(b[0:4]),
		Size:     binary.BigEndian.Uint16(b[4:6]),
		Sequence: binary.BigEndian.Uint16(b[6:8]),
		Fragment: binary.BigEndian.Uint16(b[8:10]),
		Flags:    binary.BigEndian.Uint16(b[10:12]),
	}
	if h.Magic != ReliableMagic {
		return ReliableHeader{}, fmt.Errorf("%w: bad magic %#08x", ErrMalformedDatagram, h.Magic)
	}
	if int(h.Size) > ReliableMaxContent {
		return ReliableHeader{}, fmt.Errorf("%w: size %d > %d", ErrMalformedDatagram, h.Size, ReliableMaxContent)
	}
	return h, nil
}

// ReliablePacket is a Packet carrying a ReliableHeader, sent as exactly one
// datagram of at most ReliableMaxBuffer bytes.
type ReliablePacket struct {
	Packet
	header ReliableHeader
}

// NewReliablePacket returns a packet holding a copy of content.
// Content larger than ReliableMaxContent must be split with Fragment.
func NewReliablePacket(content []byte, peer *SockAddr) (*ReliablePacket, error) {
	if len(content) > ReliableMaxContent {
		return nil, fmt.Errorf("%w: %d > %d", ErrMustFragment, len(content), ReliableMaxContent)
	}

	p := &ReliablePacket{Packet: Packet{limit: ReliableMaxContent}}
	if err := p.Packet.Set(Header{Length: uint16(len(content))}, peer); err != nil {
		return nil, err
	}
	p.Packet.Write(content)
	p.header = ReliableHeader{Magic: ReliableMagic, Size: uint16(len(content))}
	return p, nil
}

// NewReliableReceiver returns an empty packet ready to Receive.
func NewReliableReceiver() *ReliablePacket {
	return &ReliablePacket{Packet: Packet{limit: ReliableMaxContent}}
}

// Header returns the reliable header.
func (p *ReliablePacket) Header() ReliableHeader { return p.header }

// SetSequence sets the sequence and fragment identifiers and the flags.
func (p *ReliablePacket) SetSequence(seq, fragment, flags uint16) {
	p.header.Sequence = seq
	p.header.Fragment = fragment
	p.header.Flags = flags
}

// MaxBuffer returns the hard cap on the wire size of the packet.
func (p *ReliablePacket) MaxBuffer() int { return ReliableMaxBuffer }

// MaxContent returns the content capacity of the packet.
func (p *ReliablePacket) MaxContent() int { return ReliableMaxContent }

// Overhead returns the header size.
func (p *ReliablePacket) Overhead() int { return ReliableHeaderSize }

// Marshal encodes the header and content into one datagram.
func (p *ReliablePacket) Marshal() []byte {
	wire := make([]byte, ReliableHeaderSize+len(p.buf))
	h := p.header
	h.Magic = ReliableMagic
	h.Size = uint16(len(p.buf))
	h.put(wire)
	copy(wire[ReliableHeaderSize:], p.buf)
	return wire
}

// Unmarshal decodes one datagram into the packet.
func (p *ReliablePacket) Unmarshal(wire []byte, from SockAddr) error {
	h, err := parseReliableHeader(wire)
	if err != nil {
		return err
	}
	if int(h.Size) != len(wire)-ReliableHeaderSize {
		return fmt.Errorf("%w: header size %d, carried %d", ErrMalformedDatagram, h.Size, len(wire)-ReliableHeaderSize)
	}

	p.Packet.limit = ReliableMaxContent
	p.Packet.alloc(h.Size)
	copy(p.buf, wire[ReliableHeaderSize:])
	p.writeOff = int(h.Size)
	p.hdrOff = HeaderSize
	p.peer = from
	p.header = h
	return nil
}

// Send transmits the packet as a single datagram.
func (p *ReliablePacket) Send(t RawTransport) (int, error) {
	if t.Type() != TypeDatagram {
		return 0, ErrNotDatagram
	}
	if !p.set {
		return 0, fmt.Errorf("%w: send of unset packet", ErrProtocol)
	}
	if p.IsSendComplete() {
		return 0, nil
	}

	wire := p.Marshal()
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

// Receive consumes one datagram. Datagrams that are not valid reliable
// packets return ErrMalformedDatagram and leave the packet empty.
func (p *ReliablePacket) Receive(t RawTransport) (int, error) {
	if t.Type() != TypeDatagram {
		return 0, ErrNotDatagram
	}
	if p.IsReceiveComplete() {
		return 0, nil
	}

	if cap(p.scratch) < ReliableMaxBuffer {
		p.scratch = make([]byte, ReliableMaxBuffer)
	}
	wire := p.scratch[:ReliableMaxBuffer]

	n, from, err := t.RawRecv(wire)
	if err != nil {
		return 0, err
	}
	if err := p.Unmarshal(wire[:n], from); err != nil {
		return n, err
	}
	return n, nil
}

// Fragment splits msg into reliable packets sharing seq. Fragment indices
// count up from zero and every fragment but the last carries
// FlagMoreFragments. An empty message yields a single empty fragment.
func Fragment(msg []byte, seq uint16, peer *SockAddr) ([]*ReliablePacket, error) {
	count := (len(msg) + ReliableMaxContent - 1) / ReliableMaxContent
	if count == 0 {
		count = 1
	}
	if count > MaxFragments {
		return nil, fmt.Errorf("%w: %d bytes needs %d fragments > %d", ErrOversizedMessage, len(msg), count, MaxFragments)
	}

	out := make([]*ReliablePacket, 0, count)
	for i := 0; i < count; i++ {
		lo := i * ReliableMaxContent
		hi := min(lo+ReliableMaxContent, len(msg))

		p, err := NewReliablePacket(msg[lo:hi], peer)
		if err != nil {
			return nil, err
		}

		var flags uint16
		if i < count-1 {
			flags = FlagMoreFragments
		}
		p.SetSequence(seq, uint16(i), flags)
		out = append(out, p)
	}
	return out, nil
}

// newAck builds the acknowledgement for a received fragment.
func newAck(h ReliableHeader, peer SockAddr) *ReliablePacket {
	p, _ := NewReliablePacket(nil, &peer)
	p.SetSequence(h.Sequence, h.Fragment, FlagAck)
	return p
}
