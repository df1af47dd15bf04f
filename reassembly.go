package sockio

import (
	"fmt"
	"sync"
	"time"
)

// MaxFragments bounds the number of fragments of one logical message.
const MaxFragments = 256

// DefaultReassemblyTimeout is how long an incomplete message is kept.
const DefaultReassemblyTimeout = 5 * time.Second

// DefaultHistoryTimeout is how long the last delivered sequence of an idle
// peer is remembered.
const DefaultHistoryTimeout = time.Minute

// StaleWindow is how far behind the last delivered sequence a fragment is
// still taken for a late duplicate. Anything further back starts a new
// stream, as sent by a peer that restarted on the same address. Senders
// wait for each acknowledgement, so real duplicates trail closely.
const StaleWindow = 64

type reassemblyKey struct {
	peer SockAddr
	seq  uint16
}

type delivery struct {
	seq uint16
	at  time.Time
}

type partialMessage struct {
	fragments map[uint16][]byte
	last      int // index of the terminal fragment, -1 until it arrives
	size      int
	firstSeen time.Time
}

func (m *partialMessage) complete() bool {
	return m.last >= 0 && len(m.fragments) == m.last+1
}

func (m *partialMessage) assemble() []byte {
	out := make([]byte, 0, m.size)
	for i := 0; i <= m.last; i++ {
		out = append(out, m.fragments[uint16(i)]...)
	}
	return out
}

// Reassembler rebuilds logical messages from reliable packet fragments.
//
// Fragments are grouped by (peer, sequence) and may arrive in any order.
// Duplicates are ignored. Once a message has been delivered, fragments
// carrying its sequence or one up to StaleWindow older from the same peer
// are reported as ErrStaleSequence. Incomplete messages are dropped after
// the timeout, the delivery history of a peer after DefaultHistoryTimeout
// of silence.
type Reassembler struct {
	mu        sync.Mutex
	timeout   time.Duration
	history   time.Duration
	now       func() time.Time
	partial   map[reassemblyKey]*partialMessage
	delivered map[SockAddr]delivery
}

// NewReassembler returns a Reassembler that drops incomplete messages after
// timeout. A non-positive timeout selects DefaultReassemblyTimeout.
func NewReassembler(timeout time.Duration) *Reassembler {
	if timeout <= 0 {
		timeout = DefaultReassemblyTimeout
	}
	return &Reassembler{
		timeout:   timeout,
		history:   DefaultHistoryTimeout,
		now:       time.Now,
		partial:   make(map[reassemblyKey]*partialMessage),
		delivered: make(map[SockAddr]delivery),
	}
}

// seqAfter reports whether a comes after b in 16-bit serial arithmetic.
func seqAfter(a, b uint16) bool {
	return int16(a-b) > 0
}

// Add records one fragment. It returns the whole message once every
// fragment of its sequence has arrived, and (nil, nil) while the message
// is still incomplete. An empty message completes as a non-nil empty slice.
func (r *Reassembler) Add(p *ReliablePacket) ([]byte, error) {
	h := p.Header()
	if h.IsAck() {
		return nil, fmt.Errorf("%w: acknowledgement is not a data fragment", ErrBadFragment)
	}
	if int(h.Fragment) >= MaxFragments {
		return nil, fmt.Errorf("%w: fragment %d >= %d", ErrBadFragment, h.Fragment, MaxFragments)
	}

	peer := p.Peer()

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.expireLocked(now)

	if last, ok := r.delivered[peer]; ok && !seqAfter(h.Sequence, last.seq) {
		if last.seq-h.Sequence < StaleWindow {
			return nil, fmt.Errorf("%w: sequence %d from %v", ErrStaleSequence, h.Sequence, peer)
		}
		r.forgetLocked(peer)
	}

	key := reassemblyKey{peer: peer, seq: h.Sequence}
	msg, ok := r.partial[key]
	if !ok {
		msg = &partialMessage{
			fragments: make(map[uint16][]byte),
			last:      -1,
			firstSeen: now,
		}
		r.partial[key] = msg
	}

	if !h.MoreFragments() {
		if msg.last >= 0 && msg.last != int(h.Fragment) {
			delete(r.partial, key)
			return nil, fmt.Errorf("%w: conflicting terminal fragments %d and %d", ErrBadFragment, msg.last, h.Fragment)
		}
		msg.last = int(h.Fragment)
		for idx := range msg.fragments {
			if int(idx) > msg.last {
				delete(r.partial, key)
				return nil, fmt.Errorf("%w: fragment %d after terminal %d", ErrBadFragment, idx, msg.last)
			}
		}
	}
	if msg.last >= 0 && int(h.Fragment) > msg.last {
		delete(r.partial, key)
		return nil, fmt.Errorf("%w: fragment %d after terminal %d", ErrBadFragment, h.Fragment, msg.last)
	}

	if _, dup := msg.fragments[h.Fragment]; !dup {
		content := make([]byte, p.ContentSize())
		copy(content, p.Content())
		msg.fragments[h.Fragment] = content
		msg.size += len(content)
	}

	if !msg.complete() {
		return nil, nil
	}

	delete(r.partial, key)
	r.delivered[peer] = delivery{seq: h.Sequence, at: now}
	return msg.assemble(), nil
}

// Expire drops incomplete messages older than the timeout and returns how
// many were dropped. Delivery histories of idle peers are dropped too.
func (r *Reassembler) Expire() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.expireLocked(r.now())
}

func (r *Reassembler) expireLocked(now time.Time) int {
	dropped := 0
	for key, msg := range r.partial {
		if now.Sub(msg.firstSeen) > r.timeout {
			delete(r.partial, key)
			dropped++
		}
	}
	for peer, d := range r.delivered {
		if now.Sub(d.at) > r.history {
			delete(r.delivered, peer)
		}
	}
	return dropped
}

// Pending returns the number of incomplete messages being held.
func (r *Reassembler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.partial)
}

// Forget clears the delivery history of peer, for example after the peer
// restarted its sequence numbering.
func (r *Reassembler) Forget(peer SockAddr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forgetLocked(peer)
}

func (r *Reassembler) forgetLocked(peer SockAddr) {
	delete(r.delivered, peer)
	for key := range r.partial {
		if key.peer == peer {
			delete(r.partial, key)
		}
	}
}
