package sockio

import (
	"context"
	"encoding/binary"
	"fmt"
)

// Scalar is the set of fixed-size values carried by SendValue and RecvValue.
type Scalar interface {
	~bool | ~int8 | ~uint8 | ~int16 | ~uint16 | ~int32 | ~uint32 |
		~int64 | ~uint64 | ~float32 | ~float64
}

// SendValue sends v as one big-endian message.
func SendValue[T Scalar](s Socket, v T, cb Callback) (int, error) {
	return SendValueTo(s, v, SockAddr{}, cb)
}

// SendValueTo sends v as one big-endian message to addr. The zero address
// uses the connected peer.
func SendValueTo[T Scalar](s Socket, v T, addr SockAddr, cb Callback) (int, error) {
	buf, err := binary.Append(nil, binary.BigEndian, v)
	if err != nil {
		return 0, err
	}
	if addr.IsZero() {
		return s.SendBytes(buf, cb)
	}
	return s.SendBytesTo(buf, addr, cb)
}

// RecvValue receives one message written by SendValue. A message of the
// wrong size is an ErrProtocol error.
func RecvValue[T Scalar](s *SyncSocket) (T, error) {
	v, _, err := RecvValueFrom[T](s)
	return v, err
}

// RecvValueFrom is RecvValue that also reports the sender.
func RecvValueFrom[T Scalar](s *SyncSocket) (T, SockAddr, error) {
	var v T
	buf := make([]byte, binary.Size(v))

	n, from, err := s.RecvBytesFrom(buf, nil)
	if err != nil {
		return v, from, err
	}
	if s.hasPending() {
		s.discardPending()
		return v, from, errValueSize
	}

	v, err = decodeValue[T](buf[:n])
	return v, from, err
}

// RecvValueAsync queues a receive of one message written by SendValue. cb
// runs on the reactor goroutine with the decoded value, or the zero value
// and Result.Err set.
func RecvValueAsync[T Scalar](s *AsyncSocket, cb func(T, Result)) error {
	return RecvValueContext(context.Background(), s, cb)
}

// RecvValueContext is RecvValueAsync cancelled when ctx ends.
func RecvValueContext[T Scalar](ctx context.Context, s *AsyncSocket, cb func(T, Result)) error {
	// Room for any whole message, so a wrong-sized one is consumed entirely.
	buf := make([]byte, s.opts.maxContent)
	return s.RecvBytesContext(ctx, buf, func(res Result) {
		var v T
		if res.Err == nil {
			v, res.Err = decodeValue[T](buf[:res.N])
		}
		cb(v, res)
	})
}

var errValueSize = fmt.Errorf("%w: value message of unexpected size", ErrProtocol)

func decodeValue[T Scalar](b []byte) (T, error) {
	var v T
	if len(b) != binary.Size(v) {
		return v, errValueSize
	}
	if _, err := binary.Decode(b, binary.BigEndian, &v); err != nil {
		return v, err
	}
	return v, nil
}

// SendString sends str as one message.
func SendString(s Socket, str string, cb Callback) (int, error) {
	return SendStringTo(s, str, SockAddr{}, cb)
}

// SendStringTo sends str as one message to addr.
func SendStringTo(s Socket, str string, addr SockAddr, cb Callback) (int, error) {
	if addr.IsZero() {
		return s.SendBytes([]byte(str), cb)
	}
	return s.SendBytesTo([]byte(str), addr, cb)
}

// RecvString receives one whole message of at most limit bytes as a string.
// A longer message is an ErrOversizedMessage error and is discarded.
func RecvString(s *SyncSocket, limit int) (string, error) {
	str, _, err := RecvStringFrom(s, limit)
	return str, err
}

// RecvStringFrom is RecvString that also reports the sender.
func RecvStringFrom(s *SyncSocket, limit int) (string, SockAddr, error) {
	buf := make([]byte, limit)
	n, from, err := s.RecvBytesFrom(buf, nil)
	if err != nil {
		return "", from, err
	}
	if s.hasPending() {
		s.discardPending()
		return "", from, stringTooLong(limit)
	}
	return string(buf[:n]), from, nil
}

// RecvStringAsync queues a receive of one message of at most limit bytes.
// cb runs on the reactor goroutine.
func RecvStringAsync(s *AsyncSocket, limit int, cb func(string, Result)) error {
	buf := make([]byte, max(limit, s.opts.maxContent))
	_, err := s.RecvBytes(buf, func(res Result) {
		var str string
		switch {
		case res.Err != nil:
		case res.N > limit:
			res.Err = stringTooLong(limit)
		default:
			str = string(buf[:res.N])
		}
		cb(str, res)
	})
	return err
}

func stringTooLong(limit int) error {
	return fmt.Errorf("%w: string message longer than %d", ErrOversizedMessage, limit)
}

func (s *SyncSocket) hasPending() bool {
	s.recvMu.Lock()
	defer s.recvMu.Unlock()
	return s.pending != nil
}

func (s *SyncSocket) discardPending() {
	s.recvMu.Lock()
	defer s.recvMu.Unlock()
	s.pending = nil
}
