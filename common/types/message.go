package types

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	ErrIllegalMessage = errors.New("illegal message")
	ErrMalformed      = errors.New("malformed message body")
)

// Reader Source of frames.
type Reader interface {
	io.Reader
	io.ByteReader
}

// Message A frame: varint size | type | body. Raw holds the whole frame, Body aliases into Raw.
type Message struct {
	Raw  []byte
	Type byte
	Body []byte
}

func (m Message) String() string {
	return fmt.Sprintf("%s(%d bytes)", MessageName(m.Type), len(m.Raw))
}

// ReadMessage Read one frame.
func ReadMessage(r Reader) (Message, error) {
	size, err := binary.ReadVarint(r)
	if err != nil {
		return Message{}, err
	}
	if size < 1 || size > MaxMessageSize {
		return Message{}, fmt.Errorf("%w: frame size %d", ErrIllegalMessage, size)
	}

	var prefix [binary.MaxVarintLen64]byte
	n := binary.PutVarint(prefix[:], size)
	raw := make([]byte, n+int(size))
	copy(raw, prefix[:n])
	if _, err := io.ReadFull(r, raw[n:]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Message{}, err
	}
	return Message{Raw: raw, Type: raw[n], Body: raw[n+1:]}, nil
}

// ParseMessage Parse the first frame in data. Returns the frame and the bytes consumed.
func ParseMessage(data []byte) (Message, int, error) {
	size, n := binary.Varint(data)
	if n <= 0 || size < 1 || size > MaxMessageSize {
		return Message{}, 0, ErrMalformed
	}
	end := n + int(size)
	if end > len(data) {
		return Message{}, 0, ErrMalformed
	}
	return Message{Raw: data[:end], Type: data[n], Body: data[n+1 : end]}, end, nil
}

// EachMessage Iterate the concatenated frames in data.
func EachMessage(data []byte, fn func(Message) error) error {
	for len(data) > 0 {
		msg, n, err := ParseMessage(data)
		if err != nil {
			return err
		}
		if err := fn(msg); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

// AppendHeader Append the size prefix and type of a frame whose body is bodyLen bytes.
func AppendHeader(dst []byte, typ byte, bodyLen int) []byte {
	dst = binary.AppendVarint(dst, int64(bodyLen+1))
	return append(dst, typ)
}

// AppendMessage Append a frame with the concatenated parts as its body.
func AppendMessage(dst []byte, typ byte, parts ...[]byte) []byte {
	bodyLen := 0
	for _, part := range parts {
		bodyLen += len(part)
	}
	dst = AppendHeader(dst, typ, bodyLen)
	for _, part := range parts {
		dst = append(dst, part...)
	}
	return dst
}

// WriteMessage Write a frame with the concatenated parts as its body.
func WriteMessage(w io.Writer, typ byte, parts ...[]byte) error {
	_, err := w.Write(AppendMessage(nil, typ, parts...))
	return err
}

// AppendPair Body of CommitAck, ReplayFrom and TrimTo.
func AppendPair(dst []byte, seq, replayable int64) []byte {
	dst = binary.AppendVarint(dst, seq)
	return binary.AppendVarint(dst, replayable)
}

func ParsePair(body []byte) (seq int64, replayable int64, err error) {
	seq, n := binary.Varint(body)
	if n <= 0 {
		return 0, 0, ErrMalformed
	}
	replayable, m := binary.Varint(body[n:])
	if m <= 0 {
		return 0, 0, ErrMalformed
	}
	return seq, replayable, nil
}

// AppendString Body of AttachTo: varint length | bytes.
func AppendString(dst []byte, s string) []byte {
	dst = binary.AppendVarint(dst, int64(len(s)))
	return append(dst, s...)
}

func ParseString(body []byte) (string, []byte, error) {
	l, n := binary.Varint(body)
	if n <= 0 || l < 0 || int(l) > len(body)-n {
		return "", nil, ErrMalformed
	}
	return string(body[n : n+int(l)]), body[n+int(l):], nil
}

// RPC Parsed body of a MSG_RPC.
type RPC struct {
	Dest      []byte
	Kind      byte
	ReturnSeq int64
	Payload   []byte
}

// Replayable Impulses are the only calls not regenerated on replay.
func (rpc *RPC) Replayable() bool {
	return rpc.Kind != RPC_IMPULSE
}

// AppendRPC Append a complete MSG_RPC frame.
func AppendRPC(dst []byte, dest string, kind byte, returnSeq int64, payload []byte) []byte {
	body := AppendString(make([]byte, 0, len(dest)+len(payload)+16), dest)
	body = append(body, kind)
	if kind == RPC_REQUEST || kind == RPC_RETURN {
		body = binary.AppendVarint(body, returnSeq)
	}
	return AppendMessage(dst, MSG_RPC, body, payload)
}

// ParseRPC Parse the body of a MSG_RPC. The returned slices alias body.
func ParseRPC(body []byte) (RPC, error) {
	var rpc RPC
	l, n := binary.Varint(body)
	if n <= 0 || l < 0 || int(l) >= len(body)-n {
		return rpc, ErrMalformed
	}
	rpc.Dest = body[n : n+int(l)]
	rest := body[n+int(l):]
	rpc.Kind = rest[0]
	rest = rest[1:]
	switch rpc.Kind {
	case RPC_REQUEST, RPC_RETURN:
		seq, m := binary.Varint(rest)
		if m <= 0 {
			return rpc, ErrMalformed
		}
		rpc.ReturnSeq = seq
		rest = rest[m:]
	case RPC_FIRE_FORGET, RPC_IMPULSE:
	default:
		return rpc, fmt.Errorf("%w: unknown rpc kind %d", ErrMalformed, rpc.Kind)
	}
	rpc.Payload = rest
	return rpc, nil
}

// ParseBatch Parse the body of MSG_RPC_BATCH or MSG_COUNTED_BATCH.
// For MSG_RPC_BATCH, replayable is counted from the calls.
func ParseBatch(msg Message) (count int64, replayable int64, msgs []byte, err error) {
	body := msg.Body
	count, n := binary.Varint(body)
	if n <= 0 || count < 0 {
		return 0, 0, nil, ErrMalformed
	}
	body = body[n:]
	if msg.Type == MSG_COUNTED_BATCH {
		replayable, n = binary.Varint(body)
		if n <= 0 || replayable < 0 || replayable > count {
			return 0, 0, nil, ErrMalformed
		}
		return count, replayable, body[n:], nil
	}

	err = EachMessage(body, func(inner Message) error {
		if inner.Type != MSG_RPC {
			return ErrMalformed
		}
		rpc, err := ParseRPC(inner.Body)
		if err != nil {
			return err
		}
		if rpc.Replayable() {
			replayable++
		}
		return nil
	})
	return count, replayable, body, err
}

// AppendBatchHeader Append the header of a batch carrying count calls in msgLen bytes.
// A MSG_RPC_BATCH is used if all calls are replayable.
func AppendBatchHeader(dst []byte, count int64, replayable int64, msgLen int) []byte {
	var counts [2 * binary.MaxVarintLen64]byte
	n := binary.PutVarint(counts[:], count)
	typ := MSG_RPC_BATCH
	if replayable != count {
		typ = MSG_COUNTED_BATCH
		n += binary.PutVarint(counts[n:], replayable)
	}
	dst = AppendHeader(dst, typ, n+msgLen)
	return append(dst, counts[:n]...)
}

// CountCalls Number of calls and replayable calls carried by a frame.
func CountCalls(msg Message) (count int64, replayable int64, err error) {
	switch msg.Type {
	case MSG_RPC:
		rpc, err := ParseRPC(msg.Body)
		if err != nil {
			return 0, 0, err
		}
		if rpc.Replayable() {
			return 1, 1, nil
		}
		return 1, 0, nil
	case MSG_RPC_BATCH, MSG_COUNTED_BATCH:
		count, replayable, _, err = ParseBatch(msg)
		return count, replayable, err
	default:
		return 0, 0, fmt.Errorf("%w: %s carries no call", ErrIllegalMessage, MessageName(msg.Type))
	}
}
