package checkpoint

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/cespare/xxhash"
	kbinary "github.com/kelindar/binary"

	"github.com/microsoft/AMBROSIA-sub006/coordinator/types"
)

const (
	// Magic "AMBRCHK1"
	Magic = uint64(0x314b484352424d41)
)

var (
	ErrBadMagic  = errors.New("not a checkpoint")
	ErrBadDigest = errors.New("checkpoint digest mismatch")
	ErrTruncated = errors.New("checkpoint truncated")
)

// InputSnapshot Checkpointed watermark of a source.
type InputSnapshot struct {
	Name string
	Pair types.SequencePair
}

// Snapshot Coordinator state at a log boundary. The checkpoint numbered n pairs with log n.
type Snapshot struct {
	Version      int64
	CommitID     int32
	NextWriteSeq int64
	Inputs       []InputSnapshot
	Outputs      []types.OutputSnapshot
}

// Encode Write a checkpoint:
// magic uint64 | stateLen uint64 | state | payloadLen uint64 | payload | xxhash64 of all before.
func Encode(w io.Writer, snapshot *Snapshot, payload []byte) (int64, error) {
	state, err := kbinary.Marshal(snapshot)
	if err != nil {
		return 0, err
	}

	digest := xxhash.New()
	out := io.MultiWriter(w, digest)
	var scratch [8]byte
	var written int64
	write := func(p []byte) error {
		n, err := out.Write(p)
		written += int64(n)
		return err
	}
	writeUint64 := func(v uint64) error {
		binary.LittleEndian.PutUint64(scratch[:], v)
		return write(scratch[:])
	}

	if err := writeUint64(Magic); err != nil {
		return written, err
	} else if err := writeUint64(uint64(len(state))); err != nil {
		return written, err
	} else if err := write(state); err != nil {
		return written, err
	} else if err := writeUint64(uint64(len(payload))); err != nil {
		return written, err
	} else if err := write(payload); err != nil {
		return written, err
	}

	binary.LittleEndian.PutUint64(scratch[:], digest.Sum64())
	n, err := w.Write(scratch[:])
	return written + int64(n), err
}

// Decode Parse and verify a checkpoint. The payload aliases data.
func Decode(data []byte) (*Snapshot, []byte, error) {
	if len(data) < 32 {
		return nil, nil, ErrTruncated
	}
	body := data[:len(data)-8]
	if binary.LittleEndian.Uint64(body) != Magic {
		return nil, nil, ErrBadMagic
	}
	if xxhash.Sum64(body) != binary.LittleEndian.Uint64(data[len(body):]) {
		return nil, nil, ErrBadDigest
	}

	rest := body[8:]
	stateLen := binary.LittleEndian.Uint64(rest)
	rest = rest[8:]
	if stateLen > uint64(len(rest))-8 {
		return nil, nil, ErrTruncated
	}
	snapshot := &Snapshot{}
	if err := kbinary.Unmarshal(rest[:stateLen], snapshot); err != nil {
		return nil, nil, err
	}
	rest = rest[stateLen:]

	payloadLen := binary.LittleEndian.Uint64(rest)
	rest = rest[8:]
	if payloadLen != uint64(len(rest)) {
		return nil, nil, ErrTruncated
	}
	return snapshot, rest, nil
}
