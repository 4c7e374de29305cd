package commitlog

import (
	"encoding/binary"
	"errors"
	"sort"

	"github.com/zhangjyr/hashmap"

	"github.com/microsoft/AMBROSIA-sub006/coordinator/types"
)

const (
	// HeaderSize commitID int32 | recordLength int32 | checksum int64 | writeSeq int64
	HeaderSize = 24
	// PrefixSize Header and the length of the messages section.
	PrefixSize = HeaderSize + 4
)

var (
	ErrShortRecord = errors.New("record shorter than its header claims")
)

// Header Fixed part of a log record.
type Header struct {
	CommitID int32
	Length   int32
	Checksum uint64
	WriteSeq int64
}

func (h *Header) Encode(b []byte) {
	binary.LittleEndian.PutUint32(b[0:], uint32(h.CommitID))
	binary.LittleEndian.PutUint32(b[4:], uint32(h.Length))
	binary.LittleEndian.PutUint64(b[8:], h.Checksum)
	binary.LittleEndian.PutUint64(b[16:], uint64(h.WriteSeq))
}

func DecodeHeader(b []byte) Header {
	return Header{
		CommitID: int32(binary.LittleEndian.Uint32(b[0:])),
		Length:   int32(binary.LittleEndian.Uint32(b[4:])),
		Checksum: binary.LittleEndian.Uint64(b[8:]),
		WriteSeq: int64(binary.LittleEndian.Uint64(b[16:])),
	}
}

// Watermark Pair recorded for a source or destination.
type Watermark struct {
	Name string
	Pair types.SequencePair
}

// Record A durable log record.
type Record struct {
	Header
	// Messages Frames accepted from sources, in order.
	Messages []byte
	// Inputs Last pair accepted from each source in this record.
	Inputs []Watermark
	// Trims Trims acknowledged by destinations in this record.
	Trims []Watermark
}

// Checksum XOR of little endian 64 bit words, the trailing partial word zero padded.
// Writes may be split at any byte.
type Checksum struct {
	sum  uint64
	word uint64
	n    int
}

func (c *Checksum) Write(p []byte) (int, error) {
	total := len(p)
	for c.n > 0 && len(p) > 0 {
		c.word |= uint64(p[0]) << (8 * c.n)
		c.n++
		p = p[1:]
		if c.n == 8 {
			c.sum ^= c.word
			c.word, c.n = 0, 0
		}
	}
	for len(p) >= 8 {
		c.sum ^= binary.LittleEndian.Uint64(p)
		p = p[8:]
	}
	for _, b := range p {
		c.word |= uint64(b) << (8 * c.n)
		c.n++
	}
	return total, nil
}

func (c *Checksum) Sum64() uint64 {
	return c.sum ^ c.word
}

func (c *Checksum) Reset() {
	c.sum, c.word, c.n = 0, 0, 0
}

// AppendWatermarks count int32 | {nameLen int32 | name | seq int64 | replayable int64}*
func AppendWatermarks(dst []byte, marks []Watermark) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, uint32(len(marks)))
	for _, mark := range marks {
		dst = binary.LittleEndian.AppendUint32(dst, uint32(len(mark.Name)))
		dst = append(dst, mark.Name...)
		dst = binary.LittleEndian.AppendUint64(dst, uint64(mark.Pair.Seq))
		dst = binary.LittleEndian.AppendUint64(dst, uint64(mark.Pair.Replayable))
	}
	return dst
}

func decodeWatermarks(b []byte) ([]Watermark, []byte, error) {
	if len(b) < 4 {
		return nil, nil, ErrShortRecord
	}
	count := int(binary.LittleEndian.Uint32(b))
	b = b[4:]
	if count > len(b)/20 {
		return nil, nil, ErrShortRecord
	}
	marks := make([]Watermark, count)
	for i := range marks {
		if len(b) < 4 {
			return nil, nil, ErrShortRecord
		}
		l := int(binary.LittleEndian.Uint32(b))
		if l < 0 || len(b) < 4+l+16 {
			return nil, nil, ErrShortRecord
		}
		marks[i].Name = string(b[4 : 4+l])
		b = b[4+l:]
		marks[i].Pair.Seq = int64(binary.LittleEndian.Uint64(b))
		marks[i].Pair.Replayable = int64(binary.LittleEndian.Uint64(b[8:]))
		b = b[16:]
	}
	return marks, b, nil
}

// DecodeBody Decode everything after the header.
func DecodeBody(header Header, body []byte) (*Record, error) {
	if len(body) < 4 {
		return nil, ErrShortRecord
	}
	msgLen := int(binary.LittleEndian.Uint32(body))
	if msgLen < 0 || msgLen > len(body)-4 {
		return nil, ErrShortRecord
	}
	rec := &Record{Header: header, Messages: body[4 : 4+msgLen]}

	var err error
	rest := body[4+msgLen:]
	if rec.Inputs, rest, err = decodeWatermarks(rest); err != nil {
		return nil, err
	}
	if rec.Trims, rest, err = decodeWatermarks(rest); err != nil {
		return nil, err
	}
	if len(rest) > 0 {
		return nil, ErrShortRecord
	}
	return rec, nil
}

// Verify Check body against the checksum in header.
func Verify(header Header, body []byte) bool {
	var sum Checksum
	sum.Write(body)
	return sum.Sum64() == header.Checksum
}

// sortedWatermarks Watermarks in a map, ordered by name.
func sortedWatermarks(m *hashmap.HashMap) []Watermark {
	if m.Len() == 0 {
		return nil
	}
	marks := make([]Watermark, 0, m.Len())
	for kv := range m.Iter() {
		marks = append(marks, Watermark{Name: kv.Key.(string), Pair: kv.Value.(types.SequencePair)})
	}
	sort.Slice(marks, func(i, j int) bool {
		return marks[i].Name < marks[j].Name
	})
	return marks
}
