package commitlog

import (
	"bytes"
	"sync"
	"sync/atomic"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/microsoft/AMBROSIA-sub006/coordinator/types"
)

type bufferLog struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (l *bufferLog) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.buf.Write(p)
}

func (l *bufferLog) Sync() error  { return nil }
func (l *bufferLog) Close() error { return nil }

func (l *bufferLog) Bytes() []byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]byte(nil), l.buf.Bytes()...)
}

// stage Leave a row in the active buffer the way an appender that never committed would.
func stage(c *CommitLog, payload []byte, input string) {
	buf := c.active.Load()
	s := decodeStatus(atomic.LoadUint64(&c.status))
	copy(buf.data[s.length:], payload)
	s.length += uint32(len(payload))
	atomic.StoreUint64(&c.status, s.encode())
	buf.inputs.Set(input, types.SequencePair{Seq: 9, Replayable: 9})
	atomic.StoreInt32(&buf.dirty, 1)
}

var _ = Describe("ResetUncommitted", func() {
	It("should drop staged rows so they never reach the log", func() {
		c := New(256, nil)
		defer c.Close()
		w := &bufferLog{}
		_, err := c.SwapWriter(w, 0)
		Expect(err).To(BeNil())

		stage(c, []byte("stale"), "B")
		Expect(c.ResetUncommitted()).To(BeNil())
		Expect(c.Restore(3, 1)).To(BeNil())
		c.Resume()
		Expect(c.ResetUncommitted()).To(Equal(ErrNotQuiesced))

		input := types.NewInputRecord("A")
		p := c.AddRow([]byte("fresh"), input, types.SequencePair{Seq: 1, Replayable: 1})
		Eventually(p.Done()).Should(BeClosed())

		data := w.Bytes()
		header := DecodeHeader(data)
		Expect(int(header.Length)).To(Equal(len(data)))
		rec, err := DecodeBody(header, data[HeaderSize:])
		Expect(err).To(BeNil())
		Expect(rec.Messages).To(Equal([]byte("fresh")))
		Expect(rec.Inputs).To(HaveLen(1))
		Expect(rec.Inputs[0].Name).To(Equal("A"))
	})
})
