package buffer

import (
	"io"

	csync "github.com/microsoft/AMBROSIA-sub006/common/sync"
	protocol "github.com/microsoft/AMBROSIA-sub006/common/types"
)

// Cursor Resumable send position: the next message is the Index-th of Page, starting at Offset.
// Replayable counts the replayable messages before Index.
// A zero Cursor points to the head of the buffer.
type Cursor struct {
	Page       *Page
	Offset     int
	Index      int32
	Replayable int32
}

// PageSnapshot Copy of a page for checkpoints.
type PageSnapshot struct {
	Low        int64
	High       int64
	Total      int32
	Replayable int32
	Data       []byte
}

// Buffer Outgoing calls to one destination, kept until the destination has durably logged them.
// Appenders work on the tail under the append lock, trimming and sending work from the head
// under the trim lock. Whenever both are needed, the trim lock is taken first.
type Buffer struct {
	head *Page
	tail *Page

	appendLock csync.SpinLock
	trimLock   csync.SpinLock
}

func New() *Buffer {
	p := allocPage(0)
	return &Buffer{head: p, tail: p}
}

// Append Append a framed message numbered seq.
func (b *Buffer) Append(msg []byte, seq int64, replayable bool) *Page {
	b.appendLock.Lock()
	defer b.appendLock.Unlock()

	return b.AppendLocked(msg, seq, replayable)
}

// AppendLocked Append with the append lock held by the caller.
func (b *Buffer) AppendLocked(msg []byte, seq int64, replayable bool) *Page {
	p := b.tail
	if (p.Total > 0 && (seq != p.High+1 || len(msg) > p.free())) || (p.Total == 0 && len(msg) > cap(p.data)) {
		np := allocPage(len(msg))
		p.next.Store(np)
		b.tail = np
		p = np
	}
	if p.Total == 0 {
		p.Low = seq
	}
	p.data = append(p.data, msg...)
	p.High = seq
	p.Total++
	if replayable {
		p.Replayable++
	}
	return p
}

func (b *Buffer) LockAppend() {
	b.appendLock.Lock()
}

func (b *Buffer) UnlockAppend() {
	b.appendLock.Unlock()
}

// Freeze Stop both appending and trimming.
func (b *Buffer) Freeze() {
	b.trimLock.Lock()
	b.appendLock.Lock()
}

func (b *Buffer) Thaw() {
	b.appendLock.Unlock()
	b.trimLock.Unlock()
}

// Trim Drop pages whose messages are all numbered upToSeq or below.
// cur is moved off any dropped page.
func (b *Buffer) Trim(upToSeq int64, cur *Cursor) {
	b.trimLock.Lock()
	defer b.trimLock.Unlock()

	for {
		p := b.head
		if p.next.Load() == nil {
			b.trimTail(p, upToSeq, cur)
			return
		}
		if p.Total > 0 && p.High > upToSeq {
			return
		}

		next := p.next.Load()
		b.head = next
		if cur != nil && cur.Page == p {
			*cur = Cursor{Page: next}
		}
		p.release()
	}
}

func (b *Buffer) trimTail(p *Page, upToSeq int64, cur *Cursor) {
	b.appendLock.Lock()
	defer b.appendLock.Unlock()

	if p.next.Load() != nil || p.Total == 0 || p.High > upToSeq || p.pinned() {
		return
	}
	p.reset()
	if cur != nil && cur.Page == p {
		*cur = Cursor{Page: p}
	}
}

// ReplayFrom Position cur at the message numbered firstSeq, or after the last message if there is none.
func (b *Buffer) ReplayFrom(firstSeq int64, cur *Cursor) {
	b.Freeze()
	defer b.Thaw()

	for p := b.head; p != nil; p = p.next.Load() {
		if p.Total == 0 || p.High < firstSeq {
			if p.next.Load() == nil {
				*cur = Cursor{Page: p, Offset: len(p.data), Index: p.Total, Replayable: p.Replayable}
				return
			}
			continue
		}
		if firstSeq <= p.Low {
			*cur = Cursor{Page: p}
			return
		}

		skip := int32(firstSeq - p.Low)
		*cur = Cursor{Page: p, Index: skip}
		data := p.data
		for i := int32(0); i < skip; i++ {
			msg, n, err := protocol.ParseMessage(data)
			if err != nil {
				break
			}
			if isReplayable(msg) {
				cur.Replayable++
			}
			cur.Offset += n
			data = data[n:]
		}
		return
	}
}

// Rebase Shift the numbering of pages holding messages numbered above afterSeq.
func (b *Buffer) Rebase(afterSeq int64, shift int64) {
	b.Freeze()
	defer b.Thaw()

	b.RebaseLocked(afterSeq, shift)
}

// RebaseLocked Rebase with the buffer frozen by the caller.
func (b *Buffer) RebaseLocked(afterSeq int64, shift int64) {
	if shift == 0 {
		return
	}
	for p := b.head; p != nil; p = p.next.Load() {
		if p.Total > 0 && p.High > afterSeq {
			p.Low += shift
			p.High += shift
		}
	}
}

// Send Write everything after cur to w, advancing cur. Returns the number of messages written.
// No lock is held while writing.
func (b *Buffer) Send(w io.Writer, cur *Cursor) (int, error) {
	sent := 0
	var header []byte
	for {
		b.trimLock.Lock()
		if cur.Page == nil {
			cur.Page = b.head
		}
		p := cur.Page
		b.appendLock.Lock()
		total, replayable, data, next := p.Total, p.Replayable, p.data, p.next.Load()
		b.appendLock.Unlock()

		if cur.Index >= total {
			if next == nil {
				b.trimLock.Unlock()
				return sent, nil
			}
			*cur = Cursor{Page: next}
			b.trimLock.Unlock()
			continue
		}

		p.pin()
		from, count, reps := cur.Offset, total-cur.Index, replayable-cur.Replayable
		b.trimLock.Unlock()

		var err error
		if count == 1 {
			_, err = w.Write(data[from:])
		} else {
			header = protocol.AppendBatchHeader(header[:0], int64(count), int64(reps), len(data)-from)
			if _, err = w.Write(header); err == nil {
				_, err = w.Write(data[from:])
			}
		}
		p.release()
		if err != nil {
			return sent, err
		}
		sent += int(count)

		b.trimLock.Lock()
		if cur.Page == p {
			cur.Offset, cur.Index, cur.Replayable = len(data), total, replayable
		}
		b.trimLock.Unlock()
	}
}

// Pending Whether cur is behind the tail.
func (b *Buffer) Pending(cur *Cursor) bool {
	b.Freeze()
	defer b.Thaw()

	p := cur.Page
	if p == nil {
		p = b.head
	}
	for ; p != nil; p = p.next.Load() {
		if p == cur.Page {
			if cur.Index < p.Total {
				return true
			}
		} else if p.Total > 0 {
			return true
		}
	}
	return false
}

// Range First and last sequence numbers buffered, ok is false if the buffer is empty.
func (b *Buffer) Range() (low int64, high int64, ok bool) {
	b.Freeze()
	defer b.Thaw()

	for p := b.head; p != nil; p = p.next.Load() {
		if p.Total == 0 {
			continue
		}
		if !ok {
			low, ok = p.Low, true
		}
		high = p.High
	}
	return
}

// Len Number of messages buffered.
func (b *Buffer) Len() int {
	b.Freeze()
	defer b.Thaw()

	n := 0
	for p := b.head; p != nil; p = p.next.Load() {
		n += int(p.Total)
	}
	return n
}

// PagesLocked Copy the non-empty pages. The buffer must be frozen.
func (b *Buffer) PagesLocked() []PageSnapshot {
	var snapshots []PageSnapshot
	for p := b.head; p != nil; p = p.next.Load() {
		if p.Total == 0 {
			continue
		}
		data := make([]byte, len(p.data))
		copy(data, p.data)
		snapshots = append(snapshots, PageSnapshot{Low: p.Low, High: p.High, Total: p.Total, Replayable: p.Replayable, Data: data})
	}
	return snapshots
}

// Restore Append pages loaded from a checkpoint.
func (b *Buffer) Restore(snapshots []PageSnapshot) {
	b.Freeze()
	defer b.Thaw()

	for _, snapshot := range snapshots {
		p := b.tail
		if p.Total > 0 || len(snapshot.Data) > cap(p.data) {
			np := allocPage(len(snapshot.Data))
			p.next.Store(np)
			b.tail = np
			p = np
		}
		p.Low, p.High = snapshot.Low, snapshot.High
		p.Total, p.Replayable = snapshot.Total, snapshot.Replayable
		p.data = append(p.data, snapshot.Data...)
	}
}

// Close Return all pages to the pool.
func (b *Buffer) Close() {
	b.trimLock.Lock()
	defer b.trimLock.Unlock()

	for p := b.head; p != nil; {
		next := p.next.Load()
		p.release()
		p = next
	}
	b.head, b.tail = nil, nil
}

func isReplayable(msg protocol.Message) bool {
	if msg.Type != protocol.MSG_RPC {
		return true
	}
	rpc, err := protocol.ParseRPC(msg.Body)
	return err != nil || rpc.Replayable()
}
