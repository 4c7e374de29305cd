package types

import (
	"fmt"
	"sync/atomic"
)

// SequencePair Position in a call stream: all calls and the replayable ones among them.
type SequencePair struct {
	Seq        int64
	Replayable int64
}

// Next Pair of the call following p.
func (p SequencePair) Next(replayable bool) SequencePair {
	p.Seq++
	if replayable {
		p.Replayable++
	}
	return p
}

// Add Advance p by count calls, replayable of which are replayable.
func (p SequencePair) Add(count int64, replayable int64) SequencePair {
	return SequencePair{Seq: p.Seq + count, Replayable: p.Replayable + replayable}
}

// Max Later of p and o.
func (p SequencePair) Max(o SequencePair) SequencePair {
	if o.Seq > p.Seq {
		return o
	}
	return p
}

func (p SequencePair) String() string {
	return fmt.Sprintf("(%d, %d)", p.Seq, p.Replayable)
}

// Role Role of a coordinator instance.
type Role int32

const (
	RoleSecondary Role = iota
	RoleCheckpointer
	RolePrimary
)

func (r Role) String() string {
	switch r {
	case RoleSecondary:
		return "Secondary"
	case RoleCheckpointer:
		return "Checkpointer"
	case RolePrimary:
		return "Primary"
	default:
		return "Unknown"
	}
}

// AtomicRole Role that can be read while the promotion detector changes it.
type AtomicRole int32

func (r *AtomicRole) Load() Role {
	return Role(atomic.LoadInt32((*int32)(r)))
}

func (r *AtomicRole) Store(role Role) {
	atomic.StoreInt32((*int32)(r), int32(role))
}

func (r *AtomicRole) CompareAndSwap(old Role, new Role) bool {
	return atomic.CompareAndSwapInt32((*int32)(r), int32(old), int32(new))
}
