package sync

import (
	"runtime"
	"sync/atomic"
)

// SpinLock Lock for critical sections that only touch a few pointers.
// Never hold it across I/O.
type SpinLock int32

func (l *SpinLock) Lock() {
	for !atomic.CompareAndSwapInt32((*int32)(l), 0, 1) {
		runtime.Gosched()
	}
}

func (l *SpinLock) TryLock() bool {
	return atomic.CompareAndSwapInt32((*int32)(l), 0, 1)
}

func (l *SpinLock) Unlock() {
	atomic.StoreInt32((*int32)(l), 0)
}

func (l *SpinLock) IsLocked() bool {
	return atomic.LoadInt32((*int32)(l)) == 1
}
