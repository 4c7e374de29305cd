package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
)

// LogWriter Destination of committed records.
type LogWriter interface {
	io.Writer
	Sync() error
	Close() error
}

// LogReader Random access to a log segment that may still be growing.
type LogReader interface {
	io.ReaderAt
	Size() (int64, error)
	Close() error
}

// CheckpointWriter Checkpoint being written. It becomes visible on Commit.
type CheckpointWriter interface {
	io.Writer
	Commit() error
	Abort() error
}

// LogStore Log segments and checkpoints, numbered from 1. Checkpoint n pairs with log n.
type LogStore interface {
	CreateLog(n int64) (LogWriter, error)
	// AppendLog Open log n for appending after truncating it to offset.
	AppendLog(n int64, offset int64) (LogWriter, error)
	OpenLog(n int64) (LogReader, error)
	RemoveLog(n int64) error

	CreateCheckpoint(n int64) (CheckpointWriter, error)
	OpenCheckpoint(n int64) (io.ReadCloser, error)
	RemoveCheckpoint(n int64) error
}

// Metadata Service generation record, last writer wins.
type Metadata struct {
	CurrentVersion          int64
	LastCommittedCheckpoint int64
	LastLogFile             int64
	CommitID                int32
}

// MetaStore Metadata and instance addresses of a (service, shard).
type MetaStore interface {
	Get(ctx context.Context) (Metadata, error)
	Put(ctx context.Context, meta Metadata) error
	Register(ctx context.Context, instance string, address string) error
	Resolve(ctx context.Context, instance string) (string, error)
}

type LeaseResult int

const (
	LeaseAcquired LeaseResult = iota
	LeaseContended
)

func (r LeaseResult) String() string {
	if r == LeaseAcquired {
		return "acquired"
	}
	return "contended"
}

// Leaser Named leases with a time to live. A lease is free once expired.
type Leaser interface {
	Acquire(ctx context.Context, name string, holder string, ttl time.Duration) (LeaseResult, error)
	Renew(ctx context.Context, name string, holder string, ttl time.Duration) (LeaseResult, error)
	Release(ctx context.Context, name string, holder string) error
	// Holder Current holder of an unexpired lease.
	Holder(ctx context.Context, name string) (holder string, held bool, err error)
}

// Meta MetaStore with leases.
type Meta interface {
	MetaStore
	Leaser
	Close() error
}

// Lease names.
const (
	KillLease = "kill"
)

func LogLease(n int64) string {
	return "log" + itoa(n)
}

func CheckpointLease(n int64) string {
	return "chkpt" + itoa(n)
}
