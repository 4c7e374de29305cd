package collector

import (
	"os"
	"sync/atomic"
	"time"

	"github.com/ScottMansfield/nanolog"

	"github.com/microsoft/AMBROSIA-sub006/common/logger"
)

const (
	LogTypeCommit     = "commit"
	LogTypeCheckpoint = "checkpoint"
	LogTypeRecovery   = "recovery"
)

var (
	// LogCommit fields: type(commit), writeSeq, bytes, inputs, trims, sealedAt, duration
	LogCommit nanolog.Handle
	// LogCheckpoint fields: type(checkpoint), checkpoint, bytes, start, duration
	LogCheckpoint nanolog.Handle
	// LogRecovery fields: type(recovery), log, records, bytes, start, duration
	LogRecovery nanolog.Handle

	enabled      int32
	stopped      int32
	ticker       *time.Ticker
	lastActivity int64
	log          logger.ILogger = &logger.ColorLogger{Prefix: "Collector ", Level: logger.LOG_LEVEL_INFO}
)

func init() {
	LogCommit = nanolog.AddLogger("%s,%i64,%i64,%i,%i,%i64,%i64")
	LogCheckpoint = nanolog.AddLogger("%s,%i64,%i64,%i64,%i64")
	LogRecovery = nanolog.AddLogger("%s,%i64,%i64,%i64,%i64,%i64")
}

// Create Start collecting into <prefix>_coordinator.clog.
func Create(prefix string) error {
	out, err := os.Create(prefix + "_coordinator.clog")
	if err != nil {
		return err
	}
	if err := nanolog.SetWriter(out); err != nil {
		return err
	}

	atomic.StoreInt32(&enabled, 1)
	ticker = time.NewTicker(1 * time.Second)
	go func() {
		for range ticker.C {
			done := atomic.LoadInt32(&stopped) == 1
			if done || time.Since(time.Unix(0, atomic.LoadInt64(&lastActivity))) >= 10*time.Second {
				if err := nanolog.Flush(); err != nil {
					log.Warn("Failed to save data: %v", err)
				}
			}
			if done {
				return
			}
		}
	}()
	return nil
}

func Enabled() bool {
	return atomic.LoadInt32(&enabled) == 1
}

func Stop() {
	if !atomic.CompareAndSwapInt32(&enabled, 1, 0) {
		return
	}
	atomic.StoreInt32(&stopped, 1)
	ticker.Stop()
	nanolog.Flush()
}

func Collect(handle nanolog.Handle, args ...interface{}) error {
	if !Enabled() {
		return nil
	}
	atomic.StoreInt64(&lastActivity, time.Now().UnixNano())
	return nanolog.Log(handle, args...)
}

func CollectCommit(writeSeq int64, bytes int, inputs int, trims int, sealedAt time.Time) {
	Collect(LogCommit, LogTypeCommit, writeSeq, int64(bytes), inputs, trims, sealedAt.UnixNano(), int64(time.Since(sealedAt)))
}

func CollectCheckpoint(checkpoint int64, bytes int64, start time.Time) {
	Collect(LogCheckpoint, LogTypeCheckpoint, checkpoint, bytes, start.UnixNano(), int64(time.Since(start)))
}

func CollectRecovery(logFile int64, records int64, bytes int64, start time.Time) {
	Collect(LogRecovery, LogTypeRecovery, logFile, records, bytes, start.UnixNano(), int64(time.Since(start)))
}
