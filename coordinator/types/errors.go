package types

import (
	"fmt"
	"os"

	"github.com/pkg/errors"

	"github.com/microsoft/AMBROSIA-sub006/common/logger"
)

// Error classes that stop the coordinator.
var (
	ErrVersionMismatch     = errors.New("version mismatch")
	ErrMissingCheckpoint   = errors.New("missing checkpoint")
	ErrMissingLog          = errors.New("missing log")
	ErrCorruptRecord       = errors.New("corrupt log record")
	ErrDurableWrite        = errors.New("durable write failed")
	ErrKillLeaseLost       = errors.New("kill lease lost")
	ErrLogLeaseLost        = errors.New("log lease lost")
	ErrCheckpointLeaseLost = errors.New("checkpoint lease lost")
	ErrIllegalMessage      = errors.New("illegal message")
)

var (
	log logger.ILogger = &logger.ColorLogger{Prefix: "Fatal ", Level: logger.LOG_LEVEL_INFO}

	// Exit Terminates the process. Replaced in tests.
	Exit = os.Exit
)

// Class Name of the error class err belongs to. Empty for nil.
func Class(err error) string {
	if err == nil {
		return ""
	}
	return errors.Cause(err).Error()
}

// Fatal Print one diagnostic line and exit with status 1.
func Fatal(err error) {
	fmt.Fprintf(os.Stderr, "FATAL %s: %v\n", Class(err), err)
	log.Error("%+v", err)
	Exit(1)
}
