package util

import (
	"errors"
	"io"
	"net"
	"strings"
)

// IsConnectionFailed Whether err means the peer is gone rather than a protocol error.
func IsConnectionFailed(err error) bool {
	if err == nil {
		return false
	} else if err == io.EOF || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
		return true
	} else if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return true
	}

	return strings.Contains(err.Error(), "use of closed network connection") ||
		strings.Contains(err.Error(), "connection reset by peer")
}
