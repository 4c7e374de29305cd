package types

import "time"

var (
	HandshakeTimeout = 5 * time.Second
	PayloadTimeout   = 30 * time.Second
)

func GetDeadline(d time.Duration) time.Time {
	return time.Now().Add(d)
}

func GetHandshakeDeadline() time.Time {
	return GetDeadline(HandshakeTimeout)
}
