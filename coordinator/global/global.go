package global

import (
	"errors"
	"net"

	"github.com/google/uuid"

	"github.com/microsoft/AMBROSIA-sub006/common/logger"
)

var (
	Log      logger.ILogger = logger.NilLogger
	BasePort                = 2500
	ServerIp string
	// InstanceID Identity of this process as a lease holder.
	InstanceID = uuid.New().String()

	ErrNoPrivateIp = errors.New("no private ip found")
)

func init() {
	ip, err := GetPrivateIp()
	if err != nil {
		ip = "127.0.0.1"
	}
	ServerIp = ip
}

// GetPrivateIp First private IPv4 address of this host.
func GetPrivateIp() (string, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", err
	}
	for _, addr := range addrs {
		if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() && ipnet.IP.To4() != nil && ipnet.IP.IsPrivate() {
			return ipnet.IP.String(), nil
		}
	}
	return "", ErrNoPrivateIp
}
