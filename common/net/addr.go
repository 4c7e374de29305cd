package net

type StrAddr string

func (addr StrAddr) String() string {
	return string(addr)
}

func (addr StrAddr) Network() string {
	return "loopback"
}
