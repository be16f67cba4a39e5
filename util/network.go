package util

import (
	"fmt"
	"net"
	"strconv"
)

// SplitBindAddr splits a "host:port" bind address.  An empty host is
// allowed (wildcard); the port must be numeric and in 0-65535, where 0
// asks the OS (or SSH gateway) to pick one.
func SplitBindAddr(addr string) (host string, port int, err error) {
	host, ps, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("bind address %q: %w", addr, err)
	}
	port, err = strconv.Atoi(ps)
	if err != nil || port < 0 || port > 65535 {
		return "", 0, fmt.Errorf("bind address %q: invalid port %q", addr, ps)
	}
	return host, port, nil
}

// FormatAddr returns "host:port".
func FormatAddr(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// AddrString renders a net.Addr, returning "" for nil.  Some listeners
// (SSH channels, pipes) hand out connections with no usable address.
func AddrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}

// FindFreePort returns an available TCP port on 127.0.0.1.
func FindFreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("finding free port: %w", err)
	}
	defer l.Close()
	return l.Addr().(*net.TCPAddr).Port, nil
}
