package network

import (
	"errors"
	"net"
	"strconv"
	"strings"
)

// Address is a network address in the host:port form.
type Address string

func (a *Address) Port() (int, error) {
	if len(string(*a)) == 0 {
		return 0, errors.New("no address")
	}
	parts := strings.Split(string(*a), ":")
	var port string
	if len(parts) == 1 {
		port = parts[0]
	} else {
		port = parts[len(parts)-1]
	}
	if val, err := strconv.Atoi(port); err == nil {
		return val, nil
	}
	return 0, errors.New("port is not a number")
}

// SplitHostPort splits the address, the port is 0 when it's missing or broken.
func (a *Address) SplitHostPort() (string, int) {
	host, port, err := net.SplitHostPort(string(*a))
	if err != nil {
		return string(*a), 0
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return host, 0
	}
	return host, p
}
