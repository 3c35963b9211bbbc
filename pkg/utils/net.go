package utils

import (
	"net"
	"strings"
)

// HostOnly strips the port from a "host:port" address and unwraps
// IPv4-mapped IPv6 forms such as "::ffff:10.0.0.1".
func HostOnly(addr string) string {
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(strings.TrimSuffix(strings.TrimPrefix(host, "["), "]"), "::ffff:")
	if ip := net.ParseIP(host); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return v4.String()
		}
		return ip.String()
	}
	return host
}

// InterfaceAddr is one IPv4 address bound to a local interface.
type InterfaceAddr struct {
	Interface string
	Address   string
}

// LocalIPv4Addrs lists the non-loopback IPv4 addresses of the host, in
// interface order.
func LocalIPv4Addrs() ([]InterfaceAddr, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var out []InterfaceAddr
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		out = append(out, ipv4Of(iface.Name, addrs)...)
	}
	return out, nil
}

func ipv4Of(name string, addrs []net.Addr) []InterfaceAddr {
	var out []InterfaceAddr
	for _, a := range addrs {
		var ip net.IP
		switch v := a.(type) {
		case *net.IPNet:
			ip = v.IP
		case *net.IPAddr:
			ip = v.IP
		}
		if ip == nil || ip.IsLoopback() {
			continue
		}
		if v4 := ip.To4(); v4 != nil {
			out = append(out, InterfaceAddr{Interface: name, Address: v4.String()})
		}
	}
	return out
}
