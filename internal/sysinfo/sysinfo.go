// Package sysinfo describes the host for the register frame.
package sysinfo

import (
	"net"
	"os"
)

// Info identifies the host running the agent.
type Info struct {
	OS       string
	Hostname string
	LocalIP  string
}

// Collect gathers host details. Lookups that fail fall back to loopback
// values rather than erroring.
func Collect() Info {
	return Info{
		OS:       osDescription(),
		Hostname: hostname(),
		LocalIP:  localIP(),
	}
}

func hostname() string {
	name, err := os.Hostname()
	if err != nil || name == "" {
		return "localhost"
	}
	return name
}

// localIP returns the first non-loopback IPv4 address of an interface that
// is up, or 127.0.0.1.
func localIP() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "127.0.0.1"
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if ip4 := ipnet.IP.To4(); ip4 != nil && !ip4.IsLinkLocalUnicast() {
				return ip4.String()
			}
		}
	}
	return "127.0.0.1"
}
