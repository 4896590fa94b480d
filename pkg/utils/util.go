package utils

import (
	"errors"
	"net"
	"strconv"
	"strings"
)

var (
	ErrPort  = errors.New("invalid port")
	ErrNoIP  = errors.New("no usable ipv4 address")
	loopback = net.IPv4(127, 0, 0, 1)
)

func GetIP(addr string) string {
	if strings.Contains(addr, ":") {
		return strings.Split(addr, ":")[0]
	}
	return ""
}

func GetPort(addr string) string {
	if strings.Contains(addr, ":") {
		return strings.Split(addr, ":")[1]
	}
	return ""
}

func StrToUint16(str string) uint16 {
	i, _ := strconv.ParseUint(str, 10, 16)
	return uint16(i)
}

// ListenUDP binds exactly host:port. Port 0 lets the kernel pick one.
func ListenUDP(host string, port int) (*net.UDPConn, error) {
	if port < 0 || port > 0xFFFF {
		return nil, ErrPort
	}
	ip := net.IPv4zero
	if host != "" {
		if parsed := net.ParseIP(host); parsed != nil {
			ip = parsed
		}
	}
	return net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: port})
}

// FreeUDPPort asks the kernel for a UDP port that is currently unused on
// host.
func FreeUDPPort(host string) (int, error) {
	conn, err := ListenUDP(host, 0)
	if err != nil {
		return 0, err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).Port, nil
}

// LocalIP returns the first IPv4 address of the named interface, or of any
// non-loopback interface when name is empty.
func LocalIP(name string) (string, error) {
	var ifaces []net.Interface
	if name != "" {
		iface, err := net.InterfaceByName(name)
		if err != nil {
			return "", err
		}
		ifaces = []net.Interface{*iface}
	} else {
		all, err := net.Interfaces()
		if err != nil {
			return "", err
		}
		ifaces = all
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 {
			continue
		}
		if name == "" && iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			var ip net.IP
			switch v := addr.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			}
			if ip4 := ip.To4(); ip4 != nil && !ip4.Equal(loopback) {
				return ip4.String(), nil
			}
		}
	}
	return "", ErrNoIP
}
