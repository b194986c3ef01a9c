package netutil

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	mapset "github.com/deckarep/golang-set"
)

var (
	// ErrNoPortAvailable is returned when every port of a probe window is
	// taken or reserved.
	ErrNoPortAvailable = errors.New("no port available")
)

// Listen binds a TCP listener on ip at the first free port of
// [first, last], skipping any port in reserved. The listener that won the
// probe is returned, so the reported port cannot be taken by someone else
// between probing and serving.
func Listen(ip string, first, last int, reserved mapset.Set) (net.Listener, int, error) {
	if first <= 0 || last < first || last > 65535 {
		return nil, 0, fmt.Errorf("invalid port window [%d, %d]", first, last)
	}
	for port := first; port <= last; port++ {
		if reserved != nil && reserved.Contains(port) {
			continue
		}
		ln, err := net.Listen("tcp", net.JoinHostPort(ip, strconv.Itoa(port)))
		if err != nil {
			continue
		}
		return ln, port, nil
	}
	return nil, 0, fmt.Errorf("%w in [%d, %d]", ErrNoPortAvailable, first, last)
}

// ListenSequential probes attempts ports upward from base.
func ListenSequential(ip string, base, attempts int) (net.Listener, int, error) {
	last := base + attempts - 1
	if last > 65535 {
		last = 65535
	}
	return Listen(ip, base, last, nil)
}

// ReservedSet builds the blocklist handed to Listen.
func ReservedSet(ports []int) mapset.Set {
	set := mapset.NewSet()
	for _, p := range ports {
		set.Add(p)
	}
	return set
}

// GetOutboundIP returns the preferred outbound ip of this machine.
func GetOutboundIP() net.IP {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return net.IPv4(127, 0, 0, 1)
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	return localAddr.IP
}
