package utils

import (
	"fmt"
	"math/rand"
	"net"
	"strings"
	"time"

	upnp "github.com/huin/goupnp/dcps/internetgateway1"
	log "github.com/sirupsen/logrus"
)

const (
	// DefaultPort is the port we report to trackers.
	DefaultPort = 6881

	// KeepAliveInterval is how long a peer connection may stay silent
	// before we send a keep-alive frame.
	KeepAliveInterval = 120 * time.Second

	peerIDPrefix = "-ET0001-"
)

// NewPeerID builds a 20-byte peer identity in the Azureus convention:
// a fixed client prefix followed by random digits.
func NewPeerID() [20]byte {
	var id [20]byte
	src := rand.New(rand.NewSource(time.Now().UnixNano()))

	copy(id[:], peerIDPrefix)
	for i := len(peerIDPrefix); i < len(id); i++ {
		id[i] = byte('0' + src.Intn(10))
	}
	return id
}

// IsBitSet reports whether bit i is set in a big-endian packed bitfield.
func IsBitSet(field []byte, i int) bool {
	byteIndex := i / 8
	if i < 0 || byteIndex >= len(field) {
		return false
	}
	return field[byteIndex]>>(7-uint(i%8))&1 != 0
}

// SetBit sets bit i in a big-endian packed bitfield. Out-of-range
// indices are ignored.
func SetBit(field []byte, i int) {
	byteIndex := i / 8
	if i < 0 || byteIndex >= len(field) {
		return
	}
	field[byteIndex] |= 1 << (7 - uint(i%8))
}

// LocalAddress returns the first non-loopback IPv4 address of an
// interface that is up, or nil if none is found.
func LocalAddress() net.IP {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}

	for _, iface := range ifaces {
		if !strings.Contains(iface.Flags.String(), "up") {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ip, _, err := net.ParseCIDR(addr.String())
			if err != nil || ip.IsLoopback() {
				continue
			}
			if v4 := ip.To4(); v4 != nil {
				return v4
			}
		}
	}
	return nil
}

// ForwardPort asks the gateway over UPnP to map port to this host so
// peers and trackers can reach us behind NAT.
func ForwardPort(port uint16) error {
	clients, _, err := upnp.NewWANIPConnection1Clients()
	if err != nil {
		return err
	}
	if len(clients) == 0 {
		return fmt.Errorf("upnp: no WANIPConnection endpoints found")
	}

	local := LocalAddress()
	if local == nil {
		return fmt.Errorf("upnp: no usable local address")
	}

	err = clients[0].AddPortMapping("", port, "TCP", port, local.String(), true, "EmberTorrent", 0)
	if err != nil {
		return err
	}
	log.Infof("upnp: mapped external port %v to %v:%v", port, local, port)
	return nil
}
