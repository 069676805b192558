package tracker

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"EmberTorrent/torrent"
)

// Event is the announce event reported to the tracker.
type Event string

const (
	EventNone      Event = ""
	EventStarted   Event = "started"
	EventStopped   Event = "stopped"
	EventCompleted Event = "completed"
)

// ErrTrackerFailure wraps the "failure reason" a tracker may answer
// instead of a peer list.
var ErrTrackerFailure = errors.New("tracker: announce failed")

// PeerAddress is one (IP, port) candidate returned by the tracker.
// Duplicates are harmless; the core enforces no uniqueness.
type PeerAddress struct {
	IP   net.IP
	Port uint16
}

func (p PeerAddress) String() string {
	return net.JoinHostPort(p.IP.String(), strconv.Itoa(int(p.Port)))
}

// Response is the useful part of an announce exchange.
type Response struct {
	Peers    []PeerAddress
	Interval time.Duration
}

// Stats is the transfer state reported on each announce.
type Stats struct {
	Downloaded int
	Uploaded   int
	Left       int
}

// Announcer performs the announce exchange for one torrent against its
// tracker, over HTTP or UDP depending on the announce URL scheme.
type Announcer struct {
	announce string
	infoHash [20]byte
	peerID   [20]byte
	port     uint16
}

// NewAnnouncer builds an announcer for the torrent's announce URL.
func NewAnnouncer(info *torrent.TorrentInfo, peerID [20]byte, port uint16) (*Announcer, error) {
	u, err := url.Parse(info.Announce)
	if err != nil {
		return nil, fmt.Errorf("tracker: announce url: %w", err)
	}
	switch u.Scheme {
	case "http", "https", "udp":
	default:
		return nil, fmt.Errorf("tracker: unsupported announce scheme %q", u.Scheme)
	}

	return &Announcer{
		announce: info.Announce,
		infoHash: info.InfoHash,
		peerID:   peerID,
		port:     port,
	}, nil
}

// Announce runs one announce exchange and returns candidate peers plus
// the suggested re-announce interval.
func (a *Announcer) Announce(ctx context.Context, event Event, stats Stats) (*Response, error) {
	u, err := url.Parse(a.announce)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "udp" {
		return a.announceUDP(ctx, event, stats)
	}
	return a.announceHTTP(ctx, event, stats)
}

// parseCompactPeers splits the binary peers model: 6 bytes per peer,
// 4 for the IPv4 address and 2 for the big-endian port.
func parseCompactPeers(data []byte) ([]PeerAddress, error) {
	if len(data)%6 != 0 {
		return nil, fmt.Errorf("tracker: compact peer list of %d bytes is not a multiple of 6", len(data))
	}
	peers := make([]PeerAddress, len(data)/6)
	for i := range peers {
		entry := data[i*6 : i*6+6]
		peers[i].IP = net.IPv4(entry[0], entry[1], entry[2], entry[3])
		peers[i].Port = binary.BigEndian.Uint16(entry[4:6])
	}
	return peers, nil
}
