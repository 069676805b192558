package tracker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/url"
	"time"

	log "github.com/sirupsen/logrus"
)

// UDP tracker protocol (BEP 15): a connect exchange yields a connection
// id, which authorizes one announce exchange on the same socket.

const (
	udpProtocolMagic = 0x41727101980
	udpTimeout       = 5 * time.Second

	udpActionConnect  = 0
	udpActionAnnounce = 1

	udpAnnounceHeaderLen = 20
	udpMaxPacket         = 1024
)

type udpConnectRequest struct {
	Magic         uint64
	Action        uint32
	TransactionID uint32
}

type udpConnectResponse struct {
	Action        uint32
	TransactionID uint32
	ConnectionID  uint64
}

type udpAnnounceRequest struct {
	ConnectionID  uint64
	Action        uint32
	TransactionID uint32
	InfoHash      [20]byte
	PeerID        [20]byte
	Downloaded    uint64
	Left          uint64
	Uploaded      uint64
	Event         uint32
	IPAddress     uint32
	Key           uint32
	NumWant       int32
	Port          uint16
}

type udpAnnounceResponseHeader struct {
	Action        uint32
	TransactionID uint32
	Interval      uint32
	Leechers      uint32
	Seeders       uint32
	// compact peer entries follow
}

func udpEventCode(event Event) uint32 {
	switch event {
	case EventCompleted:
		return 1
	case EventStarted:
		return 2
	case EventStopped:
		return 3
	}
	return 0
}

func (a *Announcer) announceUDP(ctx context.Context, event Event, stats Stats) (*Response, error) {
	u, err := url.Parse(a.announce)
	if err != nil {
		return nil, err
	}

	raddr, err := net.ResolveUDPAddr("udp", u.Host)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	deadline := time.Now().Add(udpTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, err
	}

	connectionID, err := udpConnect(conn)
	if err != nil {
		return nil, err
	}
	return udpAnnounce(conn, connectionID, a, event, stats)
}

func udpConnect(conn *net.UDPConn) (uint64, error) {
	req := udpConnectRequest{
		Magic:         udpProtocolMagic,
		Action:        udpActionConnect,
		TransactionID: rand.Uint32(),
	}
	if err := binary.Write(conn, binary.BigEndian, req); err != nil {
		return 0, err
	}

	resp := udpConnectResponse{}
	if err := binary.Read(conn, binary.BigEndian, &resp); err != nil {
		return 0, err
	}
	if resp.TransactionID != req.TransactionID || resp.Action != udpActionConnect {
		return 0, errors.New("tracker: invalid udp connect response")
	}
	log.Debugf("udp tracker connect ok, connection id %x", resp.ConnectionID)
	return resp.ConnectionID, nil
}

func udpAnnounce(conn *net.UDPConn, connectionID uint64, a *Announcer, event Event, stats Stats) (*Response, error) {
	req := udpAnnounceRequest{
		ConnectionID:  connectionID,
		Action:        udpActionAnnounce,
		TransactionID: rand.Uint32(),
		InfoHash:      a.infoHash,
		PeerID:        a.peerID,
		Downloaded:    uint64(stats.Downloaded),
		Left:          uint64(stats.Left),
		Uploaded:      uint64(stats.Uploaded),
		Event:         udpEventCode(event),
		Key:           rand.Uint32(),
		NumWant:       -1,
		Port:          a.port,
	}
	if err := binary.Write(conn, binary.BigEndian, req); err != nil {
		return nil, err
	}

	packet := make([]byte, udpMaxPacket)
	n, err := conn.Read(packet)
	if err != nil {
		return nil, err
	}
	if n < udpAnnounceHeaderLen {
		return nil, fmt.Errorf("tracker: udp announce response of %d bytes", n)
	}

	header := udpAnnounceResponseHeader{}
	if err := binary.Read(bytes.NewReader(packet[:udpAnnounceHeaderLen]), binary.BigEndian, &header); err != nil {
		return nil, err
	}
	if header.TransactionID != req.TransactionID || header.Action != udpActionAnnounce {
		return nil, errors.New("tracker: invalid udp announce response")
	}

	peers, err := parseCompactPeers(packet[udpAnnounceHeaderLen:n])
	if err != nil {
		return nil, err
	}
	return &Response{
		Peers:    peers,
		Interval: time.Duration(header.Interval) * time.Second,
	}, nil
}
