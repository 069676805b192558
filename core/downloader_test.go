package core

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"EmberTorrent/tracker"
	"EmberTorrent/wire"
)

// memoryWriter collects verified pieces in place of a file.
type memoryWriter struct {
	mu      sync.Mutex
	writes  map[int][]byte
	flushed bool
}

func newMemoryWriter() *memoryWriter {
	return &memoryWriter{writes: map[int][]byte{}}
}

func (w *memoryWriter) WriteBlock(pieceIndex, offset int, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if offset != 0 {
		return errors.New("whole pieces only")
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	w.writes[pieceIndex] = buf
	return nil
}

func (w *memoryWriter) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.flushed = true
	return nil
}

// stubAnnouncer replays a fixed peer list and records events.
type stubAnnouncer struct {
	mu     sync.Mutex
	peers  []tracker.PeerAddress
	events []tracker.Event
}

func (a *stubAnnouncer) Announce(ctx context.Context, event tracker.Event, stats tracker.Stats) (*tracker.Response, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
	return &tracker.Response{Peers: a.peers, Interval: time.Hour}, nil
}

// fakePeer is a cooperative seed speaking just enough of the protocol:
// it answers the handshake, advertises everything, unchokes on
// interest, and serves blocks from its content.
type fakePeer struct {
	ln        net.Listener
	infoHash  [20]byte
	content   [][]byte
	blockSize int

	mu          sync.Mutex
	corruptLeft int // serve this many flipped blocks before behaving
}

func startFakePeer(t *testing.T, infoHash [20]byte, content [][]byte, corruptBlocks int) *fakePeer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	p := &fakePeer{ln: ln, infoHash: infoHash, content: content, corruptLeft: corruptBlocks}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go p.serve(conn)
		}
	}()
	return p
}

func (p *fakePeer) address(t *testing.T) tracker.PeerAddress {
	t.Helper()
	host, portStr, err := net.SplitHostPort(p.ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	port, _ := strconv.Atoi(portStr)
	return tracker.PeerAddress{IP: net.ParseIP(host), Port: uint16(port)}
}

func (p *fakePeer) serve(conn net.Conn) {
	defer conn.Close()

	buf := make([]byte, wire.HandshakeLength)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return
	}
	hs, err := wire.UnmarshalHandshake(buf)
	if err != nil || !bytes.Equal(hs.InfoHash[:], p.infoHash[:]) {
		return
	}

	var peerID [20]byte
	copy(peerID[:], "-FK0001-seedseedseed")
	reply := wire.Handshake{InfoHash: p.infoHash, PeerID: peerID}
	if _, err := conn.Write(reply.Marshal()); err != nil {
		return
	}

	field := NewBitfield(len(p.content))
	for i := range p.content {
		field.SetPiece(i)
	}
	if _, err := conn.Write(wire.NewBitfield(field).Marshal()); err != nil {
		return
	}

	var decoder wire.Decoder
	chunk := make([]byte, 4096)
	for {
		msg, err := decoder.Next()
		if errors.Is(err, wire.ErrNeedMoreData) {
			n, err := conn.Read(chunk)
			if err != nil {
				return
			}
			decoder.Feed(chunk[:n])
			continue
		}
		if err != nil {
			return
		}
		if msg == nil {
			continue // keep-alive
		}

		switch msg.ID {
		case wire.MsgInterested:
			if _, err := conn.Write((&wire.Message{ID: wire.MsgUnchoke}).Marshal()); err != nil {
				return
			}
		case wire.MsgRequest:
			index, begin, length, err := msg.ParseRequest()
			if err != nil || index >= len(p.content) {
				return
			}
			block := make([]byte, length)
			copy(block, p.content[index][begin:begin+length])
			p.mu.Lock()
			if p.corruptLeft > 0 {
				block[0] ^= 0xFF
				p.corruptLeft--
			}
			p.mu.Unlock()
			if _, err := conn.Write(wire.NewPiece(index, begin, block).Marshal()); err != nil {
				return
			}
		}
	}
}

func downloadConfig() Config {
	cfg := testConfig()
	cfg.DialTimeout = 500 * time.Millisecond
	cfg.HandshakeTimeout = time.Second
	cfg.UnchokeTimeout = 2 * time.Second
	cfg.RequestTimeout = 2 * time.Second
	return cfg
}

func TestDownloaderRun(t *testing.T) {
	info, content := testTorrent(t)
	peer := startFakePeer(t, info.InfoHash, content, 0)
	writer := newMemoryWriter()
	announcer := &stubAnnouncer{}

	d := NewDownloader(downloadConfig(), info, writer, announcer)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.Run(ctx, []tracker.PeerAddress{peer.address(t)}); err != nil {
		t.Fatal(err)
	}

	writer.mu.Lock()
	defer writer.mu.Unlock()
	if len(writer.writes) != len(content) {
		t.Fatalf("wrote %v pieces, want %v", len(writer.writes), len(content))
	}
	for i, want := range content {
		if !bytes.Equal(writer.writes[i], want) {
			t.Errorf("piece %v content mismatch", i)
		}
	}
	if !writer.flushed {
		t.Error("writer never flushed")
	}

	announcer.mu.Lock()
	defer announcer.mu.Unlock()
	last := announcer.events[len(announcer.events)-1]
	if last != tracker.EventCompleted {
		t.Errorf("final announce event = %q, want completed", last)
	}
}

func TestDownloaderRecoversFromCorruptPiece(t *testing.T) {
	info, content := testTorrent(t)
	// first served block is flipped, so one piece fails the hash gate
	// once and must be fetched again
	peer := startFakePeer(t, info.InfoHash, content, 1)
	writer := newMemoryWriter()

	d := NewDownloader(downloadConfig(), info, writer, &stubAnnouncer{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.Run(ctx, []tracker.PeerAddress{peer.address(t)}); err != nil {
		t.Fatal(err)
	}

	writer.mu.Lock()
	defer writer.mu.Unlock()
	for i, want := range content {
		if !bytes.Equal(writer.writes[i], want) {
			t.Errorf("piece %v content mismatch after retry", i)
		}
	}
}

func TestDownloaderNoUsablePeers(t *testing.T) {
	info, _ := testTorrent(t)

	// a port nothing listens on
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	dead := ln.Addr().String()
	ln.Close()
	host, portStr, _ := net.SplitHostPort(dead)
	port, _ := strconv.Atoi(portStr)

	d := NewDownloader(downloadConfig(), info, newMemoryWriter(), &stubAnnouncer{})

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	err = d.Run(ctx, []tracker.PeerAddress{{IP: net.ParseIP(host), Port: uint16(port)}})
	if !errors.Is(err, ErrNoUsablePeers) {
		t.Fatalf("Run = %v, want ErrNoUsablePeers", err)
	}
}

func TestDownloaderEmptyPeerListAsksTrackerOnce(t *testing.T) {
	info, content := testTorrent(t)
	peer := startFakePeer(t, info.InfoHash, content, 0)
	writer := newMemoryWriter()
	announcer := &stubAnnouncer{peers: []tracker.PeerAddress{peer.address(t)}}

	d := NewDownloader(downloadConfig(), info, writer, announcer)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.Run(ctx, nil); err != nil {
		t.Fatal(err)
	}

	writer.mu.Lock()
	defer writer.mu.Unlock()
	if len(writer.writes) != len(content) {
		t.Errorf("wrote %v pieces, want %v", len(writer.writes), len(content))
	}
}

func TestDownloaderPauseResume(t *testing.T) {
	info, content := testTorrent(t)
	peer := startFakePeer(t, info.InfoHash, content, 0)
	writer := newMemoryWriter()
	announcer := &stubAnnouncer{peers: []tracker.PeerAddress{peer.address(t)}}

	d := NewDownloader(downloadConfig(), info, writer, announcer)
	d.Pause()
	if !d.Paused() {
		t.Fatal("Pause did not park the queue")
	}

	done := make(chan error, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	go func() {
		done <- d.Run(ctx, []tracker.PeerAddress{peer.address(t)})
	}()

	// parked runs make no progress
	time.Sleep(300 * time.Millisecond)
	if got := d.Stats().DonePieces; got != 0 {
		t.Fatalf("paused run completed %v pieces", got)
	}

	d.Resume()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if got := d.Stats().DonePieces; got != len(content) {
		t.Errorf("resumed run completed %v pieces, want %v", got, len(content))
	}
}
