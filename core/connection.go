package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	log "github.com/sirupsen/logrus"

	"EmberTorrent/wire"
)

// connState names the phases a peer connection moves through. Every
// path out of the machine ends in stateClosed with any held work
// released back to the queue.
type connState int

const (
	stateConnecting connState = iota
	stateHandshaking
	stateReady
	stateAwaitingBlocks
	stateClosed
)

// PeerConnection drives one remote peer from dial to teardown. Each
// connection owns at most one checked-out piece at a time and pipelines
// block requests for it.
type PeerConnection struct {
	cfg      Config
	infoHash [20]byte
	addr     string
	queue    *WorkQueue
	results  chan<- CompletedPiece

	conn     net.Conn
	decoder  wire.Decoder
	state    connState
	field    Bitfield
	choked   bool
	work     *PieceWork
	todo     []Block
	pending  int
	lastSend time.Time
	remoteID [20]byte

	logger *log.Entry
}

// NewPeerConnection wires a connection to the shared queue and the
// completed-piece channel. Run does the actual work.
func NewPeerConnection(cfg Config, infoHash [20]byte, addr string, queue *WorkQueue, results chan<- CompletedPiece) *PeerConnection {
	return &PeerConnection{
		cfg:      cfg,
		infoHash: infoHash,
		addr:     addr,
		queue:    queue,
		results:  results,
		choked:   true,
		logger:   log.WithField("peer", addr),
	}
}

// Run executes the connection state machine until the download no
// longer needs this peer, the peer misbehaves, or ctx is cancelled.
// A nil return is a graceful drain; any error is confined to this
// connection.
func (pc *PeerConnection) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	defer func() {
		pc.state = stateClosed
		if pc.work != nil {
			pc.queue.Release(pc.work)
			pc.work = nil
		}
		if pc.conn != nil {
			pc.conn.Close()
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		var err error
		switch pc.state {
		case stateConnecting:
			err = pc.connect(ctx)
		case stateHandshaking:
			err = pc.handshake()
		case stateReady:
			err = pc.checkout()
		case stateAwaitingBlocks:
			err = pc.downloadPiece()
		case stateClosed:
			return nil
		}
		if err != nil {
			return pc.mapTimeout(err)
		}
	}
}

func (pc *PeerConnection) connect(ctx context.Context) error {
	dialer := net.Dialer{Timeout: pc.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", pc.addr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}
	pc.conn = conn

	// unblock pending reads promptly on cancellation
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	pc.state = stateHandshaking
	return nil
}

func (pc *PeerConnection) handshake() error {
	deadline := time.Now().Add(pc.cfg.HandshakeTimeout)
	if err := pc.conn.SetDeadline(deadline); err != nil {
		return err
	}

	hs := wire.Handshake{InfoHash: pc.infoHash, PeerID: pc.cfg.PeerID}
	if _, err := pc.conn.Write(hs.Marshal()); err != nil {
		return fmt.Errorf("%w: send: %v", ErrHandshakeRejected, err)
	}
	pc.lastSend = time.Now()

	buf := make([]byte, wire.HandshakeLength)
	if _, err := io.ReadFull(pc.conn, buf); err != nil {
		return fmt.Errorf("%w: read: %v", ErrHandshakeRejected, err)
	}
	reply, err := wire.UnmarshalHandshake(buf)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeRejected, err)
	}
	if !bytes.Equal(reply.InfoHash[:], pc.infoHash[:]) {
		return fmt.Errorf("%w: info hash mismatch", ErrHandshakeRejected)
	}
	pc.remoteID = reply.PeerID

	if err := pc.conn.SetDeadline(time.Time{}); err != nil {
		return err
	}
	pc.logger.Debugf("handshake complete with %x", pc.remoteID[:8])
	pc.state = stateReady
	return nil
}

// checkout learns the peer's bitfield on first entry, then claims the
// next piece of work. No work means the machine drains gracefully.
func (pc *PeerConnection) checkout() error {
	if pc.field == nil {
		if err := pc.awaitBitfield(); err != nil {
			return err
		}
	}

	pc.work = pc.queue.Checkout(pc.addr, pc.field)
	if pc.work == nil {
		pc.logger.Debug("no work available, draining")
		pc.state = stateClosed
		return nil
	}
	pc.todo = pc.work.Blocks()
	pc.pending = 0

	if err := pc.send(wire.NewInterested()); err != nil {
		return err
	}
	pc.state = stateAwaitingBlocks
	return nil
}

// awaitBitfield consumes messages until the peer declares what it has.
// Clients that skip the bitfield and open with have messages are
// accommodated.
func (pc *PeerConnection) awaitBitfield() error {
	deadline := time.Now().Add(pc.cfg.HandshakeTimeout)
	for pc.field == nil {
		msg, err := pc.readMessage(deadline)
		if err != nil {
			return err
		}
		switch msg.ID {
		case wire.MsgBitfield:
			pc.field = Bitfield(msg.Payload)
			pc.queue.UpdateAvailability(pc.field)
		case wire.MsgHave:
			index, err := msg.ParseHave()
			if err != nil {
				return err
			}
			if pc.field == nil {
				pc.field = NewBitfield(pc.queue.Snapshot().TotalPieces)
			}
			pc.field.SetPiece(index)
			pc.queue.IncrementAvailability(index)
		case wire.MsgChoke:
			pc.choked = true
		case wire.MsgUnchoke:
			pc.choked = false
		default:
			pc.logger.Debugf("ignoring %v before bitfield", msg)
		}
	}
	return nil
}

// downloadPiece runs one piece to completion: wait out any choke, keep
// the request pipeline full, merge incoming blocks, then push the
// assembled piece through the hash gate.
func (pc *PeerConnection) downloadPiece() error {
	if pc.choked {
		if err := pc.awaitUnchoke(); err != nil {
			return err
		}
		// the peer dropped our outstanding requests while we were choked
		pc.todo = pc.queue.MissingBlocks(pc.work)
		pc.pending = 0
	}

	for pc.pending < pc.cfg.PipelineDepth && len(pc.todo) > 0 {
		block := pc.todo[0]
		pc.todo = pc.todo[1:]
		if err := pc.send(wire.NewRequest(block.Index, block.Offset, block.Length)); err != nil {
			return err
		}
		pc.pending++
	}

	msg, err := pc.readMessage(time.Now().Add(pc.cfg.RequestTimeout))
	if err != nil {
		return err
	}

	switch msg.ID {
	case wire.MsgChoke:
		pc.choked = true
	case wire.MsgUnchoke:
		pc.choked = false
	case wire.MsgHave:
		index, err := msg.ParseHave()
		if err != nil {
			return err
		}
		pc.field.SetPiece(index)
		pc.queue.IncrementAvailability(index)
	case wire.MsgPiece:
		index, begin, block, err := msg.ParsePiece()
		if err != nil {
			return err
		}
		if index != pc.work.Index {
			pc.logger.Warnf("unsolicited block for piece %v, holding piece %v", index, pc.work.Index)
			return nil
		}
		pc.pending--
		done, err := pc.queue.ReceiveBlock(pc.work, begin, block)
		if err != nil && !errors.Is(err, ErrDuplicateBlock) {
			return err
		}
		if done {
			return pc.finishPiece()
		}
	default:
		pc.logger.Debugf("ignoring %v", msg)
	}
	return nil
}

func (pc *PeerConnection) finishPiece() error {
	data, ok := pc.queue.Complete(pc.work)
	index := pc.work.Index
	pc.work = nil
	pc.state = stateReady

	if !ok {
		pc.logger.Warnf("piece %v rejected by hash check", index)
		if err := pc.queue.Err(); err != nil {
			return err
		}
		return nil
	}
	if data == nil {
		// another connection beat us past the gate
		return nil
	}

	pc.logger.Debugf("piece %v verified", index)
	return pc.emit(CompletedPiece{Index: index, Data: data})
}

func (pc *PeerConnection) emit(piece CompletedPiece) error {
	select {
	case pc.results <- piece:
		return nil
	case <-time.After(pc.cfg.RequestTimeout):
		return fmt.Errorf("write loop backpressure, dropping connection")
	}
}

// awaitUnchoke blocks until the peer unchokes us, sending keep-alives
// to hold the connection open.
func (pc *PeerConnection) awaitUnchoke() error {
	deadline := time.Now().Add(pc.cfg.UnchokeTimeout)
	for pc.choked {
		if time.Since(pc.lastSend) > pc.cfg.KeepAliveInterval/2 {
			if err := pc.send(nil); err != nil {
				return err
			}
		}
		if !time.Now().Before(deadline) {
			return fmt.Errorf("%w: choked for %v", ErrPeerUnresponsive, pc.cfg.UnchokeTimeout)
		}
		msg, err := pc.readMessage(deadline)
		if err != nil {
			return err
		}
		switch msg.ID {
		case wire.MsgUnchoke:
			pc.choked = false
		case wire.MsgHave:
			index, err := msg.ParseHave()
			if err != nil {
				return err
			}
			pc.field.SetPiece(index)
			pc.queue.IncrementAvailability(index)
		default:
			pc.logger.Debugf("ignoring %v while choked", msg)
		}
	}
	return nil
}

// readMessage pops the next non-keep-alive frame, reading from the
// socket as needed. The deadline bounds the whole wait.
func (pc *PeerConnection) readMessage(deadline time.Time) (*wire.Message, error) {
	buf := make([]byte, 4096)
	for {
		msg, err := pc.decoder.Next()
		switch {
		case err == nil && msg == nil:
			continue // keep-alive
		case err == nil:
			return msg, nil
		case errors.Is(err, wire.ErrNeedMoreData):
			if err := pc.conn.SetReadDeadline(deadline); err != nil {
				return nil, err
			}
			n, err := pc.conn.Read(buf)
			if err != nil {
				return nil, err
			}
			pc.decoder.Feed(buf[:n])
		default:
			return nil, err
		}
	}
}

func (pc *PeerConnection) send(msg *wire.Message) error {
	if _, err := pc.conn.Write(msg.Marshal()); err != nil {
		return err
	}
	pc.lastSend = time.Now()
	return nil
}

// mapTimeout folds socket timeouts into the unresponsive-peer failure.
func (pc *PeerConnection) mapTimeout(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrPeerUnresponsive, err)
	}
	return err
}
