package core

import (
	"container/heap"
	"fmt"
	"sync"

	"github.com/emirpasic/gods/maps/hashmap"
	"github.com/emirpasic/gods/sets/hashset"
	log "github.com/sirupsen/logrus"

	"EmberTorrent/hash"
	"EmberTorrent/torrent"
)

// WorkQueue is the shared catalogue of piece work. Every piece index is
// in exactly one of three pools at any instant: the needed heap, the
// in-flight owner map, or the done set. One mutex serializes every
// operation so the partition holds under arbitrary interleavings.
type WorkQueue struct {
	mu sync.Mutex

	pieces   []*PieceWork
	needed   pieceHeap    // availability-ordered, rarest first
	inflight *hashmap.Map // piece index -> owner token
	done     *hashset.Set // piece indices past the hash gate

	bytesDone  int64
	bytesTotal int64
	maxRetries int
	paused     bool
	failed     error
}

// NewWorkQueue seeds one PieceWork per piece index, all needed.
func NewWorkQueue(info *torrent.TorrentInfo, cfg Config) *WorkQueue {
	q := &WorkQueue{
		pieces:     make([]*PieceWork, info.NumPieces()),
		inflight:   hashmap.New(),
		done:       hashset.New(),
		bytesTotal: int64(info.Length),
		maxRetries: cfg.MaxPieceRetries,
	}
	for i := range q.pieces {
		q.pieces[i] = newPieceWork(i, info.PieceSize(i), cfg.BlockSize, info.PieceHashes[i])
		heap.Push(&q.needed, q.pieces[i])
	}
	return q
}

// Checkout claims the rarest needed piece the given bitfield covers,
// marks it in-flight under the owner token, and returns it. It returns
// nil when the peer has nothing we need, the queue is paused, or the
// run has failed.
func (q *WorkQueue) Checkout(owner string, field Bitfield) *PieceWork {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.paused || q.failed != nil {
		return nil
	}

	var pick *PieceWork
	for _, pw := range q.needed {
		if !field.HasPiece(pw.Index) {
			continue
		}
		if pick == nil || pw.availability < pick.availability {
			pick = pw
		}
	}
	if pick == nil {
		return nil
	}

	heap.Remove(&q.needed, pick.queueIndex)
	pick.owner = owner
	pick.ensureBuffer()
	q.inflight.Put(pick.Index, owner)
	return pick
}

// ReceiveBlock merges one block into the piece buffer and reports
// whether the piece is now fully assembled. Refilling an offset is
// ErrDuplicateBlock, which callers treat as a no-op: peers retransmit.
func (q *WorkQueue) ReceiveBlock(pw *PieceWork, offset int, data []byte) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if offset < 0 || offset%pw.blockSize != 0 || offset >= pw.length {
		return false, fmt.Errorf("queue: block offset %d outside piece %d of %d bytes", offset, pw.Index, pw.length)
	}
	blockIndex := offset / pw.blockSize
	if len(data) != pw.blockLength(blockIndex) {
		return false, fmt.Errorf("queue: block at offset %d is %d bytes, want %d", offset, len(data), pw.blockLength(blockIndex))
	}
	if pw.received[blockIndex] {
		return pw.remaining == 0, ErrDuplicateBlock
	}

	copy(pw.buf[offset:], data)
	pw.received[blockIndex] = true
	pw.remaining--
	return pw.remaining == 0, nil
}

// Complete runs the assembled piece through the hash gate. On a match
// the piece moves to done exactly once and its buffer is returned; on a
// mismatch the buffer is discarded and the piece goes back to needed
// for another connection, bounded by the retry budget.
func (q *WorkQueue) Complete(pw *PieceWork) ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.done.Contains(pw.Index) {
		return nil, true
	}

	if hash.VerifyPiece(pw.buf, pw.hash) {
		data := pw.buf
		pw.buf = nil
		pw.owner = ""
		q.inflight.Remove(pw.Index)
		q.done.Add(pw.Index)
		q.bytesDone += int64(pw.length)
		return data, true
	}

	pw.retries++
	log.Warnf("piece %v failed hash check (attempt %v)", pw.Index, pw.retries)
	pw.reset()
	pw.owner = ""
	q.inflight.Remove(pw.Index)

	if pw.retries >= q.maxRetries {
		q.failed = fmt.Errorf("%w: piece %d", ErrPieceUnrecoverable, pw.Index)
		return nil, false
	}
	heap.Push(&q.needed, pw)
	return nil, false
}

// Release returns checked-out work to needed, discarding any partial
// assembly. Safe to call for work that already completed.
func (q *WorkQueue) Release(pw *PieceWork) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.done.Contains(pw.Index) {
		return
	}
	if _, held := q.inflight.Get(pw.Index); !held {
		return
	}
	pw.reset()
	pw.owner = ""
	q.inflight.Remove(pw.Index)
	heap.Push(&q.needed, pw)
}

// MissingBlocks lists the blocks of a checked-out piece not yet
// received, for re-requesting after a choke.
func (q *WorkQueue) MissingBlocks(pw *PieceWork) []Block {
	q.mu.Lock()
	defer q.mu.Unlock()

	var blocks []Block
	for i, got := range pw.received {
		if !got {
			blocks = append(blocks, Block{
				Index:  pw.Index,
				Offset: i * pw.blockSize,
				Length: pw.blockLength(i),
			})
		}
	}
	return blocks
}

// UpdateAvailability counts a freshly learned bitfield into the
// rarest-first ordering.
func (q *WorkQueue) UpdateAvailability(field Bitfield) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, pw := range q.pieces {
		if !field.HasPiece(pw.Index) {
			continue
		}
		pw.availability++
		if pw.queueIndex >= 0 {
			heap.Fix(&q.needed, pw.queueIndex)
		}
	}
}

// IncrementAvailability records a have message.
func (q *WorkQueue) IncrementAvailability(index int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if index < 0 || index >= len(q.pieces) {
		return
	}
	pw := q.pieces[index]
	pw.availability++
	if pw.queueIndex >= 0 {
		heap.Fix(&q.needed, pw.queueIndex)
	}
}

// IsDone reports whether every piece index has passed the hash gate.
func (q *WorkQueue) IsDone() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.done.Size() == len(q.pieces)
}

// Err returns the run-fatal queue error, if any.
func (q *WorkQueue) Err() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.failed
}

// SetPaused makes Checkout return nil while true; connections drain out
// gracefully and are respawned on resume.
func (q *WorkQueue) SetPaused(paused bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.paused = paused
}

// Paused reports the pause flag.
func (q *WorkQueue) Paused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// Stats is a point-in-time snapshot of run progress.
type Stats struct {
	TotalPieces    int
	DonePieces     int
	InFlight       int
	ActivePeers    int
	BytesCompleted int64
	BytesTotal     int64
}

// Snapshot returns the current pool sizes and byte counters.
func (q *WorkQueue) Snapshot() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		TotalPieces:    len(q.pieces),
		DonePieces:     q.done.Size(),
		InFlight:       q.inflight.Size(),
		BytesCompleted: q.bytesDone,
		BytesTotal:     q.bytesTotal,
	}
}
