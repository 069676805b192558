package core

// Block is a sub-range of a piece, the unit of request and response on
// the wire.
type Block struct {
	Index  int // piece index
	Offset int // byte offset within the piece
	Length int // exact length, the final block may be short
}

// PieceWork tracks one piece from "needed" through assembly to the hash
// gate. The WorkQueue owns every PieceWork and serializes all mutation;
// a connection only ever borrows a checked-out reference.
type PieceWork struct {
	Index int

	hash      [20]byte
	length    int
	blockSize int

	buf          []byte
	received     []bool
	remaining    int
	availability int
	queueIndex   int
	retries      int
	owner        string
}

func newPieceWork(index, length, blockSize int, hash [20]byte) *PieceWork {
	pw := &PieceWork{
		Index:      index,
		hash:       hash,
		length:     length,
		blockSize:  blockSize,
		queueIndex: -1,
	}
	pw.received = make([]bool, pw.numBlocks())
	pw.remaining = pw.numBlocks()
	return pw
}

// Length is the exact byte size of the piece.
func (pw *PieceWork) Length() int {
	return pw.length
}

func (pw *PieceWork) numBlocks() int {
	return (pw.length + pw.blockSize - 1) / pw.blockSize
}

// blockLength sizes block i exactly: the final block is the remainder,
// never padded.
func (pw *PieceWork) blockLength(i int) int {
	begin := i * pw.blockSize
	if begin+pw.blockSize > pw.length {
		return pw.length - begin
	}
	return pw.blockSize
}

// Blocks lists every block of the piece in increasing offset order.
// The geometry is immutable, so this is safe to call without the queue
// lock.
func (pw *PieceWork) Blocks() []Block {
	blocks := make([]Block, pw.numBlocks())
	for i := range blocks {
		blocks[i] = Block{
			Index:  pw.Index,
			Offset: i * pw.blockSize,
			Length: pw.blockLength(i),
		}
	}
	return blocks
}

// ensureBuffer allocates the assembly buffer at checkout time so that
// pieces nobody is working on cost nothing.
func (pw *PieceWork) ensureBuffer() {
	if pw.buf == nil {
		pw.buf = make([]byte, pw.length)
	}
}

// reset discards all assembly progress.
func (pw *PieceWork) reset() {
	pw.buf = nil
	pw.remaining = pw.numBlocks()
	for i := range pw.received {
		pw.received[i] = false
	}
}

// pieceHeap orders needed pieces by availability so the rarest piece is
// checked out first.
type pieceHeap []*PieceWork

func (h pieceHeap) Len() int { return len(h) }

func (h pieceHeap) Less(i, j int) bool {
	return h[i].availability < h[j].availability
}

func (h pieceHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].queueIndex = i
	h[j].queueIndex = j
}

func (h *pieceHeap) Push(x interface{}) {
	pw := x.(*PieceWork)
	pw.queueIndex = len(*h)
	*h = append(*h, pw)
}

func (h *pieceHeap) Pop() interface{} {
	old := *h
	n := len(old)
	pw := old[n-1]
	old[n-1] = nil
	pw.queueIndex = -1
	*h = old[:n-1]
	return pw
}
