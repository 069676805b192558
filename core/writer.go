package core

import (
	"fmt"
	"os"

	"EmberTorrent/torrent"
)

// CompletedPiece is a verified piece handed from a connection to the
// write loop. Data ownership transfers with the send.
type CompletedPiece struct {
	Index int
	Data  []byte
}

// DiskWriter persists verified piece data. Implementations are called
// from a single goroutine.
type DiskWriter interface {
	WriteBlock(pieceIndex, offset int, data []byte) error
	Flush() error
}

// FileWriter lays pieces into a single pre-sized file at their natural
// offsets.
type FileWriter struct {
	file        *os.File
	pieceLength int
}

// NewFileWriter creates (or truncates) the output file and sizes it to
// the torrent length up front so sparse writes land at fixed offsets.
func NewFileWriter(path string, info *torrent.TorrentInfo) (*FileWriter, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("writer: open %v: %w", path, err)
	}
	if err := f.Truncate(int64(info.Length)); err != nil {
		f.Close()
		return nil, fmt.Errorf("writer: size %v: %w", path, err)
	}
	return &FileWriter{file: f, pieceLength: info.PieceLength}, nil
}

func (w *FileWriter) WriteBlock(pieceIndex, offset int, data []byte) error {
	pos := int64(pieceIndex)*int64(w.pieceLength) + int64(offset)
	if _, err := w.file.WriteAt(data, pos); err != nil {
		return fmt.Errorf("writer: piece %d at %d: %w", pieceIndex, pos, err)
	}
	return nil
}

func (w *FileWriter) Flush() error {
	return w.file.Sync()
}

// Close flushes and closes the underlying file.
func (w *FileWriter) Close() error {
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}
