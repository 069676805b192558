package torrent

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"github.com/jackpal/bencode-go"
	log "github.com/sirupsen/logrus"

	"EmberTorrent/hash"
)

// ErrMultiFile marks metainfo files this client does not handle: only
// single-file torrents are supported.
var ErrMultiFile = errors.New("torrent: multi-file torrents are not supported")

// TorrentInfo is the immutable descriptor the download engine works
// from: piece geometry, expected digests, and the announce endpoint.
type TorrentInfo struct {
	Announce    string
	Name        string
	InfoHash    [20]byte
	PieceHashes [][20]byte
	PieceLength int
	Length      int
}

type metaInfo struct {
	Announce string      `bencode:"announce"`
	Info     bencodeInfo `bencode:"info"`
}

type bencodeInfo struct {
	PieceLength int    `bencode:"piece length"`
	Pieces      string `bencode:"pieces"`
	Length      int    `bencode:"length"`
	Name        string `bencode:"name"`
}

// Open reads and decodes a .torrent file from disk.
func Open(path string) (*TorrentInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

// Decode parses raw metainfo bytes into a TorrentInfo.
//
// The file is decoded twice: once into a typed struct for the fields we
// need, and once generically so the info dictionary can be re-encoded
// byte-exactly for the info-hash. bencode keys are written in sorted
// order on both sides, so the round trip is canonical.
func Decode(data []byte) (*TorrentInfo, error) {
	meta := metaInfo{}
	if err := bencode.Unmarshal(bytes.NewReader(data), &meta); err != nil {
		return nil, fmt.Errorf("torrent: decoding metainfo: %w", err)
	}

	decoded, err := bencode.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("torrent: decoding metainfo: %w", err)
	}
	top, ok := decoded.(map[string]interface{})
	if !ok {
		return nil, errors.New("torrent: metainfo is not a dictionary")
	}
	infoDict, ok := top["info"].(map[string]interface{})
	if !ok {
		return nil, errors.New("torrent: metainfo has no info dictionary")
	}
	if _, multi := infoDict["files"]; multi {
		return nil, ErrMultiFile
	}

	infoBytes := bytes.NewBuffer(nil)
	if err := bencode.Marshal(infoBytes, infoDict); err != nil {
		return nil, fmt.Errorf("torrent: encoding info dictionary: %w", err)
	}

	info := &TorrentInfo{
		Announce:    meta.Announce,
		Name:        meta.Info.Name,
		InfoHash:    hash.Sum(infoBytes.Bytes()),
		PieceLength: meta.Info.PieceLength,
		Length:      meta.Info.Length,
	}

	info.PieceHashes, err = splitPieceHashes(meta.Info.Pieces)
	if err != nil {
		return nil, err
	}

	if err := info.validate(); err != nil {
		return nil, err
	}

	log.Debugf("decoded %q: %v bytes, %v pieces of %v bytes, info hash %x",
		info.Name, info.Length, len(info.PieceHashes), info.PieceLength, info.InfoHash)
	return info, nil
}

// splitPieceHashes cuts the concatenated pieces string into one 20-byte
// digest per piece index.
func splitPieceHashes(pieces string) ([][20]byte, error) {
	if len(pieces)%20 != 0 {
		return nil, fmt.Errorf("torrent: pieces string of %d bytes is not a multiple of 20", len(pieces))
	}
	hashes := make([][20]byte, len(pieces)/20)
	for i := range hashes {
		copy(hashes[i][:], pieces[i*20:(i+1)*20])
	}
	return hashes, nil
}

// validate checks the piece geometry invariant:
// ceil(Length/PieceLength) pieces, each with a digest.
func (t *TorrentInfo) validate() error {
	if t.PieceLength <= 0 {
		return fmt.Errorf("torrent: piece length %d", t.PieceLength)
	}
	if t.Length <= 0 {
		return fmt.Errorf("torrent: total length %d", t.Length)
	}
	want := (t.Length + t.PieceLength - 1) / t.PieceLength
	if want != len(t.PieceHashes) {
		return fmt.Errorf("torrent: %d bytes in pieces of %d need %d hashes, metainfo carries %d",
			t.Length, t.PieceLength, want, len(t.PieceHashes))
	}
	return nil
}

// NumPieces returns the number of pieces in the torrent.
func (t *TorrentInfo) NumPieces() int {
	return len(t.PieceHashes)
}

// PieceSize returns the exact byte length of a piece; the final piece
// may be shorter than PieceLength.
func (t *TorrentInfo) PieceSize(index int) int {
	begin := index * t.PieceLength
	end := begin + t.PieceLength
	if end > t.Length {
		end = t.Length
	}
	return end - begin
}
