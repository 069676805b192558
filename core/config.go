package core

import (
	"time"

	"EmberTorrent/utils"
)

// Config carries the client identity and tuning knobs for one download
// run. It is built once in main and passed in explicitly; nothing in
// the engine reads ambient globals.
type Config struct {
	// PeerID identifies this client in handshakes and announces.
	PeerID [20]byte

	// Port is reported to the tracker.
	Port uint16

	// BlockSize is the request unit within a piece. 2^14 is what
	// clients actually use, regardless of what the spec says.
	BlockSize int

	// PipelineDepth caps outstanding block requests per connection.
	PipelineDepth int

	// MaxPeers caps concurrent peer connections.
	MaxPeers int

	// MaxPieceRetries bounds hash-check failures per piece before the
	// run is abandoned as unrecoverable.
	MaxPieceRetries int

	DialTimeout       time.Duration
	HandshakeTimeout  time.Duration
	UnchokeTimeout    time.Duration
	RequestTimeout    time.Duration
	KeepAliveInterval time.Duration
}

// DefaultConfig returns the tuning real-world swarms tolerate well.
func DefaultConfig() Config {
	return Config{
		PeerID:            utils.NewPeerID(),
		Port:              utils.DefaultPort,
		BlockSize:         1 << 14,
		PipelineDepth:     5,
		MaxPeers:          30,
		MaxPieceRetries:   5,
		DialTimeout:       3 * time.Second,
		HandshakeTimeout:  5 * time.Second,
		UnchokeTimeout:    30 * time.Second,
		RequestTimeout:    10 * time.Second,
		KeepAliveInterval: utils.KeepAliveInterval,
	}
}
