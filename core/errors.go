package core

import "errors"

// Failures on a single connection terminate that connection and release
// its work; they surface to the coordinator as logged events only. Only
// ErrNoUsablePeers and ErrPieceUnrecoverable end the run.
var (
	ErrConnectFailed      = errors.New("peer: connect failed")
	ErrHandshakeRejected  = errors.New("peer: handshake rejected")
	ErrPeerUnresponsive   = errors.New("peer: unresponsive")
	ErrDuplicateBlock     = errors.New("queue: duplicate block")
	ErrNoUsablePeers      = errors.New("download: no usable peers")
	ErrPieceUnrecoverable = errors.New("download: piece failed hash check too many times")
)
