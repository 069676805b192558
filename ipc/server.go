// Package ipc exposes a small request/reply control surface over a
// zeromq REP socket so external tooling can inspect and steer a
// running download.
package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"syscall"
	"time"

	zmq "github.com/pebbe/zmq4"
	log "github.com/sirupsen/logrus"

	"EmberTorrent/core"
)

// DefaultEndpoint is where the control socket binds unless overridden.
const DefaultEndpoint = "tcp://127.0.0.1:5555"

const recvPollInterval = 250 * time.Millisecond

// Controller is the slice of the downloader the control surface needs.
type Controller interface {
	Pause()
	Resume()
	Stop()
	Paused() bool
	Stats() core.Stats
}

// Request is one JSON command from a client.
type Request struct {
	Command string `json:"command"`
}

// Response answers a Request. Status fields are populated for every
// accepted command so clients get a progress snapshot for free.
type Response struct {
	OK             bool   `json:"ok"`
	Error          string `json:"error,omitempty"`
	Paused         bool   `json:"paused"`
	TotalPieces    int    `json:"total_pieces"`
	DonePieces     int    `json:"done_pieces"`
	ActivePeers    int    `json:"active_peers"`
	BytesCompleted int64  `json:"bytes_completed"`
	BytesTotal     int64  `json:"bytes_total"`
}

// Server owns the REP socket and dispatches commands to the controller.
type Server struct {
	endpoint   string
	controller Controller
}

// NewServer prepares a control server on the given endpoint.
func NewServer(endpoint string, controller Controller) *Server {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	return &Server{endpoint: endpoint, controller: controller}
}

// Serve binds the socket and answers commands until ctx is cancelled.
// The receive loop polls so cancellation is honored promptly.
func (s *Server) Serve(ctx context.Context) error {
	socket, err := zmq.NewSocket(zmq.REP)
	if err != nil {
		return fmt.Errorf("ipc: socket: %w", err)
	}
	defer socket.Close()

	if err := socket.SetRcvtimeo(recvPollInterval); err != nil {
		return fmt.Errorf("ipc: set receive timeout: %w", err)
	}
	if err := socket.Bind(s.endpoint); err != nil {
		return fmt.Errorf("ipc: bind %v: %w", s.endpoint, err)
	}
	log.Infof("control socket listening on %v", s.endpoint)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		msg, err := socket.Recv(0)
		if err != nil {
			if zmq.AsErrno(err) == zmq.Errno(syscall.EAGAIN) {
				continue // poll timeout, check ctx again
			}
			return fmt.Errorf("ipc: recv: %w", err)
		}

		reply, err := json.Marshal(s.handle(msg))
		if err != nil {
			return fmt.Errorf("ipc: marshal reply: %w", err)
		}
		if _, err := socket.Send(string(reply), 0); err != nil {
			return fmt.Errorf("ipc: send: %w", err)
		}
	}
}

func (s *Server) handle(msg string) Response {
	var req Request
	if err := json.Unmarshal([]byte(msg), &req); err != nil {
		return Response{Error: fmt.Sprintf("bad request: %v", err)}
	}

	switch req.Command {
	case "status":
	case "pause":
		s.controller.Pause()
	case "resume":
		s.controller.Resume()
	case "stop":
		s.controller.Stop()
	default:
		return Response{Error: fmt.Sprintf("unknown command %q", req.Command)}
	}

	stats := s.controller.Stats()
	return Response{
		OK:             true,
		Paused:         s.controller.Paused(),
		TotalPieces:    stats.TotalPieces,
		DonePieces:     stats.DonePieces,
		ActivePeers:    stats.ActivePeers,
		BytesCompleted: stats.BytesCompleted,
		BytesTotal:     stats.BytesTotal,
	}
}
