package ipc

import (
	"testing"

	"EmberTorrent/core"
)

type fakeController struct {
	paused  bool
	stopped bool
	stats   core.Stats
}

func (c *fakeController) Pause()            { c.paused = true }
func (c *fakeController) Resume()           { c.paused = false }
func (c *fakeController) Stop()             { c.stopped = true }
func (c *fakeController) Paused() bool      { return c.paused }
func (c *fakeController) Stats() core.Stats { return c.stats }

func TestHandleCommands(t *testing.T) {
	ctrl := &fakeController{stats: core.Stats{TotalPieces: 10, DonePieces: 4, BytesTotal: 160, BytesCompleted: 64}}
	s := NewServer("", ctrl)

	resp := s.handle(`{"command":"status"}`)
	if !resp.OK || resp.DonePieces != 4 || resp.BytesTotal != 160 {
		t.Fatalf("status = %+v", resp)
	}

	resp = s.handle(`{"command":"pause"}`)
	if !resp.OK || !resp.Paused || !ctrl.paused {
		t.Fatalf("pause = %+v, controller paused = %v", resp, ctrl.paused)
	}

	resp = s.handle(`{"command":"resume"}`)
	if !resp.OK || resp.Paused || ctrl.paused {
		t.Fatalf("resume = %+v, controller paused = %v", resp, ctrl.paused)
	}

	resp = s.handle(`{"command":"stop"}`)
	if !resp.OK || !ctrl.stopped {
		t.Fatalf("stop = %+v, controller stopped = %v", resp, ctrl.stopped)
	}
}

func TestHandleRejectsGarbage(t *testing.T) {
	s := NewServer("", &fakeController{})

	if resp := s.handle(`not json`); resp.OK || resp.Error == "" {
		t.Errorf("garbage accepted: %+v", resp)
	}
	if resp := s.handle(`{"command":"selfdestruct"}`); resp.OK || resp.Error == "" {
		t.Errorf("unknown command accepted: %+v", resp)
	}
}
