package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/emirpasic/gods/sets/hashset"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"EmberTorrent/torrent"
	"EmberTorrent/tracker"
)

// Announcer abstracts the tracker so the coordinator can be exercised
// against an in-process fake.
type Announcer interface {
	Announce(ctx context.Context, event tracker.Event, stats tracker.Stats) (*tracker.Response, error)
}

// errRunComplete stops the worker group once every piece is on disk.
var errRunComplete = errors.New("download complete")

const superviseInterval = 5 * time.Second

// Downloader coordinates one download run: it spawns a connection per
// usable peer, drains verified pieces to disk, keeps the tracker
// updated, and decides when the run has succeeded or failed.
type Downloader struct {
	cfg       Config
	info      *torrent.TorrentInfo
	queue     *WorkQueue
	writer    DiskWriter
	announcer Announcer

	mu     sync.Mutex
	active *hashset.Set // peer addresses with a live connection

	results chan CompletedPiece
	exits   chan string

	runCtx    context.Context
	runCancel context.CancelFunc

	refreshed     bool
	doneAtRefresh int
}

// NewDownloader assembles a run from its parts. Call Run to start it.
func NewDownloader(cfg Config, info *torrent.TorrentInfo, writer DiskWriter, announcer Announcer) *Downloader {
	return &Downloader{
		cfg:       cfg,
		info:      info,
		queue:     NewWorkQueue(info, cfg),
		writer:    writer,
		announcer: announcer,
		active:    hashset.New(),
		results:   make(chan CompletedPiece, cfg.MaxPeers),
		exits:     make(chan string, cfg.MaxPeers),
	}
}

// Run downloads the whole torrent and blocks until every piece is
// written, the run fails, or ctx is cancelled. The initial peer list
// usually comes from the caller's first announce; when it is empty the
// tracker is asked once more before giving up with ErrNoUsablePeers.
func (d *Downloader) Run(ctx context.Context, peers []tracker.PeerAddress) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	d.mu.Lock()
	d.runCtx = ctx
	d.runCancel = cancel
	d.mu.Unlock()

	if len(peers) == 0 {
		refreshed, err := d.refreshPeers(ctx)
		if err != nil || len(refreshed) == 0 {
			return fmt.Errorf("%w: tracker returned no peers", ErrNoUsablePeers)
		}
		peers = refreshed
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.writeLoop(gctx) })
	g.Go(func() error { return d.announceLoop(gctx) })
	g.Go(func() error { return d.supervise(gctx) })

	d.spawn(gctx, peers)

	err := g.Wait()
	d.farewell()

	if errors.Is(err, errRunComplete) {
		log.Infof("download of %v complete", d.info.Name)
		return nil
	}
	return err
}

// Pause parks the run: no new work is handed out and connections drain
// as their current piece finishes.
func (d *Downloader) Pause() {
	log.Info("pausing download")
	d.queue.SetPaused(true)
}

// Resume unparks the queue and recruits peers again.
func (d *Downloader) Resume() {
	if !d.queue.Paused() {
		return
	}
	log.Info("resuming download")
	d.queue.SetPaused(false)

	d.mu.Lock()
	ctx := d.runCtx
	d.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	go func() {
		refreshed, err := d.refreshPeers(ctx)
		if err != nil {
			log.Warnf("resume announce failed: %v", err)
			return
		}
		d.spawn(ctx, refreshed)
	}()
}

// Stop cancels the run. Run returns context.Canceled.
func (d *Downloader) Stop() {
	log.Info("stopping download")
	d.mu.Lock()
	cancel := d.runCancel
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Stats snapshots run progress for the control surface and the UI.
func (d *Downloader) Stats() Stats {
	stats := d.queue.Snapshot()
	d.mu.Lock()
	stats.ActivePeers = d.active.Size()
	d.mu.Unlock()
	return stats
}

// Paused reports whether the queue is parked.
func (d *Downloader) Paused() bool {
	return d.queue.Paused()
}

// writeLoop is the only consumer of verified pieces and the only
// caller of the disk writer.
func (d *Downloader) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case piece := <-d.results:
			if err := d.writer.WriteBlock(piece.Index, 0, piece.Data); err != nil {
				return err
			}
			stats := d.queue.Snapshot()
			log.Infof("piece %v written (%v/%v)", piece.Index, stats.DonePieces, stats.TotalPieces)
			if d.queue.IsDone() {
				if err := d.writer.Flush(); err != nil {
					return err
				}
				return errRunComplete
			}
		}
	}
}

// announceLoop re-announces on the tracker's cadence and feeds any new
// peers to the spawner.
func (d *Downloader) announceLoop(ctx context.Context) error {
	interval := 2 * time.Minute
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		if d.queue.Paused() {
			timer.Reset(interval)
			continue
		}

		resp, err := d.announcer.Announce(ctx, tracker.EventNone, d.trackerStats())
		if err != nil {
			log.Warnf("periodic announce failed: %v", err)
			timer.Reset(interval)
			continue
		}
		if resp.Interval > 0 {
			interval = resp.Interval
		}
		d.spawn(ctx, resp.Peers)
		timer.Reset(interval)
	}
}

// supervise watches connection turnover. Connection failures are
// contained events; the run only fails when a piece is unrecoverable
// or the swarm has starved with nothing left to try.
func (d *Downloader) supervise(ctx context.Context) error {
	ticker := time.NewTicker(superviseInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case addr := <-d.exits:
			d.mu.Lock()
			d.active.Remove(addr)
			d.mu.Unlock()
		case <-ticker.C:
		}

		if err := d.queue.Err(); err != nil {
			return err
		}
		if err := d.checkStarvation(ctx); err != nil {
			return err
		}
	}
}

// checkStarvation handles the zero-connections case: one tracker
// refresh is allowed, and if it brings no progress the run fails.
func (d *Downloader) checkStarvation(ctx context.Context) error {
	d.mu.Lock()
	starved := d.active.Size() == 0
	d.mu.Unlock()

	if !starved || d.queue.IsDone() || d.queue.Paused() {
		return nil
	}

	done := d.queue.Snapshot().DonePieces
	if d.refreshed && done == d.doneAtRefresh {
		return fmt.Errorf("%w: every connection failed", ErrNoUsablePeers)
	}
	d.refreshed = true
	d.doneAtRefresh = done

	refreshed, err := d.refreshPeers(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNoUsablePeers, err)
	}
	if d.spawn(ctx, refreshed) == 0 {
		return fmt.Errorf("%w: tracker returned no new peers", ErrNoUsablePeers)
	}
	return nil
}

// spawn starts a connection per new peer up to the configured cap and
// reports how many it launched.
func (d *Downloader) spawn(ctx context.Context, peers []tracker.PeerAddress) int {
	launched := 0
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, peer := range peers {
		addr := peer.String()
		if d.active.Contains(addr) || d.active.Size() >= d.cfg.MaxPeers {
			continue
		}
		d.active.Add(addr)
		launched++

		go func(addr string) {
			pc := NewPeerConnection(d.cfg, d.info.InfoHash, addr, d.queue, d.results)
			if err := pc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.WithField("peer", addr).Debugf("connection ended: %v", err)
			}
			select {
			case d.exits <- addr:
			case <-ctx.Done():
			}
		}(addr)
	}
	return launched
}

func (d *Downloader) refreshPeers(ctx context.Context) ([]tracker.PeerAddress, error) {
	resp, err := d.announcer.Announce(ctx, tracker.EventNone, d.trackerStats())
	if err != nil {
		return nil, err
	}
	return resp.Peers, nil
}

func (d *Downloader) trackerStats() tracker.Stats {
	stats := d.queue.Snapshot()
	return tracker.Stats{
		Downloaded: int(stats.BytesCompleted),
		Left:       int(stats.BytesTotal - stats.BytesCompleted),
	}
}

// farewell tells the tracker how the run ended, best effort.
func (d *Downloader) farewell() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	event := tracker.EventStopped
	if d.queue.IsDone() {
		event = tracker.EventCompleted
	}
	if _, err := d.announcer.Announce(ctx, event, d.trackerStats()); err != nil {
		log.Debugf("final %v announce failed: %v", event, err)
	}
}
