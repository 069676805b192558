// Package view renders a minimal terminal dashboard for a running
// download.
package view

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jroimartin/gocui"
	log "github.com/sirupsen/logrus"

	"EmberTorrent/core"
)

const (
	progressView    = "progress"
	refreshInterval = 500 * time.Millisecond
	barWidth        = 40
)

// StatsSource is polled for the numbers on screen.
type StatsSource interface {
	Stats() core.Stats
	Paused() bool
}

// UI is a single-view gocui dashboard. Ctrl-C cancels the download.
type UI struct {
	name   string
	source StatsSource
	cancel context.CancelFunc
}

// New builds a dashboard for the named torrent. cancel is invoked when
// the user quits the UI.
func New(name string, source StatsSource, cancel context.CancelFunc) *UI {
	return &UI{name: name, source: source, cancel: cancel}
}

// Run owns the terminal until ctx is cancelled or the user quits.
func (u *UI) Run(ctx context.Context) error {
	gui, err := gocui.NewGui(gocui.OutputNormal)
	if err != nil {
		return fmt.Errorf("view: init: %w", err)
	}
	defer gui.Close()

	gui.SetManagerFunc(u.layout)

	if err := gui.SetKeybinding("", gocui.KeyCtrlC, gocui.ModNone, u.quit); err != nil {
		return fmt.Errorf("view: keybinding: %w", err)
	}

	go func() {
		ticker := time.NewTicker(refreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				gui.Update(func(g *gocui.Gui) error { return gocui.ErrQuit })
				return
			case <-ticker.C:
				gui.Update(u.redraw)
			}
		}
	}()

	if err := gui.MainLoop(); err != nil && err != gocui.ErrQuit {
		return fmt.Errorf("view: %w", err)
	}
	return nil
}

func (u *UI) layout(g *gocui.Gui) error {
	maxX, _ := g.Size()
	v, err := g.SetView(progressView, 0, 0, maxX-1, 7)
	if err != nil {
		if err != gocui.ErrUnknownView {
			return err
		}
		v.Title = " EmberTorrent "
	}
	return u.redraw(g)
}

func (u *UI) redraw(g *gocui.Gui) error {
	v, err := g.View(progressView)
	if err != nil {
		return err
	}
	v.Clear()

	stats := u.source.Stats()
	fmt.Fprintf(v, " %v\n\n", u.name)
	fmt.Fprintf(v, " %v\n", renderBar(stats))
	fmt.Fprintf(v, " pieces %v/%v   peers %v   %v\n",
		stats.DonePieces, stats.TotalPieces, stats.ActivePeers, renderBytes(stats))
	if u.source.Paused() {
		fmt.Fprint(v, " [paused]\n")
	}
	fmt.Fprint(v, "\n ^C to quit")
	return nil
}

func (u *UI) quit(g *gocui.Gui, v *gocui.View) error {
	log.Info("download cancelled from the UI")
	if u.cancel != nil {
		u.cancel()
	}
	return gocui.ErrQuit
}

func renderBar(stats core.Stats) string {
	filled := 0
	if stats.BytesTotal > 0 {
		filled = int(int64(barWidth) * stats.BytesCompleted / stats.BytesTotal)
	}
	return "[" + strings.Repeat("#", filled) + strings.Repeat("-", barWidth-filled) + "]"
}

func renderBytes(stats core.Stats) string {
	return fmt.Sprintf("%v / %v", humanBytes(stats.BytesCompleted), humanBytes(stats.BytesTotal))
}

func humanBytes(n int64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1f GiB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	}
	return fmt.Sprintf("%d B", n)
}
