package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	log "github.com/sirupsen/logrus"

	"EmberTorrent/core"
	"EmberTorrent/ipc"
	"EmberTorrent/torrent"
	"EmberTorrent/tracker"
	"EmberTorrent/utils"
	"EmberTorrent/view"
)

func main() {
	var (
		outDir      = flag.String("o", ".", "output directory")
		port        = flag.Uint("port", uint(utils.DefaultPort), "listen port reported to the tracker")
		verbose     = flag.Bool("v", false, "debug logging")
		withUI      = flag.Bool("ui", false, "terminal dashboard")
		ipcEndpoint = flag.String("ipc", "", "zeromq control endpoint, e.g. tcp://127.0.0.1:5555")
		withUPnP    = flag.Bool("upnp", false, "forward the listen port on the gateway")
	)
	flag.Parse()

	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if *verbose {
		log.SetLevel(log.DebugLevel)
	}
	if *withUI {
		// the dashboard owns the terminal
		log.SetOutput(os.Stderr)
		log.SetLevel(log.ErrorLevel)
	}

	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: %v [flags] <file.torrent>\n", filepath.Base(os.Args[0]))
		flag.PrintDefaults()
		os.Exit(2)
	}

	if err := run(flag.Arg(0), *outDir, uint16(*port), *withUI, *ipcEndpoint, *withUPnP); err != nil {
		log.Fatal(err)
	}
}

func run(torrentPath, outDir string, port uint16, withUI bool, ipcEndpoint string, withUPnP bool) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	info, err := torrent.Open(torrentPath)
	if err != nil {
		return err
	}
	log.Infof("loaded %v: %v pieces, %v bytes", info.Name, info.NumPieces(), info.Length)

	cfg := core.DefaultConfig()
	cfg.Port = port

	if withUPnP {
		if err := utils.ForwardPort(cfg.Port); err != nil {
			log.Warnf("port forwarding failed: %v", err)
		}
	}

	announcer, err := tracker.NewAnnouncer(info, cfg.PeerID, cfg.Port)
	if err != nil {
		return err
	}

	writer, err := core.NewFileWriter(filepath.Join(outDir, info.Name), info)
	if err != nil {
		return err
	}
	defer writer.Close()

	d := core.NewDownloader(cfg, info, writer, announcer)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if ipcEndpoint != "" {
		server := ipc.NewServer(ipcEndpoint, d)
		go func() {
			if err := server.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Errorf("control socket: %v", err)
			}
		}()
	}
	if withUI {
		ui := view.New(info.Name, d, cancel)
		go func() {
			if err := ui.Run(ctx); err != nil {
				log.Errorf("dashboard: %v", err)
			}
		}()
	}

	resp, err := announcer.Announce(ctx, tracker.EventStarted, tracker.Stats{Left: info.Length})
	if err != nil {
		return fmt.Errorf("initial announce: %w", err)
	}
	log.Infof("tracker returned %v peers", len(resp.Peers))

	return d.Run(ctx, resp.Peers)
}
