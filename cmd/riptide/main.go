// Command riptide downloads a single torrent from a .torrent file or a
// magnet link, reporting progress to the console until the download
// completes or the process is interrupted.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prxssh/riptide/internal/config"
	"github.com/prxssh/riptide/internal/dht"
	"github.com/prxssh/riptide/internal/logging"
	"github.com/prxssh/riptide/internal/meta"
	"github.com/prxssh/riptide/internal/metadata"
	"github.com/prxssh/riptide/internal/session"
	"github.com/spf13/cobra"
)

var (
	torrentPath string
	magnetURI   string
	downloadDir string
	dhtListen   string
	noDHT       bool
	verbose     bool
)

func main() {
	root := &cobra.Command{
		Use:   "riptide",
		Short: "riptide downloads a torrent from a .torrent file or a magnet link",
		RunE:  run,
	}
	root.Flags().StringVarP(&torrentPath, "torrent", "t", "", ".torrent file to download")
	root.Flags().StringVarP(&magnetURI, "magnet", "m", "", "magnet URI to download")
	root.Flags().StringVarP(&downloadDir, "dir", "d", "", "download directory (defaults to the platform download folder)")
	root.Flags().StringVar(&dhtListen, "dht-listen", ":0", "UDP address the DHT node listens on")
	root.Flags().BoolVar(&noDHT, "no-dht", false, "disable DHT peer discovery")
	root.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	setupLogger(verbose)
	log := slog.Default()

	if torrentPath == "" && magnetURI == "" {
		return fmt.Errorf("riptide: one of --torrent or --magnet is required")
	}

	cfg, err := config.DefaultConfig()
	if err != nil {
		return fmt.Errorf("riptide: load config: %w", err)
	}
	if downloadDir != "" {
		cfg.Storage.DefaultDownloadDir = downloadDir
	}
	cfg.DHT.Enabled = !noDHT

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var dhtNode *dht.DHT
	if cfg.DHT.Enabled {
		dhtNode, err = dht.NewDHT(cfg.DHT, cfg.ClientID, dhtListen, log)
		if err != nil {
			return fmt.Errorf("riptide: create dht node: %w", err)
		}
		if err := dhtNode.Start(); err != nil {
			return fmt.Errorf("riptide: start dht node: %w", err)
		}
		defer dhtNode.Stop()
	}

	mi, err := resolveTorrent(ctx, cfg, dhtNode, log)
	if err != nil {
		return err
	}

	sess, err := session.New(cfg, mi, cfg.Storage.DefaultDownloadDir, dhtNode, log)
	if err != nil {
		return fmt.Errorf("riptide: create session: %w", err)
	}

	log.Info("starting download", "name", mi.Info.Name, "info_hash", fmt.Sprintf("%x", mi.InfoHash), "pieces", len(mi.Info.Pieces))
	go reportProgress(ctx, sess, log)

	return sess.Run(ctx)
}

// resolveTorrent returns a complete Metainfo regardless of which flag was
// used: a .torrent file is parsed directly, a magnet link first needs a
// BEP 9 metadata exchange against peers found via the DHT.
func resolveTorrent(ctx context.Context, cfg config.Config, dhtNode *dht.DHT, log *slog.Logger) (*meta.Metainfo, error) {
	if torrentPath != "" {
		data, err := os.ReadFile(torrentPath)
		if err != nil {
			return nil, fmt.Errorf("riptide: read torrent file: %w", err)
		}
		return meta.ParseMetainfo(data)
	}

	magnet, err := meta.ParseMagnet(magnetURI)
	if err != nil {
		return nil, fmt.Errorf("riptide: parse magnet uri: %w", err)
	}
	if dhtNode == nil {
		return nil, fmt.Errorf("riptide: magnet links require DHT (retry without --no-dht)")
	}

	candidates, err := dhtNode.GetPeers(magnet.InfoHash)
	if err != nil {
		return nil, fmt.Errorf("riptide: dht lookup for metadata peers: %w", err)
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("riptide: no peers found via dht to fetch metadata from")
	}

	fetcher := metadata.NewFetcher(cfg.Peer, cfg.ClientID, log)
	info, err := fetcher.Fetch(ctx, magnet.InfoHash, candidates)
	if err != nil {
		return nil, fmt.Errorf("riptide: metadata exchange: %w", err)
	}

	var announce string
	var announceList [][]string
	if len(magnet.Trackers) > 0 {
		announce = magnet.Trackers[0]
		announceList = [][]string{magnet.Trackers}
	}

	return &meta.Metainfo{
		Info:         info,
		Announce:     announce,
		AnnounceList: announceList,
		InfoHash:     magnet.InfoHash,
	}, nil
}

func reportProgress(ctx context.Context, sess *session.Session, log *slog.Logger) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := sess.Status()
			log.Info("progress",
				"pieces", fmt.Sprintf("%d/%d", st.PiecesDone, st.PiecesTotal),
				"peers", st.Peers,
				"downloaded", st.Downloaded,
				"uploaded", st.Uploaded,
				"complete", st.Complete,
			)
		}
	}
}

func setupLogger(verbose bool) {
	opts := logging.DefaultOptions()
	if verbose {
		opts.SlogOpts.Level = slog.LevelDebug
	}
	h := logging.NewPrettyHandler(os.Stdout, &opts)
	slog.SetDefault(slog.New(h))
}
