package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/Hquestion/Paradone/internal/config"
	"github.com/Hquestion/Paradone/internal/gossip"
	"github.com/Hquestion/Paradone/internal/logger"
	"github.com/Hquestion/Paradone/internal/media"
	"github.com/Hquestion/Paradone/internal/media/store"
	"github.com/Hquestion/Paradone/internal/message"
	"github.com/Hquestion/Paradone/internal/metrics"
	"github.com/Hquestion/Paradone/internal/peer"
	sig "github.com/Hquestion/Paradone/internal/signal"
	"github.com/Hquestion/Paradone/internal/transport"
	"github.com/Hquestion/Paradone/internal/transport/webrtc"
)

func main() {
	var (
		configPath string
		outPath    string
		indexPath  string
	)

	root := &cobra.Command{
		Use:   "paradone",
		Short: "P2P media distribution overlay node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, outPath, indexPath)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config")
	root.Flags().StringVarP(&outPath, "out", "o", "paradone-out.webm", "playback output file")
	root.Flags().StringVar(&indexPath, "index", "", "segment index JSON for seeding nodes")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(configPath, outPath, indexPath string) error {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	log := logger.New(cfg.Logging.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var met *metrics.Metrics
	if cfg.Metrics.Enabled {
		met = metrics.New()
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", met.Handler())
			log.Infof("metrics on %s", cfg.Metrics.Address)
			if err := http.ListenAndServe(cfg.Metrics.Address, mux); err != nil {
				log.Warnf("metrics server stopped: %v", err)
			}
		}()
	}

	sigClient, err := sig.Dial(cfg.Signal.URL, cfg.Signal.Keepalive, log)
	if err != nil {
		return err
	}

	var p *peer.Peer
	dialer := webrtc.NewDialer(cfg.WebRTC.STUNServers, func(remote string, cand message.ICECandidate) {
		if err := p.Send(message.NewICECandidate(p.ID(), remote, p.TTL(), cand)); err != nil {
			log.Warnf("candidate toward %s dropped: %v", remote, err)
		}
	}, log)

	p = peer.New(peer.Options{
		TTL:           cfg.Overlay.TTL,
		QueueTimeout:  cfg.Overlay.QueueTimeout,
		IdleThreshold: cfg.Overlay.IdleThreshold,
		Dialer:        dialer,
		SignalDialer: func() (transport.Transport, error) {
			return sig.Dial(cfg.Signal.URL, cfg.Signal.Keepalive, log)
		},
		Logger:       log,
		Metrics:      met,
		OnIDAssigned: func(id string) { sigClient.SetLocalID(id) },
	})

	engine := gossip.New(gossip.Options{
		ViewSize: cfg.Gossip.ViewSize,
		Interval: cfg.Gossip.ExchangeInterval,
		Logger:   log,
	})

	// The part cache is keyed by the media identity, known before the
	// segment index is: previously added parts decide whether the output
	// file is appended to or started over.
	storeKey := cfg.Media.SourceURL
	if storeKey == "" {
		storeKey = outPath
	}
	var cache *store.Store
	var restored []int
	if cfg.Media.StorePath != "" {
		cache, err = store.Open(cfg.Media.StorePath)
		if err != nil {
			return err
		}
		restored, err = cache.AddedParts(storeKey)
		if err != nil {
			log.Warnf("failed to read part cache: %v", err)
			restored = nil
		}
	}

	mgr := media.NewManager(media.ManagerOptions{
		Sink:   media.NewFileSink(outPath, len(restored) > 0),
		Logger: log,
	})

	if len(restored) > 0 {
		mgr.OnMetadata(func(*media.SegmentIndex) {
			n := mgr.RestoreParts(restored)
			log.Infof("resumed %d previously fetched parts", n)
		})
	}
	if cache != nil {
		mgr.OnPartAdded(func(number int) {
			if err := cache.MarkAdded(storeKey, number); err != nil {
				log.Warnf("failed to persist part %d: %v", number, err)
			}
		})
	}

	var source *media.Source
	if cfg.Media.SourceURL != "" {
		source = media.NewSource(cfg.Media.SourceURL)
	}
	ext := media.NewExtension(media.ExtensionOptions{
		Manager:     mgr,
		Source:      source,
		ChunkSize:   cfg.Media.ChunkSize,
		Parallelism: cfg.Media.Parallelism,
		Logger:      log,
		Metrics:     met,
	})

	p.Use(gossip.Extension(engine, log), ext.Extension())
	p.AttachSignal(sigClient)

	var bar *progressbar.ProgressBar
	mgr.OnPartAdded(func(int) {
		if bar == nil {
			if meta := mgr.Metadata(); meta != nil {
				bar = progressbar.Default(int64(len(meta.Clusters)), "downloading")
			}
		}
		if bar != nil {
			_ = bar.Add(1)
		}
	})

	// Seeding nodes carry the index locally; everyone else learns it
	// from a neighbor or the origin.
	if indexPath != "" {
		meta, err := media.LoadIndexFile(indexPath)
		if err != nil {
			return err
		}
		if err := mgr.SetMetadata(meta); err != nil {
			return err
		}
	}

	mgr.Start(ctx)
	p.Start(ctx)
	go engine.Run(ctx)
	go gossip.Pump(ctx, engine, p, log)
	go ext.Run(ctx)

	log.Info("node running")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info("shutting down")
	cancel()
	return sigClient.Close()
}
