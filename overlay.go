package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/john/pressme-overlay/internal/announcer"
	"github.com/john/pressme-overlay/internal/donation"
	"github.com/john/pressme-overlay/internal/metrics"
	"github.com/john/pressme-overlay/internal/overlay"
	"github.com/john/pressme-overlay/internal/queue"
	"github.com/john/pressme-overlay/internal/recorder"
	"github.com/john/pressme-overlay/internal/server"
	"github.com/john/pressme-overlay/internal/transport"
	"github.com/john/pressme-overlay/internal/uploader"
)

func newOverlayCmd(a *app) *cobra.Command {
	var poll bool
	cmd := &cobra.Command{
		Use:   "overlay",
		Short: "Run the overlay companion: donation feed, playback and browser source server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if poll {
				a.cfg.Overlay.Poll = true
			}
			return runOverlay(cmd.Context(), a)
		},
	}
	cmd.Flags().BoolVar(&poll, "poll", false, "poll recent donations instead of using the event stream")
	return cmd
}

func runOverlay(parent context.Context, a *app) error {
	cfg := a.cfg
	log := a.logger.WithField("component", "main")
	log.Info("PressMe overlay starting...")

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	gin.SetMode(gin.ReleaseMode)
	m := metrics.New()
	api := a.backend()

	// Playback: queue -> overlay machine -> observers
	timings := overlay.DefaultTimings()
	timings.Content = time.Duration(cfg.Overlay.ContentMillis) * time.Millisecond

	var srv *server.Server
	machine := overlay.NewMachine(overlay.Config{
		Timings: timings,
		Cues:    overlay.CueFunc(func(c overlay.Cue) error { return srv.Play(c) }),
		Logger:  a.logger,
		Metrics: m,
	})
	q := queue.New(queue.Config{
		Hold:    time.Duration(cfg.Overlay.HoldMillis) * time.Millisecond,
		Logger:  a.logger,
		Metrics: m,
	})
	q.SetSink(machine.Enqueue)

	// Donation discovery
	var stream *transport.Client
	var poller *transport.Poller
	if cfg.Overlay.Poll {
		poller = transport.NewPoller(api, time.Duration(cfg.Overlay.PollIntervalMillis)*time.Millisecond, nil, a.logger)
	} else {
		stream = transport.NewClient(transport.Config{
			URL:         cfg.API.WebSocketURL,
			MaxAttempts: cfg.Overlay.ReconnectAttempts,
			Logger:      a.logger,
			Metrics:     m,
		})
	}

	srvCfg := server.Config{Addr: cfg.Server.Addr, Overlay: machine, Metrics: m, Logger: a.logger}
	if stream != nil {
		srvCfg.Stream = stream
	}
	srv = server.New(srvCfg)

	var wg sync.WaitGroup

	// Playback log and archive
	var fileChan chan string
	var up *uploader.Uploader
	if cfg.Recorder.Enabled {
		entries := make(chan recorder.Entry, cfg.Recorder.BufferSize)
		machine.Subscribe(func(tr overlay.Transition) {
			select {
			case entries <- recorder.EntryFromTransition(tr):
			default:
				log.Warn("Playback log backlog full, dropping entry")
			}
		})

		if cfg.Uploader.Enabled {
			fileChan = make(chan string, 100)
			var err error
			up, err = uploader.New(ctx, uploader.Config{
				Bucket:          cfg.S3.Bucket,
				Region:          cfg.S3.Region,
				Prefix:          cfg.S3.Prefix,
				Endpoint:        cfg.S3.Endpoint,
				DeleteAfter:     cfg.Uploader.DeleteAfterUpload,
				MaxRetries:      cfg.Uploader.MaxRetries,
				RoleARN:         cfg.S3.RoleARN,
				TokenFile:       cfg.S3.TokenFile,
				AccessKeyID:     cfg.S3.AccessKeyID,
				SecretAccessKey: cfg.S3.SecretAccessKey,
				Logger:          a.logger,
			})
			if err != nil {
				return err
			}
			// Files left behind by a previous run
			if err := up.ScanAndUploadExisting(ctx, cfg.Recorder.OutputDir); err != nil {
				log.WithError(err).Warn("Failed to scan for existing files")
			}
		}

		rec := recorder.New(recorder.Config{
			OutputDir:       cfg.Recorder.OutputDir,
			BufferSize:      cfg.Recorder.BufferSize,
			RotateMinutes:   cfg.Recorder.RotateMinutes,
			RotateMegabytes: cfg.Recorder.RotateMegabytes,
			CheckInterval:   time.Duration(cfg.Recorder.CheckIntervalSeconds) * time.Second,
			Logger:          a.logger,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := rec.Start(ctx, entries, fileChan); err != nil && err != context.Canceled {
				log.WithError(err).Error("Recorder error")
			}
		}()

		if up != nil {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := up.Start(ctx, fileChan); err != nil && err != context.Canceled {
					log.WithError(err).Error("Uploader error")
				}
			}()
		}
	}

	// Chat announcements
	if cfg.Twitch.Enabled {
		played := make(chan donation.Queued, 16)
		machine.Subscribe(func(tr overlay.Transition) {
			if tr.Event != overlay.EventDequeue || tr.Donation == nil {
				return
			}
			select {
			case played <- *tr.Donation:
			default:
				log.Warn("Announcement backlog full, skipping donation")
			}
		})
		ann := announcer.New(announcer.Config{
			Username: cfg.Twitch.Username,
			OAuth:    cfg.Twitch.OAuth,
			Channels: cfg.Twitch.Channels,
			Template: cfg.Twitch.Template,
			Logger:   a.logger,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ann.Start(ctx, played); err != nil && err != context.Canceled {
				log.WithError(err).Error("Announcer error")
			}
		}()
	}

	// Start donation discovery
	if poller != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := poller.Start(ctx, func(ev donation.Event) { q.Push(ev) }); err != nil {
				log.WithError(err).Error("Poller error")
			}
		}()
	} else {
		stream.SubscribeDonations(func(ev donation.Event) { q.Push(ev) })
		stream.SubscribeNowPlaying(srv.SetNowPlaying)

		// Keep the saved viewer session in step with server-side sign-ins
		if owner := a.localAddress(ctx); owner != "" {
			mgr, closeStore, err := a.authManager(ctx, nil, api, m)
			if err != nil {
				log.WithError(err).Warn("Session store unavailable, ignoring auth events")
			} else {
				defer closeStore()
				stream.SubscribeAuth(func(ev transport.AuthEvent) {
					if ev.Wallet == owner {
						mgr.HandleAuthEvent(ev)
					}
				})
			}
		}
	}

	// Start overlay server
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("Overlay server error")
		}
	}()

	log.Info("All components started successfully")

	select {
	case <-sigChan:
		log.Info("Shutdown signal received, initiating graceful shutdown...")
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Error shutting down overlay server")
	}
	if stream != nil {
		stream.Close()
	}
	q.Stop()
	machine.Stop()

	// Cancel main context to stop other components
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("All components stopped gracefully")
	case <-shutdownCtx.Done():
		log.Warn("Shutdown timeout exceeded, forcing exit")
		return nil
	}

	// The recorder queues its final file after the uploader has stopped;
	// anything not uploaded here is picked up by the next start.
	if up != nil {
	drain:
		for {
			select {
			case path := <-fileChan:
				up.UploadWithRetry(shutdownCtx, path)
			default:
				break drain
			}
		}
		up.Wait()
	}

	log.Info("PressMe overlay stopped")
	return nil
}
