// Command server runs the classcast signaling and media service: one process
// hosting the room registry, the websocket signaling endpoint and the
// transcription forwarder.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ailearn/classcast/internal/backend"
	"github.com/ailearn/classcast/internal/config"
	"github.com/ailearn/classcast/internal/logging"
	"github.com/ailearn/classcast/internal/media"
	"github.com/ailearn/classcast/internal/rooms"
	"github.com/ailearn/classcast/internal/signaling"
	"github.com/ailearn/classcast/internal/transcribe"
)

func main() {
	root := &cobra.Command{
		Use:           "classcast-server",
		Short:         "Classroom media signaling server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context())
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		log := logging.Logger("main")
		log.Fatal().Err(err).Msg("server exited")
	}
}

func run(ctx context.Context) error {
	logging.Setup(os.Stderr)
	log := logging.Logger("main")

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	codecs := make([]media.RTPCodecCapability, 0, len(cfg.Codecs))
	for _, c := range cfg.Codecs {
		codecs = append(codecs, media.RTPCodecCapability{
			MimeType:             c.MimeType,
			ClockRate:            c.ClockRate,
			Channels:             c.Channels,
			PreferredPayloadType: c.PreferredPayloadType,
		})
	}

	engine, err := media.NewPionEngine(media.EngineConfig{
		UDPPortMin:    cfg.UDPPortMin,
		UDPPortMax:    cfg.UDPPortMax,
		AnnouncedIP:   cfg.AnnouncedIP,
		ICEServers:    cfg.ICEServers,
		ICEUsername:   cfg.ICEUsername,
		ICECredential: cfg.ICECredential,
		Codecs:        codecs,
		LoggerFactory: logging.PionLoggerFactory(),
	}, logging.Logger("media"))
	if err != nil {
		return err
	}
	defer engine.Close()

	// A dead engine cannot serve any room. Exit after a short grace delay so
	// the supervisor restarts a clean process instead of letting this one limp.
	engine.OnFatal(func(fatalErr error) {
		log.Error().Err(fatalErr).Msg("media engine failed, exiting")
		time.Sleep(cfg.FatalGracePeriod)
		os.Exit(1)
	})

	backendClient := backend.NewClient(
		cfg.BackendBaseURL,
		cfg.BackendSecret,
		cfg.BackendTimeout,
		cfg.EventWorkers,
		cfg.EventQueueSize,
		logging.Logger("backend"),
	)
	defer backendClient.Close()

	forwarder := transcribe.NewForwarder(cfg.TranscribeToken, cfg.WriteTimeout, logging.Logger("transcribe"))
	defer forwarder.Close()

	registry := rooms.NewRegistry(engine, backendClient, logging.Logger("rooms"))

	server := signaling.NewServer(registry, backendClient, forwarder, signaling.Options{
		ReadLimit:    cfg.ReadLimitBytes,
		WriteTimeout: cfg.WriteTimeout,
		PingInterval: cfg.PingInterval,
		PongWait:     cfg.PongWait,
		MaxPeers:     cfg.MaxPeers,
		MaxRoomPeers: cfg.MaxRoomPeers,
	}, logging.Logger("signaling"))

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", server.HandleWS)
	mux.HandleFunc("/ws/transcription", forwarder.HandleWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"signaling":           server.Stats(),
			"rooms":               registry.Snapshot(),
			"roomCount":           registry.Len(),
			"transcriptionLinked": forwarder.Linked(),
			"chunksForwarded":     forwarder.Forwarded(),
			"chunksDropped":       forwarder.Dropped(),
			"backendEventsLost":   backendClient.DroppedEvents(),
		})
	})

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Info().Str("addr", cfg.BindAddr).Msg("listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return group.Wait()
}
