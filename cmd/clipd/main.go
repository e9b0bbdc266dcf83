// clipd - captures live streams into a rolling chunk buffer, detects
// highlights, and serves clips over HTTP/WebSocket.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/clipforge/clipd/internal/ai"
	"github.com/clipforge/clipd/internal/capture"
	"github.com/clipforge/clipd/internal/catalog"
	"github.com/clipforge/clipd/internal/chunkstore"
	"github.com/clipforge/clipd/internal/config"
	"github.com/clipforge/clipd/internal/detect"
	"github.com/clipforge/clipd/internal/export"
	"github.com/clipforge/clipd/internal/pipeline"
	"github.com/clipforge/clipd/internal/server"
	"github.com/clipforge/clipd/internal/transcript"
)

const (
	transcriptCapacity    = 10000
	transcriptEventBuffer = 256
)

func main() {
	// Setup structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err == nil {
		slog.Debug("loaded environment from .env")
	}

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	cat, err := catalog.Open(cfg.SQLitePath)
	if err != nil {
		slog.Error("failed to open catalog", "path", cfg.SQLitePath, "error", err)
		os.Exit(1)
	}
	defer func() { _ = cat.Close() }()

	store := chunkstore.New(chunkstore.Config{
		Retention:     cfg.RetentionWindow,
		SweepInterval: cfg.SweepInterval,
		MaxBytes:      cfg.MaxBufferBytes,
		AdmitTimeout:  cfg.AdmitTimeout,
	})
	transcripts := transcript.NewStore(transcriptCapacity, transcriptEventBuffer)

	// Without an API key the fuser runs degraded on heuristic scores alone.
	var classifier detect.Classifier
	if cfg.AIAPIKey != "" {
		classifier = ai.NewClassifier(cfg.AIBaseURL, cfg.AIAPIKey, cfg.AIModel, cfg.AITimeout)
	} else {
		slog.Warn("no AI API key configured, running heuristic-only detection")
	}

	// Without object storage, exports stop at the rendition plan.
	var uploader *export.Uploader
	if cfg.S3Endpoint != "" {
		uploader, err = export.NewUploader(export.UploaderConfig{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Bucket:    cfg.S3Bucket,
			UseSSL:    cfg.S3UseSSL,
		})
		if err != nil {
			slog.Error("failed to configure clip storage", "endpoint", cfg.S3Endpoint, "error", err)
			os.Exit(1)
		}
	}

	newSource := func(cfg *config.Config) (capture.Source, error) {
		audio, err := capture.NewAudioSource(cfg.SampleRate, cfg.CaptureSystemAudio, cfg.ExcludedDevices)
		if err != nil {
			return nil, err
		}
		interval := time.Duration(float64(time.Second) / cfg.FrameCaptureRate)
		return capture.NewMux(audio, capture.NewFrameSource(interval)), nil
	}

	manager := pipeline.NewManager(cfg, store, transcripts, classifier, uploader, cat, newSource)
	srv := server.New(manager, cat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go store.Run(ctx)
	go purgeLoop(ctx, cat, cfg)

	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("clipd starting", "http", cfg.HTTPAddr,
			"retention", cfg.RetentionWindow, "cadence", cfg.ChunkCadence)
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			slog.Error("http server error", "error", err)
		}
	}()

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}

	manager.Close(shutdownCtx)
	cancel()
	slog.Info("shutdown complete")
}

// purgeLoop drops chunk metadata rows past the retention window so the
// catalog tracks what the in-memory buffer actually holds.
func purgeLoop(ctx context.Context, cat *catalog.Catalog, cfg *config.Config) {
	ticker := time.NewTicker(cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-cfg.RetentionWindow)
			n, err := cat.PurgeChunkMeta(ctx, cutoff)
			if err != nil {
				slog.Warn("chunk metadata purge failed", "error", err)
			} else if n > 0 {
				slog.Debug("purged chunk metadata", "rows", n)
			}
		}
	}
}
