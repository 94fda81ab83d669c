package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"rapidrec/config"
	"rapidrec/httpServer"
	"rapidrec/internal/auth"
	"rapidrec/internal/metrics"
	"rapidrec/internal/recorder"
	"rapidrec/internal/rtmp"
	"rapidrec/internal/segmenter"
	"rapidrec/internal/source"
	"rapidrec/internal/storage"
	"rapidrec/internal/uploader"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Invalid configuration")
	}
	setupLogging(cfg)

	log := logrus.WithField("app", "rapidrec")
	log.Info("Starting RapidRec recorder...")
	log.WithFields(logrus.Fields{
		"http":       cfg.HTTPAddr,
		"rtmp":       cfg.RTMPAddr,
		"output_dir": cfg.OutputDir,
		"max_size":   cfg.MaxPartSize,
		"max_length": cfg.MaxPartDuration,
	}).Info("Configuration loaded")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Initialize storage
	var store storage.Storage
	switch cfg.StorageType {
	case config.StorageGCS:
		gcs, err := storage.NewGCSStorage(ctx, cfg.GCSProjectID, cfg.GCSBucketName, cfg.GCSBaseDir)
		if err != nil {
			log.WithError(err).Fatal("Failed to initialize GCS storage")
		}
		defer gcs.Close()
		store = gcs
		log.WithFields(logrus.Fields{
			"bucket":  cfg.GCSBucketName,
			"project": cfg.GCSProjectID,
			"baseDir": cfg.GCSBaseDir,
		}).Info("Storage initialized: GCS")
	case config.StorageLocal:
		local, err := storage.NewLocalStorage(cfg.StorageDir)
		if err != nil {
			log.WithError(err).Fatal("Failed to initialize local storage")
		}
		store = local
		log.WithField("dir", cfg.StorageDir).Info("Storage initialized: local")
	default:
		log.Info("No storage configured, segments stay in the output directory")
	}

	// Initialize metrics
	m := metrics.New(prometheus.DefaultRegisterer)

	// Initialize recorder
	header := make(http.Header)
	for k, v := range cfg.RequestHeaders {
		header.Set(k, v)
	}
	client := &http.Client{
		Transport: &http.Transport{
			Proxy:                 http.ProxyFromEnvironment,
			ResponseHeaderTimeout: 15 * time.Second,
		},
	}
	rec := recorder.New(recorder.Config{
		OutputDir:        cfg.OutputDir,
		FileNameTemplate: cfg.FileNameTemplate,
		Policy: segmenter.Policy{
			MaxPartSize:     cfg.MaxPartSize,
			MaxPartDuration: cfg.MaxPartDuration,
		},
		KeyframeSlots:     cfg.KeyframeSlots,
		ReconnectDelay:    cfg.ReconnectDelay,
		MaxReconnectDelay: cfg.MaxReconnectDelay,
	}, source.NewHTTPFLV(client, header), m, log)

	var up *uploader.Uploader
	if store != nil {
		up = uploader.New(store, uploader.Config{
			Workers:     cfg.UploadWorkers,
			Retries:     cfg.UploadRetries,
			DeleteLocal: cfg.DeleteAfterUpload,
		}, m, log)
		rec.OnSegment(up.Handle)
	}

	authManager := auth.New(cfg.DefaultTokenExpiration, cfg.MaxTokenExpiration)
	httpSrv := httpServer.New(rec, authManager, store, m, prometheus.DefaultGatherer, cfg.RTMPIngestAddr, log)
	rtmpSrv := rtmp.New(cfg.RTMPAddr, rec, authManager, cfg.RequireToken, m, log)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return httpSrv.Run(cfg.HTTPAddr)
	})
	g.Go(func() error {
		if err := rtmpSrv.ListenAndServe(); err != nil && gctx.Err() == nil {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return authManager.Run(gctx, time.Minute)
	})

	// Uploads outlive gctx so segments finalized during shutdown still get stored
	uploadCtx, cancelUploads := context.WithCancel(context.Background())
	defer cancelUploads()
	if up != nil {
		g.Go(func() error {
			return up.Run(uploadCtx)
		})
	}

	for _, s := range cfg.Streams {
		if _, err := rec.StartPull(context.Background(), s.Name, s.URL); err != nil {
			log.WithError(err).WithField("recording", s.Name).Error("Failed to start recording")
		}
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("HTTP server shutdown")
		}
		if err := rtmpSrv.Close(); err != nil {
			log.WithError(err).Debug("RTMP server close")
		}
		if err := rec.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("Recordings did not stop in time")
		}
		if up != nil {
			up.Close()
			time.AfterFunc(shutdownTimeout, cancelUploads)
		}
		return nil
	})

	log.Info("RapidRec started successfully")
	log.Info("API Endpoints:")
	for _, route := range []string{
		"GET  /api/ping",
		"POST /api/v1/publish",
		"GET  /api/v1/recordings",
		"POST /api/v1/recordings",
		"GET  /api/v1/recordings/:name",
		"POST /api/v1/recordings/:name/stop",
		"GET  /api/v1/archive",
		"GET  /metrics",
	} {
		log.Info("  " + route)
	}

	if err := g.Wait(); err != nil {
		log.WithError(err).Fatal("Server failed")
	}
	log.Info("Stopped")
}

func setupLogging(cfg *config.Config) {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logrus.WithError(err).Warn("Unknown log level, using info")
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	if strings.EqualFold(cfg.LogFormat, "json") {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}
