package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/guided-traffic/s3-storage-gateway/internal/cleanup"
	"github.com/guided-traffic/s3-storage-gateway/internal/config"
	"github.com/guided-traffic/s3-storage-gateway/internal/gateway"
	"github.com/guided-traffic/s3-storage-gateway/internal/gateway/handlers/health"
	"github.com/guided-traffic/s3-storage-gateway/internal/monitoring"
)

var (
	// Build information injected at build time
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"

	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "s3-storage-gateway",
		Short: "S3 Storage Gateway serves the S3 API over local storage",
		Long: `S3 Storage Gateway is a self-contained S3-compatible object storage server.
It speaks the S3 REST API - Signature V4 authentication including presigned
URLs and streaming (aws-chunked) uploads, bucket and object operations,
multipart uploads and checksums - and persists objects either in memory or
on the local filesystem with separate data and metadata trees.

All configuration is done through YAML configuration files. Use --config to
specify a configuration file, or the gateway will look for configuration in
standard locations. Every key can also be set through S3GW_-prefixed
environment variables.`,
		Run: runGateway,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to configuration file (YAML format)")
}

func runGateway(cmd *cobra.Command, args []string) {
	logrus.WithFields(logrus.Fields{
		"version":   version,
		"commit":    commit,
		"buildTime": buildTime,
	}).Info("S3 Storage Gateway build information")

	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logrus.WithError(err).Fatal("Invalid log level")
	}
	logrus.SetLevel(level)
	if cfg.LogFormat == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}

	if !cfg.Authentication.Enabled {
		logrus.Warn("Authentication is disabled; every request is accepted. This should only be used for development/testing.")
	}

	build := health.BuildInfo{Version: version, Commit: commit, BuildTime: buildTime}
	server, err := gateway.NewServer(cfg, build)
	if err != nil {
		logrus.WithError(err).Fatal("Failed to create gateway server")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	if cfg.Monitoring.Enabled {
		monitoring.SetServerInfo(version, commit, buildTime)
		monitoringServer := monitoring.NewServer(&monitoring.Config{
			BindAddress: cfg.Monitoring.BindAddress,
			MetricsPath: cfg.Monitoring.MetricsPath,
		})
		go func() {
			if err := monitoringServer.Start(ctx); err != nil {
				logrus.WithError(err).Error("Monitoring server failed")
			}
		}()
	}

	sweeper := cleanup.NewSweeper(server.Backend(), cleanup.Options{
		Interval:          time.Duration(cfg.MetadataCleanup.CleanupIntervalMinutes) * time.Minute,
		BatchSize:         cfg.MetadataCleanup.BatchSize,
		MultipartEnabled:  cfg.MultipartUploadCleanup.Enabled,
		MultipartMaxAge:   time.Duration(cfg.MultipartUploadCleanup.MaxAgeHours) * time.Hour,
		MultipartInterval: time.Duration(cfg.MultipartUploadCleanup.IntervalHours) * time.Hour,
	}, logrus.NewEntry(logrus.StandardLogger()))
	go sweeper.Run(ctx)

	go func() {
		if err := server.Start(ctx); err != nil {
			logrus.WithError(err).Fatal("Gateway server failed")
		}
	}()

	<-sigChan
	logrus.Info("Received shutdown signal, gracefully shutting down...")
	cancel()

	logrus.Info("Server stopped")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
