// Package main is the entry point for the BleepStore S3-compatible object storage server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bleepstore/bleepstore/internal/cluster"
	"github.com/bleepstore/bleepstore/internal/config"
	"github.com/bleepstore/bleepstore/internal/logging"
	"github.com/bleepstore/bleepstore/internal/metadata"
	"github.com/bleepstore/bleepstore/internal/metrics"
	"github.com/bleepstore/bleepstore/internal/server"
	"github.com/bleepstore/bleepstore/internal/storage"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	port := flag.Int("port", 0, "override listening port (default: from config or 9000)")
	host := flag.String("host", "", "override listening host (default: from config or 0.0.0.0)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Command-line flags override config file values.
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *host != "" {
		cfg.Server.Host = *host
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stdout)

	if cfg.Observability.Metrics {
		metrics.Register()
	}

	// Crash-only design: every startup is recovery. No special recovery mode --
	// steps that would normally be "recovery" run on every boot: temp file
	// cleanup for the local backend. Expired multipart uploads are not reaped at boot.

	storageBackend, err := newStorageBackend(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	metaStore, err := newMetadataStore(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	if closer, ok := metaStore.(interface{ Close() error }); ok {
		defer func() {
			if err := closer.Close(); err != nil {
				log.Printf("Metadata store close error: %v", err)
			}
		}()
	}

	var raftNode *cluster.RaftNode
	if cfg.Cluster.Enabled {
		raftNode = cluster.NewRaftNode(cfg.Cluster.NodeID, cfg.Cluster.BindAddr, cfg.Cluster.Peers)
		if err := raftNode.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to start cluster node: %v\n", err)
			os.Exit(1)
		}
	}

	srv, err := server.New(cfg, server.WithStorageBackend(storageBackend), server.WithMetadataStore(metaStore))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create server: %v\n", err)
		os.Exit(1)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	// Start the server in a goroutine so we can handle shutdown signals.
	errCh := make(chan error, 1)
	go func() {
		log.Printf("BleepStore listening on %s", addr)
		if err := srv.ListenAndServe(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// SIGTERM/SIGINT handler: stop accepting connections, wait for in-flight
	// requests with a timeout, then exit. No cleanup -- crash-only design.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("Received signal %v, shutting down...", sig)

		// Give in-flight requests until the configured timeout to complete.
		shutdownTimeout := time.Duration(cfg.Server.ShutdownTimeout) * time.Second
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.Printf("Shutdown error: %v", err)
		}
		if raftNode != nil {
			if err := raftNode.Stop(); err != nil {
				log.Printf("Cluster node shutdown error: %v", err)
			}
		}
		log.Printf("Server stopped.")

	case err := <-errCh:
		if err != nil {
			fmt.Fprintf(os.Stderr, "server error: %v\n", err)
			os.Exit(1)
		}
	}
}

// newMetadataStore constructs the configured metadata.MetadataStore. This is
// a secondary index consumed by bleepstore-meta and the health check; it is
// never on the S3 dispatcher's hot path.
func newMetadataStore(cfg *config.Config) (metadata.MetadataStore, error) {
	switch cfg.Metadata.Engine {
	case "memory":
		log.Printf("Metadata store: memory")
		return metadata.NewMemoryStore(), nil
	default:
		store, err := metadata.NewLocalStore(&cfg.Metadata.Local)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize metadata store: %w", err)
		}
		log.Printf("Metadata store: local (%s)", cfg.Metadata.Local.RootDir)
		return store, nil
	}
}

// newStorageBackend constructs the configured storage.StorageBackend. The
// local filesystem backend is the default and the only one with no
// dependency on reachable cloud infrastructure at startup.
func newStorageBackend(cfg *config.Config) (storage.StorageBackend, error) {
	ctx := context.Background()

	switch cfg.Storage.Backend {
	case "aws":
		awsCfg := cfg.Storage.AWS
		if awsCfg.Bucket == "" {
			return nil, fmt.Errorf("storage.aws.bucket is required when backend is 'aws'")
		}
		region := awsCfg.Region
		if region == "" {
			region = "us-east-1"
		}
		backend, err := storage.NewAWSGatewayBackend(ctx, awsCfg.Bucket, region, awsCfg.Prefix, awsCfg.EndpointURL, awsCfg.UsePathStyle, awsCfg.AccessKeyID, awsCfg.SecretAccessKey)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize AWS storage backend: %w", err)
		}
		log.Printf("Storage backend: aws (bucket=%s region=%s prefix=%q)", awsCfg.Bucket, region, awsCfg.Prefix)
		return backend, nil

	case "gcp":
		gcpCfg := cfg.Storage.GCP
		if gcpCfg.Bucket == "" {
			return nil, fmt.Errorf("storage.gcp.bucket is required when backend is 'gcp'")
		}
		backend, err := storage.NewGCPGatewayBackend(ctx, gcpCfg.Bucket, gcpCfg.Project, gcpCfg.Prefix)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize GCP storage backend: %w", err)
		}
		log.Printf("Storage backend: gcp (bucket=%s project=%s prefix=%q)", gcpCfg.Bucket, gcpCfg.Project, gcpCfg.Prefix)
		return backend, nil

	case "azure":
		azureCfg := cfg.Storage.Azure
		if azureCfg.Container == "" {
			return nil, fmt.Errorf("storage.azure.container is required when backend is 'azure'")
		}
		accountURL := azureCfg.AccountURL
		if accountURL == "" {
			if azureCfg.Account == "" && azureCfg.ConnectionString == "" {
				return nil, fmt.Errorf("storage.azure.account, storage.azure.account_url, or storage.azure.connection_string is required when backend is 'azure'")
			}
			if azureCfg.Account != "" {
				accountURL = fmt.Sprintf("https://%s.blob.core.windows.net", azureCfg.Account)
			}
		}
		backend, err := storage.NewAzureGatewayBackend(ctx, azureCfg.Container, accountURL, azureCfg.Prefix, azureCfg.ConnectionString, azureCfg.UseManagedIdentity)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize Azure storage backend: %w", err)
		}
		log.Printf("Storage backend: azure (container=%s account=%s prefix=%q)", azureCfg.Container, accountURL, azureCfg.Prefix)
		return backend, nil

	default:
		storageRoot := cfg.Storage.Local.RootDir
		if err := os.MkdirAll(storageRoot, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create storage root directory: %w", err)
		}
		backend, err := storage.NewLocalBackend(storageRoot)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize storage backend: %w", err)
		}
		// Crash-only recovery: clean orphan temp files from incomplete writes.
		if err := backend.CleanTempFiles(); err != nil {
			log.Printf("Warning: failed to clean temp files: %v", err)
		}
		log.Printf("Storage backend: local (%s)", storageRoot)
		return backend, nil
	}
}
