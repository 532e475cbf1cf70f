package main

import (
	"context"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/atweave/pds/internal/atstore"
	"github.com/atweave/pds/internal/blob"
	"github.com/atweave/pds/internal/config"
	"github.com/atweave/pds/internal/contentsource"
	"github.com/atweave/pds/internal/dispatch"
	"github.com/atweave/pds/internal/firehose"
	"github.com/atweave/pds/internal/identity"
	"github.com/atweave/pds/internal/poller"
	"github.com/atweave/pds/internal/repo"
	"github.com/atweave/pds/internal/signing"
	"github.com/atweave/pds/internal/xrpc"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := atstore.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	if err := atstore.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	originURL, err := url.Parse(cfg.Origin)
	if err != nil || originURL.Host == "" {
		log.Fatalf("invalid PDS_ORIGIN %q: %v", cfg.Origin, err)
	}
	did := identity.DIDFromHost(originURL.Host)

	priv, err := atstore.LoadOrCreateKeypair(ctx, db, did)
	if err != nil {
		log.Fatalf("keypair: %v", err)
	}
	signer := signing.NewSigner(priv)

	id := identity.New(identity.Config{
		DID:       did,
		Handle:    cfg.Handle,
		Origin:    cfg.Origin,
		PublicKey: signer.PublicKey(),
	})

	var buffer firehose.Buffer
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisBuffer, err := firehose.NewRedisBufferFromURL(ctx, cfg.RedisURL, "pds:firehose:"+did, cfg.FirehoseRingCapacity)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		buffer = redisBuffer
		log.Printf("firehose ring backed by Redis at %s", cfg.RedisURL)
	} else {
		buffer = atstore.NewPostgresBuffer(db, cfg.FirehoseRingCapacity)
		log.Printf("firehose ring backed by Postgres")
	}

	dataStore := atstore.NewPostgresStore(db)
	hub, err := firehose.NewHub(ctx, dataStore, buffer)
	if err != nil {
		log.Fatalf("firehose: %v", err)
	}

	var blobBackend blob.Backend
	if strings.TrimSpace(cfg.S3Endpoint) != "" {
		s3Backend, err := atstore.NewS3BlobBackend(cfg.S3Endpoint, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3Bucket, cfg.S3UseSSL)
		if err != nil {
			log.Fatalf("s3 blob backend: %v", err)
		}
		blobBackend = s3Backend
		log.Printf("blobs backed by S3 bucket %s at %s", cfg.S3Bucket, cfg.S3Endpoint)
	} else {
		blobBackend = atstore.NewPostgresBlobBackend(db)
		log.Printf("blobs backed by Postgres")
	}
	blobStore := blob.New(blobBackend, cfg.MaxBlobSize)

	repository, err := repo.New(ctx, repo.Config{
		DID:         did,
		Signer:      signer,
		Persistence: dataStore,
		Publisher:   hub,
		Identity:    id,
	})
	if err != nil {
		log.Fatalf("repository: %v", err)
	}

	// The Dispatcher needs a Content Source to forward interactions to;
	// none is wired into this node by default since that store is the
	// host application's own, an opaque external collaborator. Memory
	// keeps the Relay Poller runnable out of the box.
	source := contentsource.NewMemory()
	dispatcher := dispatch.New(did, source)

	subscriptionStore := atstore.NewPostgresSubscriptionStore(db, did)
	relayPoller := poller.New(poller.Config{
		Store:          subscriptionStore,
		Dispatcher:     dispatcher,
		Period:         cfg.PollerPeriod,
		WorkerPoolSize: cfg.PollerWorkerPoolSize,
	})
	pollerCtx, stopPoller := context.WithCancel(context.Background())
	defer stopPoller()
	go relayPoller.Run(pollerCtx)

	var authSecret []byte
	if cfg.AuthSecret != "" {
		authSecret = []byte(cfg.AuthSecret)
	}
	server := xrpc.New(xrpc.Config{
		Repo:       repository,
		Blobs:      blobStore,
		Hub:        hub,
		Identity:   id,
		AuthSecret: authSecret,
		CORSOrigin: cfg.CORSOrigin,
	})

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// No WriteTimeout: com.atproto.sync.subscribeRepos holds its
		// response open for the life of the subscription.
		IdleTimeout: 60 * time.Second,
	}

	go func() {
		log.Printf("pds listening on %s as %s", cfg.Addr, did)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
