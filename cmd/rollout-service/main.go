package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/crechebooks/rollout/internal/audit"
	"github.com/crechebooks/rollout/internal/config"
	"github.com/crechebooks/rollout/internal/httpserver"
	"github.com/crechebooks/rollout/internal/metrics"
	"github.com/crechebooks/rollout/internal/promotion"
	"github.com/crechebooks/rollout/internal/report"
	"github.com/crechebooks/rollout/internal/rollout"
	"github.com/crechebooks/rollout/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load: %v", err)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db open: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.Ping(); err != nil {
		log.Fatalf("db ping: %v", err)
	}

	st := store.NewPGStore(db)
	if err := st.EnsureSchema(context.Background()); err != nil {
		log.Fatalf("ensure schema: %v", err)
	}
	resolver := rollout.New(st)
	aggregator := report.New(st, cfg.Criteria)
	promotions := promotion.New(resolver, aggregator)
	collector := metrics.NewCollector()

	var forwarders []audit.Forwarder
	if len(cfg.KafkaBrokers) > 0 {
		producer, err := audit.NewKafkaForwarder(audit.KafkaForwarderConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
		})
		if err != nil {
			log.Fatalf("kafka forwarder init: %v", err)
		}
		defer producer.Close()
		forwarders = append(forwarders, producer)
	}
	if cfg.S3Bucket != "" {
		archiver, err := audit.NewS3Archiver(context.Background(), cfg.S3Bucket, cfg.S3Prefix)
		if err != nil {
			log.Fatalf("s3 archiver init: %v", err)
		}
		forwarders = append(forwarders, archiver)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if len(forwarders) > 0 {
		streamer := audit.NewStreamer(st, audit.NewSink(forwarders...), audit.StreamerConfig{})
		go func() {
			if err := streamer.Run(ctx); err != nil && err != context.Canceled {
				log.Printf("decision streamer stopped: %v", err)
			}
		}()
	}

	server := httpserver.New(cfg, resolver, aggregator, promotions, st, collector)
	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: server.Router(),
	}

	go func() {
		log.Printf("rollout controller listening on %s", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	waitForShutdown(httpServer)
}

func waitForShutdown(srv *http.Server) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}
