// Package main is the entry point for the Union Square recording proxy.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/unionsquare/unionsquare/internal/audit"
	"github.com/unionsquare/unionsquare/internal/config"
	"github.com/unionsquare/unionsquare/internal/eventstore"
	"github.com/unionsquare/unionsquare/internal/forwarder"
	"github.com/unionsquare/unionsquare/internal/metrics"
	"github.com/unionsquare/unionsquare/internal/provider"
	"github.com/unionsquare/unionsquare/internal/reassembly"
	"github.com/unionsquare/unionsquare/internal/ringbuffer"
	"github.com/unionsquare/unionsquare/internal/router"
	"github.com/unionsquare/unionsquare/internal/server"
)

// reassemblyShardCount is the fixed number of locked buckets the Body
// Reassembler spreads in-progress interactions across.
const reassemblyShardCount = 64

// Exit codes, per spec.md §6: 0 is a clean shutdown; 64 and 69 are
// startup failure classes a process supervisor can branch on, and 70 is
// a fatal error from the supervised goroutines after startup.
const (
	exitConfigError           = 64
	exitUnavailableDependency = 69
	exitInvariantViolation    = 70
)

func main() {
	configPath := "config.yaml"
	if v := os.Getenv("UNIONSQ_CONFIG_PATH"); v != "" {
		configPath = v
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Printf("failed to load config: %v", err)
		os.Exit(exitConfigError)
	}

	buf := ringbuffer.New(cfg.RingBuffer.SlotCount)

	store, err := eventstore.Open(eventstore.Config{
		Path:                   cfg.EventStore.Path,
		CompressThresholdBytes: cfg.EventStore.CompressThresholdBytes,
	})
	if err != nil {
		log.Printf("failed to open event store: %v", err)
		os.Exit(exitUnavailableDependency)
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg, func() float64 { return float64(buf.Pending()) })

	fwd, err := forwarder.New(buf, cfg.Providers, cfg.HotPath, cfg.RingBuffer, m)
	if err != nil {
		log.Printf("failed to build forwarder: %v", err)
		os.Exit(exitConfigError)
	}

	rtr := router.New(store, m)
	reassembler := reassembly.New(reassembly.Config{
		MaxBodyBytes: cfg.Reassembly.MaxBodyBytes,
		TTL:          cfg.Reassembly.TTL,
	}, reassemblyShardCount)
	parserRegistry := provider.NewRegistry()

	consumer := audit.New(buf, reassembler, parserRegistry, rtr, cfg.Reassembly, m)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return consumer.Run(groupCtx)
	})

	srv := server.New(cfg, fwd, buf)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	group.Go(func() error {
		log.Printf("unionsquare listening on :%d", cfg.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	group.Go(func() error {
		<-groupCtx.Done()
		// Give in-flight HTTP requests up to 5 seconds to finish. The
		// audit drain loop is not part of this window: it returns as soon
		// as groupCtx is cancelled, and events still on the ring buffer
		// at that point are not persisted.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := group.Wait(); err != nil && err != context.Canceled {
		log.Printf("unionsquare exited: %v", err)
		os.Exit(exitInvariantViolation)
	}
}
