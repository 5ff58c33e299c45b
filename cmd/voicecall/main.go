package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/antoniostano/voicecall/internal/app"
	"github.com/antoniostano/voicecall/internal/config"
	"github.com/antoniostano/voicecall/internal/observability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	exporter, err := observability.NewOTLPExporter(context.Background(), cfg.OTLPEndpoint)
	if err != nil {
		log.Fatalf("tracing error: %v", err)
	}
	if exporter != nil {
		log.Printf("exporting traces to %s", cfg.OTLPEndpoint)
	}
	shutdownTracing := observability.InitTracing(cfg.MetricsNamespace, exporter)

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	built, err := app.Build(sigCtx, cfg)
	if err != nil {
		log.Fatalf("startup failed: %v", err)
	}
	log.Printf("voice provider: %s", built.Voice.Detail)

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           built.API.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// The sink outlives the signal context so the shutdown path below can
	// still enqueue end-of-session writes.
	sinkCtx, stopSink := context.WithCancel(context.Background())
	defer stopSink()

	g, gctx := errgroup.WithContext(sigCtx)
	g.Go(func() error {
		return built.Sink.Run(sinkCtx)
	})
	g.Go(func() error {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	built.Sessions.StartJanitor(gctx, 5*time.Second)

	g.Go(func() error {
		<-gctx.Done()
		log.Printf("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("graceful shutdown failed: %v", err)
			_ = httpServer.Close()
		}
		if err := built.API.Drain(shutdownCtx); err != nil {
			log.Printf("voice connections still open at shutdown: %v", err)
		}
		if err := built.Cleanup(); err != nil {
			log.Printf("cleanup failed: %v", err)
		}
		stopSink()
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Printf("tracing shutdown failed: %v", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Printf("server stopped: %v", err)
		os.Exit(1)
	}
	log.Printf("shutdown complete")
}
