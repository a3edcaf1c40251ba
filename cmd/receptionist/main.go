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

	"github.com/tksa/receptionist/internal/ai"
	"github.com/tksa/receptionist/internal/ari"
	"github.com/tksa/receptionist/internal/config"
	"github.com/tksa/receptionist/internal/dialog"
	"github.com/tksa/receptionist/internal/engine"
	"github.com/tksa/receptionist/internal/httpapi"
	"github.com/tksa/receptionist/internal/notify"
	"github.com/tksa/receptionist/internal/observability"
	"github.com/tksa/receptionist/internal/ttscache"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	aiClient, err := ai.NewClient(cfg.OpenAIAPIKey)
	if err != nil {
		log.Fatalf("ai client init failed: %v", err)
	}

	cache, err := ttscache.New(cfg.AudioCacheDir, aiClient)
	if err != nil {
		log.Fatalf("tts cache init failed: %v", err)
	}
	cache.SetCounters(
		func() { metrics.TTSCache.WithLabelValues("hit").Inc() },
		func() { metrics.TTSCache.WithLabelValues("miss").Inc() },
	)

	classifier := dialog.NewIntentClassifier(aiClient, cfg.CompanyName, cfg.Services)
	collector := dialog.NewMessageCollector(aiClient, cfg.CompanyName)

	webhook := notify.NewWebhook(cfg.WebhookURL)
	webhook.SetResultHook(func(outcome string) {
		metrics.WebhookDeliveries.WithLabelValues(outcome).Inc()
	})

	ariClient := ari.NewClient(cfg.ARIBaseURL(), cfg.ARIUser, cfg.ARIPassword, cfg.ARIApp)

	dialogEngine := engine.New(engine.Options{
		Calls:         ariClient,
		Audio:         cache,
		Transcriber:   aiClient,
		Classifier:    classifier,
		Collector:     collector,
		Notifier:      webhook,
		Metrics:       metrics,
		Greeting:      cfg.Greeting,
		RingTimeout:   cfg.RingTimeout,
		RecordingsDir: cfg.RecordingsDir,
	})

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	// Fill the cache for every fixed phrase before the first call; failures
	// only cost first-use latency.
	prewarmCtx, prewarmCancel := context.WithTimeout(runCtx, 2*time.Minute)
	cache.Prewarm(prewarmCtx, dialog.PrewarmPhrases(cfg.Greeting, cfg.Services))
	prewarmCancel()

	subscriber := ari.NewSubscriber(cfg.ARIWebSocketURL(), dialogEngine.HandleEvent)
	go subscriber.Run(runCtx)

	api := httpapi.New(cfg, dialogEngine, cache, aiClient, classifier, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		log.Printf("server listening on %s company=%q services=%d", cfg.BindAddr, cfg.CompanyName, cfg.Services.Len())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
