package main

import (
	"context"
	"log"

	"github.com/rawblock/coinjoin-tracer/internal/api"
	"github.com/rawblock/coinjoin-tracer/internal/cache"
	"github.com/rawblock/coinjoin-tracer/internal/classifier"
	"github.com/rawblock/coinjoin-tracer/internal/config"
	"github.com/rawblock/coinjoin-tracer/internal/engine"
	"github.com/rawblock/coinjoin-tracer/internal/explorer"
	"github.com/rawblock/coinjoin-tracer/internal/graph"
	"github.com/rawblock/coinjoin-tracer/internal/monitor"
	"github.com/rawblock/coinjoin-tracer/internal/tracer"
)

func main() {
	log.Println("Starting Coinjoin Forward-Tracing Engine...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("FATAL: %v. Set DATABASE_URL and EXPLORER_BASE_URL in the environment", err)
	}

	ctx := context.Background()

	store, err := graph.Connect(ctx, cfg.Store.DatabaseURL)
	if err != nil {
		log.Fatalf("FATAL: failed to connect to graph store: %v", err)
	}
	defer store.Close()
	if err := store.InitSchema(ctx); err != nil {
		log.Fatalf("FATAL: graph schema init failed: %v", err)
	}

	explorerClient := explorer.New(cfg.Explorer)
	txCache := cache.New(cfg.Cache)

	heuristic := classifier.NewHeuristic(cfg.Classifier)
	var ml classifier.Predictor
	if cfg.Classifier.MLWeightsPath != "" {
		loaded, err := classifier.LoadML(cfg.Classifier.MLWeightsPath, cfg.Classifier.MLThreshold)
		if err != nil {
			log.Printf("Warning: failed to load ML weights from %s, falling back to heuristics only: %v", cfg.Classifier.MLWeightsPath, err)
		} else {
			ml = loaded
		}
	}
	combined := classifier.New(heuristic, ml)

	dfsTracer := tracer.New(explorerClient, txCache, combined, store, cfg.Tracer)
	poller := monitor.New(explorerClient, txCache, combined, dfsTracer, store, cfg.Monitor)
	facade := engine.New(dfsTracer, cfg.Engine.MaxConcurrentInvestigations, cfg.Engine.RejectBusy)

	wsHub := api.NewHub()
	go wsHub.Run()

	poller.Start(ctx)
	defer poller.Stop()

	r := api.SetupRouter(cfg.Server, facade, poller, txCache, store, wsHub)

	log.Printf("Engine running on :%s", cfg.Server.Port)
	if err := r.Run(":" + cfg.Server.Port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
