package main

import (
	"context"
	"log"
	"os"

	"github.com/ashdyer/kiln/internal/api"
	"github.com/ashdyer/kiln/internal/backend"
	"github.com/ashdyer/kiln/internal/backend/graph"
	"github.com/ashdyer/kiln/internal/backend/predict"
	"github.com/ashdyer/kiln/internal/collect"
	"github.com/ashdyer/kiln/internal/config"
	"github.com/ashdyer/kiln/internal/progress"
	"github.com/ashdyer/kiln/internal/queue"
	"github.com/ashdyer/kiln/internal/router"
	"github.com/ashdyer/kiln/internal/store"
	"github.com/ashdyer/kiln/internal/template"
)

const progressEventsPerSecond = 10

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("kiln: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"template_dir", cfg.TemplateDir,
		"workers", cfg.Workers,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	templates := template.NewManager(cfg.TemplateDir, logger)
	if err := templates.Load(); err != nil {
		log.Fatalf("failed to load templates: %v", err)
	}

	backends := router.New(templates, logger)
	for _, spec := range cfg.Backends {
		var a backend.Adapter
		switch spec.Type {
		case template.BackendGraph:
			a = graph.New(spec.URL, logger)
		case template.BackendPrediction:
			a = predict.New(spec.URL, cfg.PollInterval, cfg.CancelGrace, logger)
		default:
			log.Fatalf("unknown backend type %q for backend %q", spec.Type, spec.ID)
		}
		backends.Register(spec.ID, spec.Type, spec.URL, nil, a)
	}

	tracker := progress.NewTracker(progressEventsPerSecond)
	collector := collect.New(cfg.ArtifactDir, logger)

	pool := queue.NewPool(queue.Config{
		Workers:       cfg.Workers,
		QueueDepth:    cfg.QueueDepth,
		MaxAttempts:   cfg.MaxAttempts,
		RetryLimit:    cfg.RetryLimit,
		FailoverDepth: cfg.FailoverDepth,
		TaskTimeout:   cfg.TaskTimeout,
		BackoffBase:   cfg.BackoffBase,
		BackoffMax:    cfg.BackoffMax,
	}, db, backends, tracker, collector, logger)

	// Reconcile state left behind by a previous process before accepting work.
	interrupted, orphaned, err := db.RecoverOrphans(context.Background())
	if err != nil {
		log.Fatalf("failed to recover orphaned tasks: %v", err)
	}
	if interrupted > 0 || len(orphaned) > 0 {
		logger.Info("recovered orphaned tasks",
			"interrupted", interrupted,
			"requeued", len(orphaned),
		)
	}

	pool.Start()
	defer pool.Stop()
	pool.Resume(orphaned)

	healthCtx, stopHealth := context.WithCancel(context.Background())
	defer stopHealth()
	go backends.RunHealthChecks(healthCtx, cfg.HealthInterval)

	srv := api.NewServer(cfg.ListenAddr, db, pool, backends, templates, tracker, logger)

	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
