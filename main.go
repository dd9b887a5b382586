package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"tx-taskqueue/api"
	"tx-taskqueue/metrics"
	"tx-taskqueue/model"
	"tx-taskqueue/notify"
	"tx-taskqueue/queue"
	"tx-taskqueue/retry"
	"tx-taskqueue/store"
	"tx-taskqueue/worker"
)

func main() {
	log := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if err := godotenv.Load(); err != nil {
		log.Warn("failed to load .env file", "error", err)
	}

	addr := os.Getenv("SERVER_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	queueName := os.Getenv("QUEUE_NAME")
	if queueName == "" {
		queueName = "default"
	}
	workerCount, err := strconv.Atoi(os.Getenv("WORKER_COUNT"))
	if err != nil || workerCount <= 0 {
		workerCount = 5
	}

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		log.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		log.Error("failed to connect to Postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	pg := store.NewPostgres(db)
	if err := pg.EnsureSchema(ctx); err != nil {
		log.Error("failed to ensure schema", "error", err)
		os.Exit(1)
	}

	var notifier notify.Notifier = notify.Nop{}
	if os.Getenv("REDIS_ADDR") != "" {
		rn, err := notify.NewRedis(ctx)
		if err != nil {
			log.Warn("redis notifier unavailable, falling back to plain polling", "error", err)
		} else {
			defer rn.Close()
			notifier = rn
		}
	}

	recorder := metrics.NewAtomic()
	engine := queue.New(pg,
		queue.WithRecorder(recorder),
		queue.WithNotifier(notifier),
		queue.WithLogger(log),
		queue.WithDefaultPolicy(retry.Default()),
	)

	workers := worker.NewPool(engine,
		worker.WithNotifier(notifier),
		worker.WithRecorder(recorder),
		worker.WithLogger(log),
	)
	err = workers.Register(queueName, func(ctx context.Context, t *model.Task) error {
		log.Info("processing task", "queue", t.QueueName, "task", t.ID, "payload", string(t.Payload))
		return nil
	}, worker.Options{Workers: workerCount})
	if err != nil {
		log.Error("failed to register handler", "error", err)
		os.Exit(1)
	}

	var wg sync.WaitGroup
	workers.Start(ctx, &wg)

	server := api.NewServer(addr, engine)

	go func() {
		log.Info("starting server", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("shutdown signal received")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP server shutdown error", "error", err)
	}

	wg.Wait()
	log.Info("all workers stopped",
		"completed", recorder.Counter(metrics.TasksCompleted),
		"deadlettered", recorder.Counter(metrics.TasksDeadLetter),
	)
}
