// coderoom is a collaborative code editing server: shared rooms with
// operational-transform edit merging, chat, and sandboxed execution of the
// room's buffer in throwaway containers.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"coderoom/internal/api"
	"coderoom/internal/auth"
	"coderoom/internal/config"
	"coderoom/internal/db"
	"coderoom/internal/gateway"
	"coderoom/internal/hub"
	"coderoom/internal/logging"
	"coderoom/internal/metrics"
	"coderoom/internal/queue"
	"coderoom/internal/ratelimit"
	"coderoom/internal/sandbox"
	"coderoom/internal/store"
	"coderoom/internal/worker"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "invalid configuration:", err)
		return 2
	}

	logging.Init()
	defer logging.Sync()
	log := logging.L()

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	database, err := db.NewDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Error("database init failed", zap.Error(err))
		return 1
	}
	defer database.Close()

	rdb, err := db.NewRedis(cfg.RedisURL)
	if err != nil {
		log.Error("redis init failed", zap.Error(err))
		return 1
	}
	defer rdb.Close()

	st := store.New(database.DB)

	jwtSvc := auth.NewJWTService(cfg.JWTSecret, cfg.JWTTTL)
	authSvc := auth.NewService(st, jwtSvc)
	limiter := ratelimit.New(rdb)

	q := queue.New(rdb, cfg.MaxRetries)
	h := hub.New(st, q, cfg.ExecutionDisabled)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go q.Run(ctx)
	go pollQueueDepth(ctx, q)

	if cfg.ExecutionDisabled {
		log.Warn("code execution is disabled; jobs will not be processed")
	} else {
		scanner := sandbox.NewScanner(cfg.SecurityScan, cfg.BannedKeywords)
		executor, err := sandbox.NewExecutor(cfg.DockerHost, cfg.SandboxDir, scanner, cfg.WorkerConcurrency, sandbox.Limits{
			RunTimeout:     cfg.ExecTimeout,
			CompileTimeout: cfg.CompileTimeout,
			MemoryBytes:    cfg.ExecMemoryMB * 1024 * 1024,
		})
		if err != nil {
			log.Error("sandbox init failed", zap.Error(err))
			return 1
		}
		pool := worker.NewPool(q, executor, st, h, cfg.WorkerConcurrency)
		go pool.Run(ctx)
	}

	gw := gateway.New(h, jwtSvc, limiter)
	router := api.NewRouter(api.RouterDeps{
		Auth:    api.NewAuthHandler(authSvc, limiter),
		Rooms:   api.NewRoomHandler(st),
		Execute: api.NewExecuteHandler(st, q, cfg.ExecutionDisabled),
		Health:  api.NewHealthHandler(database, rdb),
		Gateway: gw,
		JWT:     jwtSvc,
		Limiter: limiter,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting",
			zap.String("port", cfg.Port),
			zap.String("environment", cfg.Environment),
			zap.Bool("execution_disabled", cfg.ExecutionDisabled))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info("shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		log.Error("server failed", zap.Error(err))
		return 1
	}

	// Stop accepting connections, then stop the queue and workers.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("forced shutdown", zap.Error(err))
		cancel()
		return 1
	}
	cancel()

	log.Info("server stopped")
	return 0
}

func pollQueueDepth(ctx context.Context, q *queue.Queue) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := q.Depth(ctx); err == nil {
				metrics.QueueDepth.Set(float64(n))
			}
		}
	}
}
