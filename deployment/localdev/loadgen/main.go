// Command loadgen feeds an in-process agent with synthetic traffic so the
// admin endpoints and metrics can be exercised locally without a real app.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/pulsestack/pulse-apm/internal/agent"
	"github.com/pulsestack/pulse-apm/internal/config"
	"github.com/pulsestack/pulse-apm/internal/models"
	"github.com/pulsestack/pulse-apm/internal/storage"
	"github.com/pulsestack/pulse-apm/internal/utils"
)

var paths = []string{"/orders", "/orders/{id}", "/checkout", "/search", "/profile"}

func main() {
	var configPath string
	var rate int
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.IntVar(&rate, "rate", 10, "Synthetic requests per second")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := utils.NewLogger(cfg.Logging.Level, cfg.Logging.JSON)

	apm, err := agent.New(logger, cfg, storage.NewMemoryStore(cfg.Storage.RecentLimit))
	if err != nil {
		logger.Error("failed to wire agent", slog.Any("error", err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	apm.Start(ctx)

	logger.Info("loadgen running", slog.Int("rate", rate))
	ticker := time.NewTicker(time.Second / time.Duration(rate))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = apm.Close(context.Background())
			return
		case <-ticker.C:
			simulateTrace(ctx, apm)
		}
	}
}

// simulateTrace emits one request-scoped burst of events with plausible
// shapes: a few queries, some cache traffic, the occasional job and error.
func simulateTrace(ctx context.Context, apm *agent.Agent) {
	traceID := uuid.NewString()
	meta := models.TraceMeta{
		TraceID:   traceID,
		RequestID: uuid.NewString(),
		UserID:    fmt.Sprintf("user-%d", rand.Intn(50)),
	}
	now := time.Now()
	path := paths[rand.Intn(len(paths))]

	queryTime := time.Duration(rand.Intn(80)) * time.Millisecond
	for i := 0; i < 1+rand.Intn(3); i++ {
		apm.TrackQuery(ctx, models.QueryEvent{
			TraceMeta: meta,
			Timestamp: now,
			Statement: "select * from orders where user_id = ?",
			Duration:  queryTime / 2,
		})
	}

	hit := rand.Float64() < 0.8
	apm.TrackCache(ctx, models.CacheEvent{
		TraceMeta: meta,
		Timestamp: now,
		Operation: "get",
		Key:       fmt.Sprintf("user:%s:profile", meta.UserID),
		Hit:       hit,
		Duration:  time.Duration(1+rand.Intn(5)) * time.Millisecond,
	})

	if rand.Float64() < 0.2 {
		status := models.JobCompleted
		if rand.Float64() < 0.15 {
			status = models.JobFailed
		}
		apm.TrackJob(ctx, models.JobEvent{
			TraceMeta: meta,
			Timestamp: now,
			Queue:     "mail",
			JobID:     uuid.NewString(),
			Name:      "send-receipt",
			Status:    status,
			Duration:  time.Duration(50+rand.Intn(400)) * time.Millisecond,
		})
	}

	statusCode := 200
	if rand.Float64() < 0.05 {
		statusCode = 500
		_ = apm.TrackException(ctx, models.ExceptionEvent{
			TraceMeta: meta,
			Timestamp: now,
			ErrorType: "UpstreamTimeout",
			Message:   "payment provider timed out after 2000 ms",
			Handled:   rand.Float64() < 0.7,
		})
	}

	apm.TrackRequest(ctx, models.RequestEvent{
		TraceMeta:  meta,
		Timestamp:  now,
		Method:     "GET",
		Path:       path,
		StatusCode: statusCode,
		Duration:   queryTime + time.Duration(20+rand.Intn(200))*time.Millisecond,
		Resources: models.ResourceUsage{
			MemoryBytes: uint64(30+rand.Intn(100)) * 1024 * 1024,
			CPUPercent:  float64(rand.Intn(80)),
		},
	})
}
