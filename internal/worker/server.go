// Package worker runs the retention queue: per-image expiry tasks scheduled
// by the API and a periodic sweep registered with the asynq scheduler.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/dunamismax/photobooth/internal/config"
	"github.com/dunamismax/photobooth/internal/queue"
	"github.com/dunamismax/photobooth/internal/retention"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type expirer interface {
	Expire(ctx context.Context, id string) error
	Sweep(ctx context.Context, now time.Time) (int, error)
}

type Server struct {
	logger    *log.Logger
	server    *asynq.Server
	scheduler *asynq.Scheduler
	janitor   expirer
	metrics   *metrics
	tracer    trace.Tracer
	now       func() time.Time
}

func NewServer(logger *log.Logger, queueCfg config.QueueConfig, workerCfg config.WorkerConfig, retentionCfg config.RetentionConfig, janitor *retention.Janitor) (*Server, error) {
	if janitor == nil {
		return nil, fmt.Errorf("janitor is required")
	}

	s := newServer(logger, janitor)
	s.server = asynq.NewServer(
		queueCfg.RedisClientOpt(),
		asynq.Config{
			Concurrency: max(1, workerCfg.Concurrency),
			Queues:      map[string]int{queueCfg.Name: 1},
			Logger:      asynqLogger{logger},
			LogLevel:    asynq.InfoLevel,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				retried, _ := asynq.GetRetryCount(ctx)
				maxRetry, _ := asynq.GetMaxRetry(ctx)
				logger.Warn("task failed", "type", task.Type(), "retry", retried, "max_retry", maxRetry, "err", err)
			}),
		},
	)

	s.scheduler = asynq.NewScheduler(queueCfg.RedisClientOpt(), &asynq.SchedulerOpts{
		Logger:   asynqLogger{logger},
		Location: time.UTC,
	})
	cronspec := fmt.Sprintf("@every %s", retentionCfg.SweepInterval)
	if _, err := s.scheduler.Register(cronspec, queue.NewSweepTask(), asynq.Queue(queueCfg.Name), asynq.Timeout(10*time.Minute)); err != nil {
		return nil, fmt.Errorf("register sweep schedule: %w", err)
	}
	return s, nil
}

func newServer(logger *log.Logger, janitor expirer) *Server {
	return &Server{
		logger:  logger,
		janitor: janitor,
		metrics: newMetrics(),
		tracer:  otel.Tracer("photobooth/worker"),
		now:     time.Now,
	}
}

func (s *Server) Mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.TypeExpireImage, s.handleExpireImage)
	mux.HandleFunc(queue.TypeSweepImages, s.handleSweep)
	return mux
}

// Run starts the scheduler and blocks serving tasks until a termination
// signal arrives.
func (s *Server) Run() error {
	if err := s.scheduler.Start(); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer s.scheduler.Shutdown()
	return s.server.Run(s.Mux())
}

func (s *Server) MetricsHandler() http.Handler {
	return s.metrics.Handler()
}

func (s *Server) handleExpireImage(ctx context.Context, task *asynq.Task) error {
	start := time.Now()
	status := "failed"
	defer func() { s.observe(task.Type(), status, start) }()

	payload, err := queue.ParseExpireImagePayload(task)
	if err != nil {
		return fmt.Errorf("parse payload: %v: %w", err, asynq.SkipRetry)
	}

	ctx, span := s.tracer.Start(ctx, "worker.expire_image", trace.WithSpanKind(trace.SpanKindConsumer))
	span.SetAttributes(attribute.String("image.id", payload.ImageID))
	defer span.End()

	if err := s.janitor.Expire(ctx, payload.ImageID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "expire failed")
		if errors.Is(err, retention.ErrNotExpired) {
			status = "early"
		}
		return fmt.Errorf("expire %s: %w", payload.ImageID, err)
	}

	s.metrics.imagesExpired.WithLabelValues("expire").Inc()
	s.logger.Info("image expired", "id", payload.ImageID)
	status = "succeeded"
	span.SetStatus(codes.Ok, "expired")
	return nil
}

func (s *Server) handleSweep(ctx context.Context, task *asynq.Task) error {
	start := time.Now()
	status := "failed"
	defer func() { s.observe(task.Type(), status, start) }()

	ctx, span := s.tracer.Start(ctx, "worker.sweep", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()

	removed, err := s.janitor.Sweep(ctx, s.now())
	s.metrics.imagesExpired.WithLabelValues("sweep").Add(float64(removed))
	span.SetAttributes(attribute.Int("sweep.removed", removed))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "sweep incomplete")
		return fmt.Errorf("sweep: %w", err)
	}

	s.metrics.lastSweep.SetToCurrentTime()
	s.logger.Info("sweep complete", "removed", removed)
	status = "succeeded"
	return nil
}

func (s *Server) observe(taskType, status string, start time.Time) {
	s.metrics.tasksTotal.WithLabelValues(taskType, status).Inc()
	s.metrics.taskDuration.WithLabelValues(taskType).Observe(time.Since(start).Seconds())
}
