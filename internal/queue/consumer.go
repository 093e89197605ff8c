// Package queue consumes build jobs from Redis and dispatches them to the
// executor under a bounded worker pool and a rolling-window rate limit.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"log/slog"

	redis "github.com/redis/go-redis/v9"

	"github.com/praveen70140/PageForge/internal/build"
)

const popTimeout = 5 * time.Second

// Job outcome labels reported to metrics.
const (
	JobCompleted = "completed"
	JobFailed    = "failed"
	JobMalformed = "malformed"
)

// Handler executes one dequeued build job.
type Handler interface {
	Execute(ctx context.Context, job build.Job) error
}

// JobQueue blocks waiting for the next raw job payload. An empty payload
// with a nil error means the wait timed out with nothing queued.
type JobQueue interface {
	Pop(ctx context.Context, queue string, timeout time.Duration) (string, error)
}

// RedisJobQueue reads payloads with BRPOP, so a payload is delivered to
// exactly one worker across all worker processes.
type RedisJobQueue struct {
	Client *redis.Client
}

var _ JobQueue = RedisJobQueue{}

func (q RedisJobQueue) Pop(ctx context.Context, queue string, timeout time.Duration) (string, error) {
	result, err := q.Client.BRPop(ctx, timeout, queue).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", nil
		}
		return "", fmt.Errorf("brpop %s: %w", queue, err)
	}
	if len(result) != 2 {
		return "", fmt.Errorf("brpop %s: unexpected reply length %d", queue, len(result))
	}
	return result[1], nil
}

// Metrics receives job outcomes. Implementations must be safe for
// concurrent use.
type Metrics interface {
	ObserveQueueJob(result string)
	ObserveBuild(outcome string, duration time.Duration)
}

// Consumer pops jobs from the build queue and runs them. There are no
// retries, a failed build stays failed until the user re-triggers it.
type Consumer struct {
	source      JobQueue
	limiter     *RateLimiter
	handler     Handler
	metrics     Metrics
	logger      *slog.Logger
	queue       string
	concurrency int
}

// NewConsumer constructs a Consumer reading from the build job queue.
func NewConsumer(source JobQueue, limiter *RateLimiter, handler Handler, metrics Metrics, logger *slog.Logger, concurrency int) *Consumer {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Consumer{
		source:      source,
		limiter:     limiter,
		handler:     handler,
		metrics:     metrics,
		logger:      logger,
		queue:       build.QueueName,
		concurrency: concurrency,
	}
}

// Run blocks until ctx is cancelled. Each worker finishes the job it is
// holding before Run returns, so an in-flight build is never abandoned
// halfway by a normal shutdown.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("queue consumer started", "queue", c.queue, "concurrency", c.concurrency)

	var wg sync.WaitGroup
	for i := 0; i < c.concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			c.workerLoop(ctx, worker)
		}(i)
	}
	wg.Wait()

	c.logger.Info("queue consumer stopped", "queue", c.queue)
	return ctx.Err()
}

func (c *Consumer) workerLoop(ctx context.Context, worker int) {
	for {
		if ctx.Err() != nil {
			return
		}
		payload, err := c.source.Pop(ctx, c.queue, popTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.logger.Error("queue pop failed", "worker", worker, "error", err)
			// Back off so a dead Redis does not spin the loop hot.
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}
		if payload == "" {
			continue
		}
		c.process(ctx, worker, payload)
	}
}

func (c *Consumer) process(ctx context.Context, worker int, payload string) {
	var job build.Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil || job.DeploymentID == "" {
		c.logger.Error("discarding malformed job payload", "worker", worker, "payload", payload, "error", err)
		c.observeJob(JobMalformed)
		return
	}

	c.waitForSlot(ctx, job.DeploymentID)
	if ctx.Err() != nil {
		// Shutdown won the race; the job was already popped, so run it
		// anyway rather than lose it. The executor gets a fresh context.
		c.logger.Warn("running job during shutdown", "deployment_id", job.DeploymentID)
	}

	c.logger.Info("job started", "worker", worker, "deployment_id", job.DeploymentID, "project_slug", job.ProjectSlug)
	started := time.Now()
	err := c.handler.Execute(context.WithoutCancel(ctx), job)
	duration := time.Since(started)

	if err != nil {
		c.logger.Error("job failed", "worker", worker, "deployment_id", job.DeploymentID, "duration", duration, "error", err)
		c.observeJob(JobFailed)
		c.observeBuild("failure", duration)
		return
	}
	c.logger.Info("job completed", "worker", worker, "deployment_id", job.DeploymentID, "duration", duration)
	c.observeJob(JobCompleted)
	c.observeBuild("success", duration)
}

// waitForSlot blocks until the rate limiter admits the job or ctx is
// cancelled.
func (c *Consumer) waitForSlot(ctx context.Context, deploymentID string) {
	for {
		decision := c.limiter.Allow(ctx)
		if decision.Allowed {
			return
		}
		c.logger.Info("build rate limited, waiting",
			"deployment_id", deploymentID,
			"window_count", decision.Count,
			"retry_after", decision.RetryAfter,
		)
		select {
		case <-time.After(decision.RetryAfter):
		case <-ctx.Done():
			return
		}
	}
}

func (c *Consumer) observeJob(result string) {
	if c.metrics != nil {
		c.metrics.ObserveQueueJob(result)
	}
}

func (c *Consumer) observeBuild(outcome string, duration time.Duration) {
	if c.metrics != nil {
		c.metrics.ObserveBuild(outcome, duration)
	}
}
