package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/hibiken/asynq"

	"microtask-settlement/internal/models"
	errs "microtask-settlement/pkg/errors"
	"microtask-settlement/pkg/logging"
	"microtask-settlement/pkg/metrics"
)

// TypeVerifySubmission is the asynq task type for the verification pipeline.
const TypeVerifySubmission = "submission:verify"

// QueueSettlement is the only queue this service consumes.
const QueueSettlement = "settlement"

// Config tunes the queue client and server.
type Config struct {
	Concurrency   int
	MaxRetry      int
	Timeout       time.Duration
	BaseDelay     time.Duration
	RetryMaxDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 5
	}
	if c.MaxRetry <= 0 {
		c.MaxRetry = 3
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 2 * time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 5 * time.Minute
	}
	return c
}

// Enqueuer pushes verification jobs onto the settlement queue. The job key
// doubles as the asynq task ID, so a submission already in flight is never
// queued twice.
type Enqueuer struct {
	client *asynq.Client
	cfg    Config
	log    *logging.ComponentLogger
}

func NewEnqueuer(redisOpt asynq.RedisClientOpt, logger *logging.Logger, cfg Config) *Enqueuer {
	return &Enqueuer{
		client: asynq.NewClient(redisOpt),
		cfg:    cfg.withDefaults(),
		log:    logger.WithComponent("queue"),
	}
}

// EnqueueVerification schedules a submission for the verification pipeline.
// Enqueuing the same submission again while a job is pending is a no-op.
func (e *Enqueuer) EnqueueVerification(ctx context.Context, job models.VerificationJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return errs.NewValidation("queue.EnqueueVerification", "failed to encode job payload", err)
	}

	task := asynq.NewTask(TypeVerifySubmission, payload)
	info, err := e.client.EnqueueContext(ctx, task,
		asynq.TaskID(job.Key()),
		asynq.Queue(QueueSettlement),
		asynq.MaxRetry(e.cfg.MaxRetry),
		asynq.Timeout(e.cfg.Timeout))
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			e.log.Debug("submission already queued",
				logging.SubmissionID(job.SubmissionID))
			return nil
		}
		return errs.NewExternal("queue.EnqueueVerification", "redis", "failed to enqueue verification job", err)
	}

	metrics.JobsEnqueued.Inc()
	e.log.Info("verification job enqueued",
		logging.SubmissionID(job.SubmissionID),
		logging.String("task_id", info.ID),
		logging.String("queue", info.Queue))
	return nil
}

func (e *Enqueuer) Close() error {
	return e.client.Close()
}

// retryDelay doubles the base delay per attempt, capped so a poisoned job
// does not back off past the task expiry horizon.
func retryDelay(base, max time.Duration) asynq.RetryDelayFunc {
	return func(n int, err error, task *asynq.Task) time.Duration {
		d := base
		for i := 0; i < n; i++ {
			d *= 2
			if d >= max {
				return max
			}
		}
		return d
	}
}

// NewServer builds an asynq server consuming the settlement queue.
func NewServer(redisOpt asynq.RedisClientOpt, logger *logging.Logger, cfg Config) *asynq.Server {
	cfg = cfg.withDefaults()
	qlog := logger.WithComponent("queue")
	return asynq.NewServer(redisOpt, asynq.Config{
		Concurrency:    cfg.Concurrency,
		Queues:         map[string]int{QueueSettlement: 1},
		RetryDelayFunc: retryDelay(cfg.BaseDelay, cfg.RetryMaxDelay),
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			qlog.Error("task handler failed", err,
				logging.String("type", task.Type()),
				logging.Int("retried", retried))
		}),
	})
}
