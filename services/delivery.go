package services

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/malwarebo/courier/config"
	"github.com/malwarebo/courier/models"
	"github.com/malwarebo/courier/monitoring"
	"github.com/malwarebo/courier/providers"
	"github.com/malwarebo/courier/utils"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// DeliveryQueue is the worker's view of the delivery_queue table. The worker
// is the only component that consumes, reschedules or fails queue rows.
type DeliveryQueue interface {
	WithTransaction(ctx context.Context, fn func(context.Context) error) error
	LockNext(ctx context.Context) (*models.DeliveryTask, error)
	Delete(ctx context.Context, task *models.DeliveryTask) error
	Reschedule(ctx context.Context, task *models.DeliveryTask, nextAttemptAt time.Time, lastError string) error
	MarkFailed(ctx context.Context, task *models.DeliveryTask, lastError string) error
	PendingCount(ctx context.Context) (int64, error)
}

type IssueReader interface {
	GetByID(ctx context.Context, id string) (*models.NewsletterIssue, error)
}

type DeliveryWorker struct {
	queue    DeliveryQueue
	issues   IssueReader
	provider providers.EmailProvider
	limiter  *rate.Limiter
	breaker  *utils.CircuitBreaker
	config   config.DeliveryConfig
	metrics  *monitoring.MetricsCollector
	logger   *utils.Logger
}

func CreateDeliveryWorker(queue DeliveryQueue, issues IssueReader, provider providers.EmailProvider, cfg config.DeliveryConfig, metrics *monitoring.MetricsCollector) *DeliveryWorker {
	return &DeliveryWorker{
		queue:    queue,
		issues:   issues,
		provider: provider,
		limiter:  rate.NewLimiter(rate.Limit(cfg.SendRate), cfg.SendBurst),
		breaker:  utils.CreateCircuitBreaker(5, 30*time.Second),
		config:   cfg,
		metrics:  metrics,
		logger:   utils.NewLogger("delivery"),
	}
}

// Run drains the queue until ctx is cancelled, sleeping the poll interval
// when no work is due instead of busy-polling.
func (w *DeliveryWorker) Run(ctx context.Context) {
	for {
		worked, err := w.DeliverNext(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			utils.LogError(ctx, err, "Delivery attempt failed", nil)
		}
		if worked && err == nil {
			continue
		}

		if count, err := w.queue.PendingCount(ctx); err == nil {
			w.metrics.SetGauge(monitoring.MetricDeliveryQueueDepth, float64(count))
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.config.PollInterval):
		}
	}
}

// DeliverNext locks one due queue row, attempts the send and settles the row
// within the same transaction that holds the lock. Returns false when the
// queue had no due work.
func (w *DeliveryWorker) DeliverNext(ctx context.Context) (bool, error) {
	worked := false
	err := w.queue.WithTransaction(ctx, func(txCtx context.Context) error {
		task, err := w.queue.LockNext(txCtx)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		worked = true

		issue, err := w.issues.GetByID(txCtx, task.IssueID)
		if err != nil {
			return err
		}

		sendErr := w.send(ctx, task.SubscriberEmail, issue)
		if sendErr == nil {
			w.metrics.IncrementCounter(monitoring.MetricDeliveriesSent)
			return w.queue.Delete(txCtx, task)
		}
		return w.settleFailure(txCtx, task, sendErr)
	})
	return worked, err
}

func (w *DeliveryWorker) send(ctx context.Context, recipient string, issue *models.NewsletterIssue) error {
	// A recipient that no longer parses will never parse; skip the provider.
	if err := utils.ValidateEmail(recipient); err != nil {
		return providers.Permanent(err)
	}

	if err := w.limiter.Wait(ctx); err != nil {
		return providers.Transient(err)
	}

	return w.breaker.Execute(ctx, func() error {
		return w.provider.SendEmail(ctx, recipient, issue.Title, issue.HTMLBody, issue.TextBody)
	})
}

func (w *DeliveryWorker) settleFailure(ctx context.Context, task *models.DeliveryTask, sendErr error) error {
	if providers.IsPermanent(sendErr) || task.Attempts+1 >= w.config.MaxAttempts {
		w.metrics.IncrementCounter(monitoring.MetricDeliveriesFailed)
		w.logger.Error(ctx, "Delivery failed permanently", map[string]interface{}{
			"issue_id":  task.IssueID,
			"recipient": task.SubscriberEmail,
			"attempts":  task.Attempts + 1,
			"error":     sendErr.Error(),
		})
		return w.queue.MarkFailed(ctx, task, sendErr.Error())
	}

	backoff := w.backoff(task.Attempts)
	w.metrics.IncrementCounter(monitoring.MetricDeliveriesRetried)
	w.logger.Warn(ctx, "Delivery failed, rescheduling", map[string]interface{}{
		"issue_id":  task.IssueID,
		"recipient": task.SubscriberEmail,
		"attempts":  task.Attempts + 1,
		"backoff":   backoff.String(),
		"error":     sendErr.Error(),
	})
	return w.queue.Reschedule(ctx, task, time.Now().UTC().Add(backoff), sendErr.Error())
}

// backoff doubles per attempt with +/-20% jitter to spread retries out.
func (w *DeliveryWorker) backoff(attempts int) time.Duration {
	base := w.config.BaseBackoff * time.Duration(1<<attempts)

	jitterFactor := 0.8 + (rand.Float64() * 0.4)
	backoff := time.Duration(float64(base) * jitterFactor)

	if backoff > w.config.MaxBackoff {
		backoff = w.config.MaxBackoff
	}
	return backoff
}
