package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/malwarebo/courier/config"
	"github.com/malwarebo/courier/models"
	"github.com/malwarebo/courier/monitoring"
	"github.com/malwarebo/courier/providers"
	"gorm.io/gorm"
)

type fakeQueue struct {
	mu          sync.Mutex
	tasks       []*models.DeliveryTask
	deleted     []*models.DeliveryTask
	rescheduled []*models.DeliveryTask
	failed      []*models.DeliveryTask
	nextAttempt time.Time
	lastError   string
}

func (q *fakeQueue) WithTransaction(ctx context.Context, fn func(context.Context) error) error {
	return fn(ctx)
}

func (q *fakeQueue) LockNext(ctx context.Context) (*models.DeliveryTask, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	for _, task := range q.tasks {
		if task.Status == models.DeliveryStatusPending && !task.NextAttemptAt.After(now) {
			return task, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (q *fakeQueue) Delete(ctx context.Context, task *models.DeliveryTask) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.deleted = append(q.deleted, task)
	q.remove(task)
	return nil
}

func (q *fakeQueue) Reschedule(ctx context.Context, task *models.DeliveryTask, nextAttemptAt time.Time, lastError string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task.Attempts++
	task.NextAttemptAt = nextAttemptAt
	task.LastError = lastError
	q.rescheduled = append(q.rescheduled, task)
	q.nextAttempt = nextAttemptAt
	q.lastError = lastError
	return nil
}

func (q *fakeQueue) MarkFailed(ctx context.Context, task *models.DeliveryTask, lastError string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	task.Attempts++
	task.Status = models.DeliveryStatusFailed
	task.LastError = lastError
	q.failed = append(q.failed, task)
	q.lastError = lastError
	return nil
}

func (q *fakeQueue) PendingCount(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var count int64
	for _, task := range q.tasks {
		if task.Status == models.DeliveryStatusPending {
			count++
		}
	}
	return count, nil
}

func (q *fakeQueue) remove(task *models.DeliveryTask) {
	for i, t := range q.tasks {
		if t == task {
			q.tasks = append(q.tasks[:i], q.tasks[i+1:]...)
			return
		}
	}
}

type fakeIssues struct {
	issue *models.NewsletterIssue
}

func (f *fakeIssues) GetByID(ctx context.Context, id string) (*models.NewsletterIssue, error) {
	return f.issue, nil
}

type fakeProvider struct {
	mu    sync.Mutex
	sends []string
	err   error
}

func (p *fakeProvider) SendEmail(ctx context.Context, to, subject, htmlBody, textBody string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.sends = append(p.sends, to)
	return p.err
}

func (p *fakeProvider) sendCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sends)
}

func testDeliveryConfig() config.DeliveryConfig {
	return config.DeliveryConfig{
		Workers:      1,
		PollInterval: 10 * time.Millisecond,
		MaxAttempts:  3,
		BaseBackoff:  time.Second,
		MaxBackoff:   time.Minute,
		SendRate:     1000,
		SendBurst:    1000,
	}
}

func pendingTask(email string) *models.DeliveryTask {
	return &models.DeliveryTask{
		IssueID:         "issue-1",
		SubscriberEmail: email,
		Status:          models.DeliveryStatusPending,
		NextAttemptAt:   time.Now().Add(-time.Second),
	}
}

func testIssue() *models.NewsletterIssue {
	return &models.NewsletterIssue{
		ID:       "issue-1",
		Title:    "Issue #1",
		TextBody: "Plain text content",
		HTMLBody: "<p>HTML content</p>",
	}
}

func TestDeliverNext_SuccessDeletesTask(t *testing.T) {
	queue := &fakeQueue{tasks: []*models.DeliveryTask{pendingTask("subscriber@example.com")}}
	provider := &fakeProvider{}
	metrics := monitoring.CreateMetricsCollector()
	worker := CreateDeliveryWorker(queue, &fakeIssues{issue: testIssue()}, provider, testDeliveryConfig(), metrics)

	worked, err := worker.DeliverNext(context.Background())
	if err != nil {
		t.Fatalf("DeliverNext() error = %v, want nil", err)
	}
	if !worked {
		t.Error("DeliverNext() worked = false, want true")
	}
	if provider.sendCount() != 1 {
		t.Errorf("provider sends = %d, want 1", provider.sendCount())
	}
	if len(queue.deleted) != 1 {
		t.Errorf("deleted %d tasks, want 1", len(queue.deleted))
	}
	if len(queue.tasks) != 0 {
		t.Errorf("queue depth = %d after success, want 0", len(queue.tasks))
	}
	if got := metrics.GetValue(monitoring.MetricDeliveriesSent); got != 1 {
		t.Errorf("deliveries sent = %v, want 1", got)
	}
}

func TestDeliverNext_EmptyQueue(t *testing.T) {
	queue := &fakeQueue{}
	provider := &fakeProvider{}
	worker := CreateDeliveryWorker(queue, &fakeIssues{issue: testIssue()}, provider, testDeliveryConfig(), monitoring.CreateMetricsCollector())

	worked, err := worker.DeliverNext(context.Background())
	if err != nil {
		t.Fatalf("DeliverNext() error = %v, want nil", err)
	}
	if worked {
		t.Error("DeliverNext() worked = true on empty queue, want false")
	}
	if provider.sendCount() != 0 {
		t.Errorf("provider sends = %d on empty queue, want 0", provider.sendCount())
	}
}

func TestDeliverNext_TransientFailureReschedules(t *testing.T) {
	task := pendingTask("subscriber@example.com")
	queue := &fakeQueue{tasks: []*models.DeliveryTask{task}}
	provider := &fakeProvider{err: providers.Transient(errors.New("connection reset"))}
	metrics := monitoring.CreateMetricsCollector()
	worker := CreateDeliveryWorker(queue, &fakeIssues{issue: testIssue()}, provider, testDeliveryConfig(), metrics)

	worked, err := worker.DeliverNext(context.Background())
	if err != nil {
		t.Fatalf("DeliverNext() error = %v, want nil: failure settlement must commit", err)
	}
	if !worked {
		t.Error("DeliverNext() worked = false, want true")
	}
	if len(queue.rescheduled) != 1 {
		t.Fatalf("rescheduled %d tasks, want 1", len(queue.rescheduled))
	}
	if task.Attempts != 1 {
		t.Errorf("Attempts = %d after one transient failure, want 1", task.Attempts)
	}
	if task.Status != models.DeliveryStatusPending {
		t.Errorf("Status = %q, want pending", task.Status)
	}
	if !queue.nextAttempt.After(time.Now()) {
		t.Errorf("next attempt %v is not in the future", queue.nextAttempt)
	}
	if queue.lastError == "" {
		t.Error("last error not recorded on reschedule")
	}
	if got := metrics.GetValue(monitoring.MetricDeliveriesRetried); got != 1 {
		t.Errorf("deliveries retried = %v, want 1", got)
	}
}

func TestDeliverNext_PermanentFailureMarksFailed(t *testing.T) {
	task := pendingTask("subscriber@example.com")
	queue := &fakeQueue{tasks: []*models.DeliveryTask{task}}
	provider := &fakeProvider{err: providers.Permanent(errors.New("mailbox does not exist"))}
	metrics := monitoring.CreateMetricsCollector()
	worker := CreateDeliveryWorker(queue, &fakeIssues{issue: testIssue()}, provider, testDeliveryConfig(), metrics)

	worked, err := worker.DeliverNext(context.Background())
	if err != nil {
		t.Fatalf("DeliverNext() error = %v, want nil", err)
	}
	if !worked {
		t.Error("DeliverNext() worked = false, want true")
	}
	if len(queue.failed) != 1 {
		t.Fatalf("marked %d tasks failed, want 1", len(queue.failed))
	}
	if len(queue.rescheduled) != 0 {
		t.Errorf("rescheduled %d tasks on permanent failure, want 0", len(queue.rescheduled))
	}
	if task.Status != models.DeliveryStatusFailed {
		t.Errorf("Status = %q, want failed", task.Status)
	}
	if got := metrics.GetValue(monitoring.MetricDeliveriesFailed); got != 1 {
		t.Errorf("deliveries failed = %v, want 1", got)
	}
}

func TestDeliverNext_MaxAttemptsMarksFailed(t *testing.T) {
	task := pendingTask("subscriber@example.com")
	task.Attempts = 2 // next failure is attempt 3 of 3
	queue := &fakeQueue{tasks: []*models.DeliveryTask{task}}
	provider := &fakeProvider{err: providers.Transient(errors.New("connection reset"))}
	worker := CreateDeliveryWorker(queue, &fakeIssues{issue: testIssue()}, provider, testDeliveryConfig(), monitoring.CreateMetricsCollector())

	if _, err := worker.DeliverNext(context.Background()); err != nil {
		t.Fatalf("DeliverNext() error = %v, want nil", err)
	}

	if len(queue.failed) != 1 {
		t.Fatalf("marked %d tasks failed, want 1", len(queue.failed))
	}
	if task.Status != models.DeliveryStatusFailed {
		t.Errorf("Status = %q, want failed after exhausted attempts", task.Status)
	}
	if task.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", task.Attempts)
	}
}

func TestDeliverNext_InvalidRecipientSkipsProvider(t *testing.T) {
	task := pendingTask("not-an-email")
	queue := &fakeQueue{tasks: []*models.DeliveryTask{task}}
	provider := &fakeProvider{}
	worker := CreateDeliveryWorker(queue, &fakeIssues{issue: testIssue()}, provider, testDeliveryConfig(), monitoring.CreateMetricsCollector())

	if _, err := worker.DeliverNext(context.Background()); err != nil {
		t.Fatalf("DeliverNext() error = %v, want nil", err)
	}

	if provider.sendCount() != 0 {
		t.Errorf("provider sends = %d for unparseable recipient, want 0", provider.sendCount())
	}
	if task.Status != models.DeliveryStatusFailed {
		t.Errorf("Status = %q, want failed", task.Status)
	}
}

func TestDeliverNext_FutureTaskNotDue(t *testing.T) {
	task := pendingTask("subscriber@example.com")
	task.NextAttemptAt = time.Now().Add(time.Hour)
	queue := &fakeQueue{tasks: []*models.DeliveryTask{task}}
	provider := &fakeProvider{}
	worker := CreateDeliveryWorker(queue, &fakeIssues{issue: testIssue()}, provider, testDeliveryConfig(), monitoring.CreateMetricsCollector())

	worked, err := worker.DeliverNext(context.Background())
	if err != nil {
		t.Fatalf("DeliverNext() error = %v, want nil", err)
	}
	if worked {
		t.Error("DeliverNext() worked = true for a task not yet due, want false")
	}
	if provider.sendCount() != 0 {
		t.Errorf("provider sends = %d, want 0", provider.sendCount())
	}
}

func TestBackoff_Bounds(t *testing.T) {
	cfg := testDeliveryConfig()
	worker := CreateDeliveryWorker(&fakeQueue{}, &fakeIssues{issue: testIssue()}, &fakeProvider{}, cfg, monitoring.CreateMetricsCollector())

	for attempts := 0; attempts < 4; attempts++ {
		base := cfg.BaseBackoff * time.Duration(1<<attempts)
		low := time.Duration(float64(base) * 0.8)
		high := time.Duration(float64(base) * 1.2)

		for i := 0; i < 50; i++ {
			got := worker.backoff(attempts)
			if got < low || got > high {
				t.Fatalf("backoff(%d) = %v, want within %v..%v", attempts, got, low, high)
			}
		}
	}
}

func TestBackoff_Capped(t *testing.T) {
	cfg := testDeliveryConfig()
	cfg.MaxBackoff = 2 * time.Second
	worker := CreateDeliveryWorker(&fakeQueue{}, &fakeIssues{issue: testIssue()}, &fakeProvider{}, cfg, monitoring.CreateMetricsCollector())

	for i := 0; i < 50; i++ {
		if got := worker.backoff(10); got > cfg.MaxBackoff {
			t.Fatalf("backoff(10) = %v, want capped at %v", got, cfg.MaxBackoff)
		}
	}
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	queue := &fakeQueue{}
	worker := CreateDeliveryWorker(queue, &fakeIssues{issue: testIssue()}, &fakeProvider{}, testDeliveryConfig(), monitoring.CreateMetricsCollector())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		worker.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run() did not return after context cancellation")
	}
}
