package stores

import (
	"context"
	"time"

	"github.com/malwarebo/courier/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type DeliveryStore struct {
	BaseStore
}

func CreateDeliveryStore(db *gorm.DB) *DeliveryStore {
	return &DeliveryStore{BaseStore: BaseStore{db: db}}
}

// LockNext claims one due pending row with a non-blocking row lock. Rows
// locked by a concurrent worker are skipped, so workers scale horizontally
// without contending. Must be called inside a transaction; the lock is held
// until that transaction ends. Returns gorm.ErrRecordNotFound when the queue
// is idle.
func (s *DeliveryStore) LockNext(ctx context.Context) (*models.DeliveryTask, error) {
	var task models.DeliveryTask
	err := s.GetDB(ctx).
		Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Where("status = ? AND next_attempt_at <= ?", models.DeliveryStatusPending, time.Now().UTC()).
		Order("next_attempt_at").
		Limit(1).
		Take(&task).Error
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// Delete removes a delivered row. Deletion in the locking transaction is the
// worker's acknowledgement that the send succeeded.
func (s *DeliveryStore) Delete(ctx context.Context, task *models.DeliveryTask) error {
	return s.GetDB(ctx).
		Where("issue_id = ? AND subscriber_email = ?", task.IssueID, task.SubscriberEmail).
		Delete(&models.DeliveryTask{}).Error
}

// Reschedule leaves a transiently-failed row pending with an incremented
// attempt counter and a backoff deadline.
func (s *DeliveryStore) Reschedule(ctx context.Context, task *models.DeliveryTask, nextAttemptAt time.Time, lastError string) error {
	return s.GetDB(ctx).Model(&models.DeliveryTask{}).
		Where("issue_id = ? AND subscriber_email = ?", task.IssueID, task.SubscriberEmail).
		Updates(map[string]interface{}{
			"attempts":        task.Attempts + 1,
			"next_attempt_at": nextAttemptAt.UTC(),
			"last_error":      lastError,
		}).Error
}

// MarkFailed moves a row to its terminal state: kept for observability, never
// retried again.
func (s *DeliveryStore) MarkFailed(ctx context.Context, task *models.DeliveryTask, lastError string) error {
	return s.GetDB(ctx).Model(&models.DeliveryTask{}).
		Where("issue_id = ? AND subscriber_email = ?", task.IssueID, task.SubscriberEmail).
		Updates(map[string]interface{}{
			"status":     models.DeliveryStatusFailed,
			"attempts":   task.Attempts + 1,
			"last_error": lastError,
		}).Error
}

// PendingCount reports queue depth for metrics.
func (s *DeliveryStore) PendingCount(ctx context.Context) (int64, error) {
	var count int64
	err := s.GetDB(ctx).Model(&models.DeliveryTask{}).
		Where("status = ?", models.DeliveryStatusPending).
		Count(&count).Error
	return count, err
}
