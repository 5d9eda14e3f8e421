package stores

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/malwarebo/courier/models"
	"gorm.io/gorm"
)

type IssueStore struct {
	BaseStore
}

func CreateIssueStore(db *gorm.DB) *IssueStore {
	return &IssueStore{BaseStore: BaseStore{db: db}}
}

// Enqueue records the issue and fans it out to one delivery_queue row per
// subscriber confirmed at this instant. Both writes go through the caller's
// transaction (the idempotency claim), so the issue, its queue rows and the
// saved response commit or vanish together. No network calls happen here.
func (s *IssueStore) Enqueue(ctx context.Context, issue *models.NewsletterIssue) (string, error) {
	db := s.GetDB(ctx)

	if issue.ID == "" {
		issue.ID = uuid.NewString()
	}
	if err := db.Create(issue).Error; err != nil {
		return "", err
	}

	// Snapshot fan-out: subscribers confirmed after this statement never
	// receive the issue, un-confirming later does not retract a row.
	err := db.Exec(
		`INSERT INTO delivery_queue (issue_id, subscriber_email, attempts, status, next_attempt_at, created_at, updated_at)
		 SELECT ?, email, 0, ?, ?, ?, ?
		 FROM subscriptions
		 WHERE status = ?`,
		issue.ID, models.DeliveryStatusPending, time.Now().UTC(), time.Now().UTC(), time.Now().UTC(),
		models.SubscriptionStatusConfirmed,
	).Error
	if err != nil {
		return "", err
	}

	return issue.ID, nil
}

func (s *IssueStore) GetByID(ctx context.Context, id string) (*models.NewsletterIssue, error) {
	var issue models.NewsletterIssue
	if err := s.GetDB(ctx).First(&issue, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &issue, nil
}
