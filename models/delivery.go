package models

import (
	"time"
)

type DeliveryStatus string

const (
	// DeliveryStatusPending rows are claimable by a worker. Successful sends
	// are deleted rather than transitioned, so pending and failed are the
	// only persisted states.
	DeliveryStatusPending DeliveryStatus = "pending"
	DeliveryStatusFailed  DeliveryStatus = "failed"
)

// DeliveryTask is one row of the delivery_queue table: a durable obligation
// to send one issue to one recipient. Rows are created by the enqueuer as a
// snapshot of confirmed subscribers and consumed exclusively by the delivery
// worker.
type DeliveryTask struct {
	IssueID         string         `json:"issue_id" gorm:"primaryKey;type:uuid"`
	SubscriberEmail string         `json:"subscriber_email" gorm:"primaryKey"`
	Attempts        int            `json:"attempts" gorm:"not null;default:0"`
	Status          DeliveryStatus `json:"status" gorm:"not null;default:'pending'"`
	NextAttemptAt   time.Time      `json:"next_attempt_at" gorm:"not null"`
	LastError       string         `json:"last_error"`
	CreatedAt       time.Time      `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt       time.Time      `json:"updated_at" gorm:"autoUpdateTime"`
}

func (DeliveryTask) TableName() string {
	return "delivery_queue"
}
