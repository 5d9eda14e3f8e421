package models

import (
	"time"
)

type SubscriptionStatus string

const (
	SubscriptionStatusPending   SubscriptionStatus = "pending_confirmation"
	SubscriptionStatusConfirmed SubscriptionStatus = "confirmed"
)

// Subscription is one newsletter subscriber. Only confirmed subscribers are
// picked up by the delivery fan-out snapshot.
type Subscription struct {
	ID           string             `json:"id" gorm:"primaryKey;type:uuid"`
	Email        string             `json:"email" gorm:"not null;uniqueIndex"`
	Name         string             `json:"name" gorm:"not null"`
	Status       SubscriptionStatus `json:"status" gorm:"not null;default:'pending_confirmation'"`
	SubscribedAt time.Time          `json:"subscribed_at" gorm:"autoCreateTime"`
}

func (Subscription) TableName() string {
	return "subscriptions"
}

// SubscriptionToken links a confirmation token, mailed to the subscriber,
// back to the pending subscription it confirms.
type SubscriptionToken struct {
	Token          string    `json:"token" gorm:"primaryKey;column:subscription_token"`
	SubscriptionID string    `json:"subscription_id" gorm:"not null;type:uuid"`
	CreatedAt      time.Time `json:"created_at" gorm:"autoCreateTime"`
}

func (SubscriptionToken) TableName() string {
	return "subscription_tokens"
}

type SubscribeRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}
