package models

import (
	"time"
)

// NewsletterIssue is the immutable record of one published issue. It is
// written exactly once, inside the transaction that wins the idempotency
// claim, and never mutated afterwards.
type NewsletterIssue struct {
	ID        string    `json:"id" gorm:"primaryKey;type:uuid"`
	Title     string    `json:"title" gorm:"not null"`
	TextBody  string    `json:"text_body" gorm:"not null"`
	HTMLBody  string    `json:"html_body" gorm:"column:html_body;not null"`
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
}

func (NewsletterIssue) TableName() string {
	return "newsletter_issues"
}

type PublishRequest struct {
	Title          string `json:"title"`
	TextBody       string `json:"text"`
	HTMLBody       string `json:"html"`
	IdempotencyKey string `json:"idempotency_key"`
}
