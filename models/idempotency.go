package models

import (
	"errors"
	"fmt"
	"time"
)

// MaxIdempotencyKeyLength bounds caller-supplied idempotency keys.
const MaxIdempotencyKeyLength = 50

var (
	ErrIdempotencyKeyEmpty   = errors.New("idempotency key cannot be empty")
	ErrIdempotencyKeyTooLong = fmt.Errorf("idempotency key cannot exceed %d characters", MaxIdempotencyKeyLength)
)

// IdempotencyKey is a validated, immutable, caller-supplied token that
// identifies one logical command across retries.
type IdempotencyKey struct {
	value string
}

func ParseIdempotencyKey(s string) (IdempotencyKey, error) {
	if s == "" {
		return IdempotencyKey{}, ErrIdempotencyKeyEmpty
	}
	if len(s) > MaxIdempotencyKeyLength {
		return IdempotencyKey{}, ErrIdempotencyKeyTooLong
	}
	return IdempotencyKey{value: s}, nil
}

func (k IdempotencyKey) String() string {
	return k.value
}

// HeaderPair is one (name, value) response header. Headers are persisted as
// an ordered JSON array so a replayed response preserves header order.
type HeaderPair struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// SavedResponse is the HTTP-shaped payload persisted after the first
// successful processing of a command and replayed verbatim on retries.
type SavedResponse struct {
	StatusCode int
	Headers    []HeaderPair
	Body       []byte
}

// IdempotencyRecord is one row of the idempotency_keys table, keyed by
// (user_id, idempotency_key). A row with a null response payload is an
// in-progress claim; a populated row is a completed command.
type IdempotencyRecord struct {
	UserID             string     `json:"user_id" gorm:"primaryKey;column:user_id"`
	IdempotencyKey     string     `json:"idempotency_key" gorm:"primaryKey;column:idempotency_key"`
	ResponseStatusCode *int       `json:"response_status_code"`
	ResponseHeaders    []byte     `json:"response_headers" gorm:"type:jsonb"`
	ResponseBody       []byte     `json:"response_body" gorm:"type:bytea"`
	ClaimedAt          time.Time  `json:"claimed_at" gorm:"not null"`
	CompletedAt        *time.Time `json:"completed_at"`
}

func (IdempotencyRecord) TableName() string {
	return "idempotency_keys"
}

func (r *IdempotencyRecord) Completed() bool {
	return r.CompletedAt != nil && r.ResponseStatusCode != nil
}
