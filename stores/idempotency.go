package stores

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/malwarebo/courier/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// claimPollInterval paces re-reads of a claim row that is in progress but not
// yet expired.
const claimPollInterval = 100 * time.Millisecond

// Claim is the exclusive, transactionally-held right to process one
// (user, idempotency key) pair. The winner performs every business-effect
// write through the claim's transaction and then calls Complete; any failure
// before that must Rollback so the key becomes claimable again.
type Claim struct {
	tx     *gorm.DB
	UserID string
	Key    models.IdempotencyKey
}

// Context returns ctx carrying the claim's transaction, so stores built on
// BaseStore write through it.
func (c *Claim) Context(ctx context.Context) context.Context {
	if c.tx == nil {
		return ctx
	}
	return context.WithValue(ctx, TxKey, c.tx)
}

type IdempotencyStore struct {
	BaseStore
	claimTTL time.Duration
}

func CreateIdempotencyStore(db *gorm.DB, claimTTL time.Duration) *IdempotencyStore {
	return &IdempotencyStore{BaseStore: BaseStore{db: db}, claimTTL: claimTTL}
}

// Begin claims (userID, key). Exactly one of the return values is set:
// a Claim when this call is the first for the pair, or the SavedResponse of
// the already-completed command. When a concurrent request holds the claim,
// Begin blocks until that transaction commits or aborts.
func (s *IdempotencyStore) Begin(ctx context.Context, userID string, key models.IdempotencyKey) (*Claim, *models.SavedResponse, error) {
	for {
		tx := s.db.WithContext(ctx).Begin()
		if tx.Error != nil {
			return nil, nil, tx.Error
		}

		res := tx.Exec(
			`INSERT INTO idempotency_keys (user_id, idempotency_key, claimed_at)
			 VALUES (?, ?, ?)
			 ON CONFLICT (user_id, idempotency_key) DO NOTHING`,
			userID, key.String(), time.Now().UTC(),
		)
		if res.Error != nil {
			tx.Rollback()
			return nil, nil, res.Error
		}
		if res.RowsAffected == 1 {
			return &Claim{tx: tx, UserID: userID, Key: key}, nil, nil
		}
		tx.Rollback()

		// Zero rows affected: another request holds or held the claim. The
		// locking read waits on the holder's row lock, so it returns only
		// after that transaction commits or aborts.
		var record models.IdempotencyRecord
		err := s.db.WithContext(ctx).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ? AND idempotency_key = ?", userID, key.String()).
			Take(&record).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Holder aborted; the key is free again.
			continue
		}
		if err != nil {
			return nil, nil, err
		}

		if record.Completed() {
			resp, err := savedResponseFromRecord(&record)
			return nil, resp, err
		}

		// A committed in-progress row cannot be produced by this store (claim
		// and completion share one transaction), but if one exists treat it
		// as abandoned once its TTL passes and re-claim; otherwise back off.
		if time.Since(record.ClaimedAt) > s.claimTTL {
			if err := s.releaseStale(ctx, userID, key.String()); err != nil {
				return nil, nil, err
			}
			continue
		}

		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case <-time.After(claimPollInterval):
		}
	}
}

// Complete stores the response payload and commits the claim's transaction.
// This is the only transition from in-progress to completed.
func (s *IdempotencyStore) Complete(claim *Claim, resp *models.SavedResponse) error {
	headers, err := json.Marshal(resp.Headers)
	if err != nil {
		claim.tx.Rollback()
		return err
	}

	now := time.Now().UTC()
	err = claim.tx.Model(&models.IdempotencyRecord{}).
		Where("user_id = ? AND idempotency_key = ?", claim.UserID, claim.Key.String()).
		Updates(map[string]interface{}{
			"response_status_code": resp.StatusCode,
			"response_headers":     headers,
			"response_body":        resp.Body,
			"completed_at":         now,
		}).Error
	if err != nil {
		claim.tx.Rollback()
		return err
	}

	return claim.tx.Commit().Error
}

// Rollback releases the claim without recording a response. The uncommitted
// claim row disappears with the transaction.
func (s *IdempotencyStore) Rollback(claim *Claim) error {
	return claim.tx.Rollback().Error
}

// ReapExpired deletes in-progress claim rows older than the claim TTL so an
// abandoned claim can never lock out its key forever.
func (s *IdempotencyStore) ReapExpired(ctx context.Context) (int64, error) {
	res := s.GetDB(ctx).
		Where("completed_at IS NULL AND claimed_at < ?", time.Now().UTC().Add(-s.claimTTL)).
		Delete(&models.IdempotencyRecord{})
	return res.RowsAffected, res.Error
}

func (s *IdempotencyStore) releaseStale(ctx context.Context, userID, key string) error {
	return s.GetDB(ctx).
		Where("user_id = ? AND idempotency_key = ? AND completed_at IS NULL AND claimed_at < ?",
			userID, key, time.Now().UTC().Add(-s.claimTTL)).
		Delete(&models.IdempotencyRecord{}).Error
}

func savedResponseFromRecord(record *models.IdempotencyRecord) (*models.SavedResponse, error) {
	var headers []models.HeaderPair
	if len(record.ResponseHeaders) > 0 {
		if err := json.Unmarshal(record.ResponseHeaders, &headers); err != nil {
			return nil, err
		}
	}
	return &models.SavedResponse{
		StatusCode: *record.ResponseStatusCode,
		Headers:    headers,
		Body:       record.ResponseBody,
	}, nil
}
