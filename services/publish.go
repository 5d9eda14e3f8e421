package services

import (
	"context"
	"net/http"

	"github.com/malwarebo/courier/models"
	"github.com/malwarebo/courier/monitoring"
	"github.com/malwarebo/courier/stores"
	"github.com/malwarebo/courier/utils"
)

// IdempotencyGuard claims one (user, key) pair exclusively and persists the
// response computed by the winning attempt.
type IdempotencyGuard interface {
	Begin(ctx context.Context, userID string, key models.IdempotencyKey) (*stores.Claim, *models.SavedResponse, error)
	Complete(claim *stores.Claim, resp *models.SavedResponse) error
	Rollback(claim *stores.Claim) error
}

// IssueEnqueuer records the issue and its delivery fan-out. Must only be
// called with a context carrying the winning claim's transaction.
type IssueEnqueuer interface {
	Enqueue(ctx context.Context, issue *models.NewsletterIssue) (string, error)
}

// ResponseCache is an optional fast replay path for completed responses.
type ResponseCache interface {
	GetResponse(ctx context.Context, userID string, key models.IdempotencyKey) (*models.SavedResponse, bool)
	SetResponse(ctx context.Context, userID string, key models.IdempotencyKey, resp *models.SavedResponse)
}

type PublishService struct {
	guard    IdempotencyGuard
	enqueuer IssueEnqueuer
	cache    ResponseCache
	metrics  *monitoring.MetricsCollector
	logger   *utils.Logger
}

func CreatePublishService(guard IdempotencyGuard, enqueuer IssueEnqueuer, metrics *monitoring.MetricsCollector) *PublishService {
	return &PublishService{
		guard:    guard,
		enqueuer: enqueuer,
		metrics:  metrics,
		logger:   utils.NewLogger("publish"),
	}
}

func CreatePublishServiceWithCache(guard IdempotencyGuard, enqueuer IssueEnqueuer, cache ResponseCache, metrics *monitoring.MetricsCollector) *PublishService {
	s := CreatePublishService(guard, enqueuer, metrics)
	s.cache = cache
	return s
}

// Publish processes one publish command. Every retry with the same
// (userID, idempotency key) receives the byte-identical response of the first
// successful attempt, and the issue is recorded and fanned out exactly once.
func (s *PublishService) Publish(ctx context.Context, userID string, req *models.PublishRequest) (*models.SavedResponse, error) {
	if userID == "" {
		return nil, utils.ErrUnauthorized
	}
	key, err := models.ParseIdempotencyKey(req.IdempotencyKey)
	if err != nil {
		return nil, utils.NewAPIErrorWithDetails(http.StatusBadRequest, "Invalid idempotency key", err.Error())
	}
	if req.Title == "" {
		return nil, utils.ErrMissingTitle
	}
	if req.TextBody == "" && req.HTMLBody == "" {
		return nil, utils.ErrMissingBody
	}

	if s.cache != nil {
		if resp, ok := s.cache.GetResponse(ctx, userID, key); ok {
			s.metrics.IncrementCounter(monitoring.MetricClaimsReplayed)
			return resp, nil
		}
	}

	claim, saved, err := s.guard.Begin(ctx, userID, key)
	if err != nil {
		return nil, utils.WrapError(err, "failed to claim idempotency key")
	}
	if saved != nil {
		s.metrics.IncrementCounter(monitoring.MetricClaimsReplayed)
		s.storeInCache(ctx, userID, key, saved)
		s.logger.Info(ctx, "Replaying saved publish response", map[string]interface{}{
			"idempotency_key": key.String(),
		})
		return saved, nil
	}

	issue := &models.NewsletterIssue{
		Title:    req.Title,
		TextBody: req.TextBody,
		HTMLBody: req.HTMLBody,
	}
	issueID, err := s.enqueuer.Enqueue(claim.Context(ctx), issue)
	if err != nil {
		// Release the claim entirely so the command can be retried.
		s.guard.Rollback(claim)
		return nil, utils.WrapError(err, "failed to enqueue newsletter issue")
	}

	resp := acceptedResponse()
	if err := s.guard.Complete(claim, resp); err != nil {
		return nil, utils.WrapError(err, "failed to complete idempotency claim")
	}

	s.metrics.IncrementCounter(monitoring.MetricClaimsWon)
	s.storeInCache(ctx, userID, key, resp)
	s.logger.Info(ctx, "Newsletter issue accepted", map[string]interface{}{
		"issue_id":        issueID,
		"idempotency_key": key.String(),
	})
	return resp, nil
}

func (s *PublishService) storeInCache(ctx context.Context, userID string, key models.IdempotencyKey, resp *models.SavedResponse) {
	if s.cache != nil {
		s.cache.SetResponse(ctx, userID, key, resp)
	}
}

// acceptedResponse is the response the admin UI expects: a redirect back to
// the publish form. It is computed once and replayed verbatim forever after.
func acceptedResponse() *models.SavedResponse {
	return &models.SavedResponse{
		StatusCode: http.StatusSeeOther,
		Headers: []models.HeaderPair{
			{Name: "Location", Value: "/admin/newsletters"},
		},
		Body: []byte("The newsletter issue has been accepted - emails will go out shortly.\n"),
	}
}
