package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/malwarebo/courier/models"
	"github.com/malwarebo/courier/providers"
	"github.com/malwarebo/courier/utils"
	"gorm.io/gorm"
)

// SubscriberRegistry is the storage surface for signup and confirmation.
type SubscriberRegistry interface {
	WithTransaction(ctx context.Context, fn func(context.Context) error) error
	Create(ctx context.Context, sub *models.Subscription) error
	GetByEmail(ctx context.Context, email string) (*models.Subscription, error)
	StoreToken(ctx context.Context, token *models.SubscriptionToken) error
	GetSubscriptionIDByToken(ctx context.Context, token string) (string, error)
	Confirm(ctx context.Context, subscriptionID string) error
}

type SubscriptionService struct {
	subscribers SubscriberRegistry
	provider    providers.EmailProvider
	baseURL     string
	logger      *utils.Logger
}

func CreateSubscriptionService(subscribers SubscriberRegistry, provider providers.EmailProvider, baseURL string) *SubscriptionService {
	return &SubscriptionService{
		subscribers: subscribers,
		provider:    provider,
		baseURL:     baseURL,
		logger:      utils.NewLogger("subscription"),
	}
}

// Subscribe stores a pending subscription plus a fresh confirmation token,
// then mails the confirmation link. Re-subscribing an existing email mints a
// new token for the same row, so a lost confirmation email can be replayed.
func (s *SubscriptionService) Subscribe(ctx context.Context, req *models.SubscribeRequest) error {
	if err := utils.ValidateSubscriberName(req.Name); err != nil {
		return err
	}
	if err := utils.ValidateEmail(req.Email); err != nil {
		return err
	}

	token := uuid.NewString()

	err := s.subscribers.WithTransaction(ctx, func(txCtx context.Context) error {
		sub, err := s.subscribers.GetByEmail(txCtx, req.Email)
		if errors.Is(err, gorm.ErrRecordNotFound) {
			sub = &models.Subscription{
				Email:  req.Email,
				Name:   req.Name,
				Status: models.SubscriptionStatusPending,
			}
			if err := s.subscribers.Create(txCtx, sub); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}

		return s.subscribers.StoreToken(txCtx, &models.SubscriptionToken{
			Token:          token,
			SubscriptionID: sub.ID,
		})
	})
	if err != nil {
		return utils.WrapError(err, "failed to store subscription")
	}

	// Sent after the commit: if the send fails the token is already durable
	// and a re-subscribe will mail a fresh link.
	if err := s.sendConfirmationEmail(ctx, req.Email, token); err != nil {
		return utils.WrapError(err, "failed to send confirmation email")
	}

	s.logger.Info(ctx, "New subscriber pending confirmation", map[string]interface{}{
		"email": req.Email,
	})
	return nil
}

// Confirm flips the subscription behind the token to confirmed. From that
// instant onward the subscriber is included in publish fan-outs.
func (s *SubscriptionService) Confirm(ctx context.Context, token string) error {
	if token == "" {
		return utils.ErrTokenNotFound
	}

	subscriptionID, err := s.subscribers.GetSubscriptionIDByToken(ctx, token)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return utils.ErrTokenNotFound
	}
	if err != nil {
		return err
	}

	return s.subscribers.Confirm(ctx, subscriptionID)
}

func (s *SubscriptionService) sendConfirmationEmail(ctx context.Context, email, token string) error {
	link := fmt.Sprintf("%s/subscriptions/confirm?token=%s", s.baseURL, token)
	htmlBody := fmt.Sprintf(
		"Welcome to our newsletter!<br/>Click <a href=\"%s\">here</a> to confirm your subscription.", link)
	textBody := fmt.Sprintf(
		"Welcome to our newsletter!\nVisit %s to confirm your subscription.", link)

	// Permanent provider failures abort immediately; only transient ones are
	// worth the retry budget.
	var permanentErr error
	retryConfig := utils.CreateDefaultRetryConfig()
	err := utils.CreateRetry(ctx, retryConfig, func() error {
		sendErr := s.provider.SendEmail(ctx, email, "Please confirm your subscription", htmlBody, textBody)
		if providers.IsPermanent(sendErr) {
			permanentErr = sendErr
			return nil
		}
		return sendErr
	})
	if permanentErr != nil {
		return permanentErr
	}
	return err
}
