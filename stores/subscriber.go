package stores

import (
	"context"

	"github.com/google/uuid"
	"github.com/malwarebo/courier/models"
	"gorm.io/gorm"
)

type SubscriberStore struct {
	BaseStore
}

func CreateSubscriberStore(db *gorm.DB) *SubscriberStore {
	return &SubscriberStore{BaseStore: BaseStore{db: db}}
}

func (s *SubscriberStore) Create(ctx context.Context, sub *models.Subscription) error {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	return s.GetDB(ctx).Create(sub).Error
}

func (s *SubscriberStore) GetByEmail(ctx context.Context, email string) (*models.Subscription, error) {
	var sub models.Subscription
	if err := s.GetDB(ctx).Where("email = ?", email).First(&sub).Error; err != nil {
		return nil, err
	}
	return &sub, nil
}

func (s *SubscriberStore) StoreToken(ctx context.Context, token *models.SubscriptionToken) error {
	return s.GetDB(ctx).Create(token).Error
}

func (s *SubscriberStore) GetSubscriptionIDByToken(ctx context.Context, token string) (string, error) {
	var record models.SubscriptionToken
	if err := s.GetDB(ctx).Where("subscription_token = ?", token).First(&record).Error; err != nil {
		return "", err
	}
	return record.SubscriptionID, nil
}

func (s *SubscriberStore) Confirm(ctx context.Context, subscriptionID string) error {
	return s.GetDB(ctx).Model(&models.Subscription{}).
		Where("id = ?", subscriptionID).
		Update("status", models.SubscriptionStatusConfirmed).Error
}
