package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/malwarebo/courier/models"
	"github.com/malwarebo/courier/providers"
	"github.com/malwarebo/courier/utils"
	"gorm.io/gorm"
)

type fakeRegistry struct {
	mu            sync.Mutex
	byEmail       map[string]*models.Subscription
	tokens        map[string]string
	confirmed     []string
	txFails       bool
	nextID        int
	createCalls   int
	tokenCalls    int
	rollbackCount int
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		byEmail: make(map[string]*models.Subscription),
		tokens:  make(map[string]string),
	}
}

func (r *fakeRegistry) WithTransaction(ctx context.Context, fn func(context.Context) error) error {
	if err := fn(ctx); err != nil {
		r.rollbackCount++
		return err
	}
	return nil
}

func (r *fakeRegistry) Create(ctx context.Context, sub *models.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.createCalls++
	r.nextID++
	sub.ID = strings.Repeat("0", 35) + string(rune('0'+r.nextID))
	r.byEmail[sub.Email] = sub
	return nil
}

func (r *fakeRegistry) GetByEmail(ctx context.Context, email string) (*models.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.byEmail[email]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	return sub, nil
}

func (r *fakeRegistry) StoreToken(ctx context.Context, token *models.SubscriptionToken) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.txFails {
		return errors.New("insert failed")
	}
	r.tokenCalls++
	r.tokens[token.Token] = token.SubscriptionID
	return nil
}

func (r *fakeRegistry) GetSubscriptionIDByToken(ctx context.Context, token string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.tokens[token]
	if !ok {
		return "", gorm.ErrRecordNotFound
	}
	return id, nil
}

func (r *fakeRegistry) Confirm(ctx context.Context, subscriptionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.confirmed = append(r.confirmed, subscriptionID)
	for _, sub := range r.byEmail {
		if sub.ID == subscriptionID {
			sub.Status = models.SubscriptionStatusConfirmed
		}
	}
	return nil
}

func validSubscribeRequest() *models.SubscribeRequest {
	return &models.SubscribeRequest{
		Name:  "Ursula Le Guin",
		Email: "ursula_le_guin@gmail.com",
	}
}

func TestSubscribe_StoresPendingAndSendsEmail(t *testing.T) {
	registry := newFakeRegistry()
	provider := &fakeProvider{}
	service := CreateSubscriptionService(registry, provider, "https://newsletter.example.com")

	if err := service.Subscribe(context.Background(), validSubscribeRequest()); err != nil {
		t.Fatalf("Subscribe() error = %v, want nil", err)
	}

	sub, ok := registry.byEmail["ursula_le_guin@gmail.com"]
	if !ok {
		t.Fatal("subscription not stored")
	}
	if sub.Status != models.SubscriptionStatusPending {
		t.Errorf("Status = %q, want pending_confirmation", sub.Status)
	}
	if len(registry.tokens) != 1 {
		t.Errorf("stored %d tokens, want 1", len(registry.tokens))
	}
	if provider.sendCount() != 1 {
		t.Errorf("provider sends = %d, want 1", provider.sendCount())
	}
	if provider.sends[0] != "ursula_le_guin@gmail.com" {
		t.Errorf("confirmation sent to %q, want subscriber address", provider.sends[0])
	}
}

func TestSubscribe_ExistingEmailMintsNewToken(t *testing.T) {
	registry := newFakeRegistry()
	provider := &fakeProvider{}
	service := CreateSubscriptionService(registry, provider, "https://newsletter.example.com")
	ctx := context.Background()

	if err := service.Subscribe(ctx, validSubscribeRequest()); err != nil {
		t.Fatalf("Subscribe() error = %v, want nil", err)
	}
	if err := service.Subscribe(ctx, validSubscribeRequest()); err != nil {
		t.Fatalf("repeated Subscribe() error = %v, want nil", err)
	}

	if registry.createCalls != 1 {
		t.Errorf("Create called %d times, want 1: re-subscribe reuses the row", registry.createCalls)
	}
	if len(registry.tokens) != 2 {
		t.Errorf("stored %d tokens, want 2: each signup mints a fresh token", len(registry.tokens))
	}
	if provider.sendCount() != 2 {
		t.Errorf("provider sends = %d, want 2", provider.sendCount())
	}
}

func TestSubscribe_InvalidInput(t *testing.T) {
	tests := []struct {
		name    string
		req     *models.SubscribeRequest
		wantErr error
	}{
		{"bad email", &models.SubscribeRequest{Name: "Ursula", Email: "not-an-email"}, utils.ErrInvalidEmail},
		{"empty name", &models.SubscribeRequest{Name: "", Email: "ursula@gmail.com"}, utils.ErrInvalidSubscriberName},
		{"injection in name", &models.SubscribeRequest{Name: "<script>", Email: "ursula@gmail.com"}, utils.ErrInvalidSubscriberName},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := newFakeRegistry()
			provider := &fakeProvider{}
			service := CreateSubscriptionService(registry, provider, "https://newsletter.example.com")

			err := service.Subscribe(context.Background(), tt.req)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Subscribe() error = %v, want %v", err, tt.wantErr)
			}
			if registry.createCalls != 0 {
				t.Errorf("Create called %d times on invalid input, want 0", registry.createCalls)
			}
			if provider.sendCount() != 0 {
				t.Errorf("provider sends = %d on invalid input, want 0", provider.sendCount())
			}
		})
	}
}

func TestSubscribe_StoreFailureSkipsEmail(t *testing.T) {
	registry := newFakeRegistry()
	registry.txFails = true
	provider := &fakeProvider{}
	service := CreateSubscriptionService(registry, provider, "https://newsletter.example.com")

	if err := service.Subscribe(context.Background(), validSubscribeRequest()); err == nil {
		t.Fatal("Subscribe() error = nil, want store failure")
	}
	if registry.rollbackCount != 1 {
		t.Errorf("transaction rolled back %d times, want 1", registry.rollbackCount)
	}
	if provider.sendCount() != 0 {
		t.Errorf("provider sends = %d after rollback, want 0", provider.sendCount())
	}
}

func TestSubscribe_PermanentSendFailureDoesNotRetry(t *testing.T) {
	registry := newFakeRegistry()
	provider := &fakeProvider{err: providers.Permanent(errors.New("sender blocked"))}
	service := CreateSubscriptionService(registry, provider, "https://newsletter.example.com")

	if err := service.Subscribe(context.Background(), validSubscribeRequest()); err == nil {
		t.Fatal("Subscribe() error = nil, want send failure")
	}
	if provider.sendCount() != 1 {
		t.Errorf("provider sends = %d, want 1: permanent failures are not retried", provider.sendCount())
	}
}

func TestConfirm_FlipsStatus(t *testing.T) {
	registry := newFakeRegistry()
	provider := &fakeProvider{}
	service := CreateSubscriptionService(registry, provider, "https://newsletter.example.com")
	ctx := context.Background()

	if err := service.Subscribe(ctx, validSubscribeRequest()); err != nil {
		t.Fatalf("Subscribe() error = %v, want nil", err)
	}

	var token string
	for tok := range registry.tokens {
		token = tok
	}

	if err := service.Confirm(ctx, token); err != nil {
		t.Fatalf("Confirm() error = %v, want nil", err)
	}

	sub := registry.byEmail["ursula_le_guin@gmail.com"]
	if sub.Status != models.SubscriptionStatusConfirmed {
		t.Errorf("Status = %q after Confirm, want confirmed", sub.Status)
	}
}

func TestConfirm_UnknownToken(t *testing.T) {
	registry := newFakeRegistry()
	service := CreateSubscriptionService(registry, &fakeProvider{}, "https://newsletter.example.com")

	if err := service.Confirm(context.Background(), "no-such-token"); !errors.Is(err, utils.ErrTokenNotFound) {
		t.Errorf("Confirm() error = %v, want ErrTokenNotFound", err)
	}
}

func TestConfirm_EmptyToken(t *testing.T) {
	registry := newFakeRegistry()
	service := CreateSubscriptionService(registry, &fakeProvider{}, "https://newsletter.example.com")

	if err := service.Confirm(context.Background(), ""); !errors.Is(err, utils.ErrTokenNotFound) {
		t.Errorf("Confirm() error = %v, want ErrTokenNotFound", err)
	}
}

func TestConfirm_Idempotent(t *testing.T) {
	registry := newFakeRegistry()
	service := CreateSubscriptionService(registry, &fakeProvider{}, "https://newsletter.example.com")
	ctx := context.Background()

	if err := service.Subscribe(ctx, validSubscribeRequest()); err != nil {
		t.Fatalf("Subscribe() error = %v, want nil", err)
	}
	var token string
	for tok := range registry.tokens {
		token = tok
	}

	if err := service.Confirm(ctx, token); err != nil {
		t.Fatalf("Confirm() error = %v, want nil", err)
	}
	if err := service.Confirm(ctx, token); err != nil {
		t.Errorf("repeated Confirm() error = %v, want nil", err)
	}
}
