package memory

import (
	"context"
	"sync"

	"github.com/google/uuid"

	derrors "github.com/Tanmoy095/PaySynapse/internal/domain/errors"
	"github.com/Tanmoy095/PaySynapse/internal/payment"
)

// AccountStore holds users and subscription links in memory.
type AccountStore struct {
	mu    sync.RWMutex
	users map[uuid.UUID]payment.User
	links map[string]payment.SubscriptionLink // by provider subscription id
}

func NewAccountStore() *AccountStore {
	return &AccountStore{
		users: make(map[uuid.UUID]payment.User),
		links: make(map[string]payment.SubscriptionLink),
	}
}

func (s *AccountStore) PutUser(u payment.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

func (s *AccountStore) GetUser(ctx context.Context, userID uuid.UUID) (*payment.User, error) {
	if err := ctxDone(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, derrors.NotFound("user", userID.String())
	}
	return &u, nil
}

func (s *AccountStore) LinkProviderSubscription(ctx context.Context, link payment.SubscriptionLink) error {
	if err := ctxDone(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.links[link.ProviderSubscriptionID] = link
	return nil
}

func (s *AccountStore) UpdateSubscriptionStatus(ctx context.Context, providerSubscriptionID string, status payment.SubscriptionStatus) error {
	if err := ctxDone(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	link, ok := s.links[providerSubscriptionID]
	if !ok {
		// lifecycle events can arrive for subscriptions linked elsewhere
		link = payment.SubscriptionLink{ProviderSubscriptionID: providerSubscriptionID}
	}
	link.Status = status
	s.links[providerSubscriptionID] = link
	return nil
}

// Link returns the stored link for a provider subscription.
func (s *AccountStore) Link(providerSubscriptionID string) (payment.SubscriptionLink, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.links[providerSubscriptionID]
	return l, ok
}
