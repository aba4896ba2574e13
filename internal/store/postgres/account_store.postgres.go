package postgres

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	derrors "github.com/Tanmoy095/PaySynapse/internal/domain/errors"
	"github.com/Tanmoy095/PaySynapse/internal/payment"
)

var (
	_ payment.UserDirectory     = (*AccountStore)(nil)
	_ payment.SubscriptionStore = (*AccountStore)(nil)
)

// AccountStore reads users and keeps provider subscription links.
type AccountStore struct {
	tx *TxManager
}

func NewAccountStore(tx *TxManager) *AccountStore {
	return &AccountStore{tx: tx}
}

func (s *AccountStore) GetUser(ctx context.Context, userID uuid.UUID) (*payment.User, error) {
	var (
		u          payment.User
		customerID sql.NullString
	)
	err := s.tx.conn(ctx).QueryRowContext(ctx, `
		SELECT id, email, name, provider_customer_id
		FROM users
		WHERE id = $1`, userID,
	).Scan(&u.ID, &u.Email, &u.Name, &customerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, derrors.NotFound("user", userID.String())
	}
	if err != nil {
		return nil, mapError("get user", err)
	}
	u.ProviderCustomerID = customerID.String
	return &u, nil
}

func (s *AccountStore) LinkProviderSubscription(ctx context.Context, link payment.SubscriptionLink) error {
	_, err := s.tx.conn(ctx).ExecContext(ctx, `
		INSERT INTO subscription_links
			(provider_subscription_id, subscription_id, user_id, provider, provider_customer_id, status, updated_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, NOW())
		ON CONFLICT (provider_subscription_id) DO UPDATE SET
			subscription_id = EXCLUDED.subscription_id,
			user_id = EXCLUDED.user_id,
			provider = EXCLUDED.provider,
			provider_customer_id = COALESCE(EXCLUDED.provider_customer_id, subscription_links.provider_customer_id),
			status = EXCLUDED.status,
			updated_at = NOW()`,
		link.ProviderSubscriptionID, link.SubscriptionID, link.UserID, link.Provider,
		link.ProviderCustomerID, string(link.Status),
	)
	return mapError("link subscription", err)
}

// UpdateSubscriptionStatus records a lifecycle status. Subscriptions not yet
// linked get a status-only row that checkout completes later.
func (s *AccountStore) UpdateSubscriptionStatus(ctx context.Context, providerSubscriptionID string, status payment.SubscriptionStatus) error {
	_, err := s.tx.conn(ctx).ExecContext(ctx, `
		INSERT INTO subscription_links (provider_subscription_id, status, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (provider_subscription_id) DO UPDATE SET
			status = EXCLUDED.status,
			updated_at = NOW()`,
		providerSubscriptionID, string(status),
	)
	return mapError("update subscription status", err)
}
