package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/quantforge/quantforge/internal/models"
)

// CredentialRepo selects signing material per subaccount. The core
// never inspects the material itself.
type CredentialRepo struct {
	store *Store
}

// NewCredentialRepo binds the repo to a store.
func NewCredentialRepo(s *Store) *CredentialRepo {
	return &CredentialRepo{store: s}
}

// GetActive returns the newest active, unexpired credential for a
// subaccount, or nil when none exists.
func (r *CredentialRepo) GetActive(ctx context.Context, subaccountID string) (*models.Credential, error) {
	ctx, cancel := r.store.queryCtx(ctx)
	defer cancel()

	var c models.Credential
	err := r.store.db.GetContext(ctx, &c, `
		SELECT id, subaccount_id, api_key, api_secret, is_active,
			expires_at, created_at
		FROM credentials
		WHERE subaccount_id = $1 AND is_active
			AND (expires_at IS NULL OR expires_at > now())
		ORDER BY created_at DESC
		LIMIT 1`, subaccountID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get credential for %s: %w", subaccountID, err)
	}
	return &c, nil
}
