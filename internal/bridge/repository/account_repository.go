package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"gmail-bridge/internal/bridge/domain"

	"gorm.io/gorm"
)

// Sealer encrypts credentials at rest.
type Sealer interface {
	Seal(plaintext []byte) (string, error)
	Open(sealed string) ([]byte, error)
}

type accountRepository struct {
	db     *gorm.DB
	sealer Sealer
}

func NewAccountRepository(db *gorm.DB, sealer Sealer) AccountRepository {
	return &accountRepository{db: db, sealer: sealer}
}

func (r *accountRepository) FindByOwner(ctx context.Context, ownerID string) (*domain.Account, error) {
	return r.findOne(ctx, "owner_id = ?", ownerID)
}

func (r *accountRepository) FindByEmail(ctx context.Context, email string) (*domain.Account, error) {
	return r.findOne(ctx, "email_address = ?", strings.ToLower(email))
}

func (r *accountRepository) findOne(ctx context.Context, query string, arg string) (*domain.Account, error) {
	var account domain.Account
	err := r.db.WithContext(ctx).Where(query, arg).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if err := r.open(&account); err != nil {
		return nil, err
	}
	return &account, nil
}

func (r *accountRepository) ListByStates(ctx context.Context, states ...domain.AuthState) ([]*domain.Account, error) {
	var accounts []*domain.Account
	if err := r.db.WithContext(ctx).Where("state IN ?", states).Order("owner_id").Find(&accounts).Error; err != nil {
		return nil, err
	}
	for _, a := range accounts {
		if err := r.open(a); err != nil {
			return nil, err
		}
	}
	return accounts, nil
}

func (r *accountRepository) Create(ctx context.Context, account *domain.Account) error {
	if err := r.seal(account); err != nil {
		return err
	}
	now := time.Now().UTC()
	account.EmailAddress = strings.ToLower(account.EmailAddress)
	account.CreatedAt = now
	account.UpdatedAt = now
	account.Version = 1
	if account.State == "" {
		account.State = domain.AuthUnauthenticated
	}
	return r.db.WithContext(ctx).Create(account).Error
}

func (r *accountRepository) Update(ctx context.Context, account *domain.Account) error {
	if err := r.seal(account); err != nil {
		return err
	}
	now := time.Now().UTC()
	result := r.db.WithContext(ctx).Model(&domain.Account{}).
		Where("owner_id = ? AND version = ?", account.OwnerID, account.Version).
		Updates(map[string]interface{}{
			"email_address":   strings.ToLower(account.EmailAddress),
			"display_name":    account.DisplayName,
			"send_as":         account.SendAs,
			"state":           account.State,
			"credential":      account.SealedCredential,
			"sync_cursor":     account.Cursor,
			"control_room_id": account.ControlRoomID,
			"version":         account.Version + 1,
			"updated_at":      now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", domain.ErrStaleAccount, account.OwnerID)
	}
	account.Version++
	account.UpdatedAt = now
	return nil
}

func (r *accountRepository) UpdateCredential(ctx context.Context, ownerID string, cred *domain.Credential) error {
	sealed, err := r.sealCredential(cred)
	if err != nil {
		return err
	}
	result := r.db.WithContext(ctx).Model(&domain.Account{}).
		Where("owner_id = ?", ownerID).
		Updates(map[string]interface{}{
			"credential": sealed,
			"version":    gorm.Expr("version + 1"),
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("account %s: %w", ownerID, domain.ErrNotFound)
	}
	return nil
}

func (r *accountRepository) AdvanceCursor(ctx context.Context, ownerID, expected, next string) error {
	result := r.db.WithContext(ctx).Model(&domain.Account{}).
		Where("owner_id = ? AND sync_cursor = ?", ownerID, expected).
		Updates(map[string]interface{}{
			"sync_cursor": next,
			"version":     gorm.Expr("version + 1"),
			"updated_at":  time.Now().UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s expected %q", domain.ErrCursorConflict, ownerID, expected)
	}
	return nil
}

func (r *accountRepository) seal(account *domain.Account) error {
	sealed, err := r.sealCredential(account.Credential)
	if err != nil {
		return err
	}
	account.SealedCredential = sealed
	return nil
}

func (r *accountRepository) sealCredential(cred *domain.Credential) (string, error) {
	if cred == nil {
		return "", nil
	}
	plain, err := json.Marshal(cred)
	if err != nil {
		return "", err
	}
	sealed, err := r.sealer.Seal(plain)
	if err != nil {
		return "", fmt.Errorf("unable to seal credential: %v", err)
	}
	return sealed, nil
}

func (r *accountRepository) open(account *domain.Account) error {
	if account.SealedCredential == "" {
		account.Credential = nil
		return nil
	}
	plain, err := r.sealer.Open(account.SealedCredential)
	if err != nil {
		return fmt.Errorf("unable to open credential of %s: %v", account.OwnerID, err)
	}
	var cred domain.Credential
	if err := json.Unmarshal(plain, &cred); err != nil {
		return err
	}
	account.Credential = &cred
	return nil
}
