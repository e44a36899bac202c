// Package keystore resolves opaque API keys to accounts and manages the
// account lifecycle (onboarding, key rotation, deactivation).
package keystore

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"order-gateway-go/internal/models"
)

var (
	ErrInvalidKey       = errors.New("invalid api key")
	ErrInactiveAccount  = errors.New("account is inactive")
	ErrAccountNotFound  = errors.New("account not found")
	ErrAccountExists    = errors.New("account already exists")
	ErrRotationConflict = errors.New("api key changed during rotation")
)

// Resolver is the read side used by the request path.
type Resolver interface {
	Resolve(ctx context.Context, apiKey string) (models.Account, error)
}

// Store implements Resolver on top of the accounts table.
type Store struct {
	db     *gorm.DB
	pepper []byte
	logger *zap.Logger
}

var _ Resolver = (*Store)(nil)

// NewStore creates a key store. pepper must be the same value for every
// process sharing the database.
func NewStore(db *gorm.DB, pepper string, logger *zap.Logger) *Store {
	return &Store{db: db, pepper: []byte(pepper), logger: logger.Named("keystore")}
}

// hash derives the stored form of a key: HMAC-SHA256 keyed with the pepper.
func (s *Store) hash(apiKey string) string {
	h := hmac.New(sha256.New, s.pepper)
	h.Write([]byte(apiKey))
	return hex.EncodeToString(h.Sum(nil))
}

// Resolve returns the active account owning apiKey.
func (s *Store) Resolve(ctx context.Context, apiKey string) (models.Account, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return models.Account{}, ErrInvalidKey
	}
	digest := s.hash(apiKey)

	var account models.Account
	err := s.db.WithContext(ctx).Where("api_key_hash = ?", digest).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Account{}, ErrInvalidKey
	}
	if err != nil {
		return models.Account{}, fmt.Errorf("resolve api key: %w", err)
	}
	// The lookup matched on the digest; compare it again in constant time so the
	// decision never depends on a variable-time string comparison.
	if !hmac.Equal([]byte(account.APIKeyHash), []byte(digest)) {
		return models.Account{}, ErrInvalidKey
	}
	if !account.IsActive {
		return models.Account{}, ErrInactiveAccount
	}
	return account, nil
}

// NewAccount describes an account to onboard.
type NewAccount struct {
	Username string
	Email    string
	Broker   string
}

// Create onboards an account and returns it together with its raw API key.
// The raw key is not recoverable afterwards.
func (s *Store) Create(ctx context.Context, in NewAccount) (models.Account, string, error) {
	if in.Username == "" || in.Email == "" {
		return models.Account{}, "", errors.New("username and email are required")
	}
	key, err := generateKey()
	if err != nil {
		return models.Account{}, "", err
	}
	account := models.Account{
		Username:   in.Username,
		Email:      in.Email,
		Broker:     in.Broker,
		APIKeyHash: s.hash(key),
		IsActive:   true,
	}
	if err := s.db.WithContext(ctx).Create(&account).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return models.Account{}, "", ErrAccountExists
		}
		return models.Account{}, "", fmt.Errorf("create account: %w", err)
	}
	s.logger.Info("Account created", zap.Uint("account_id", account.ID), zap.String("username", account.Username))
	return account, key, nil
}

// RotateKey issues a new key for the account. The update is conditional on the
// current hash, so the old key stops resolving in the same statement that
// installs the new one.
func (s *Store) RotateKey(ctx context.Context, accountID uint) (string, error) {
	account, err := s.Get(ctx, accountID)
	if err != nil {
		return "", err
	}
	key, err := generateKey()
	if err != nil {
		return "", err
	}
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&models.Account{}).
		Where("id = ? AND api_key_hash = ?", account.ID, account.APIKeyHash).
		Updates(map[string]any{"api_key_hash": s.hash(key), "key_rotated_at": now})
	if res.Error != nil {
		return "", fmt.Errorf("rotate api key: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return "", ErrRotationConflict
	}
	s.logger.Info("API key rotated", zap.Uint("account_id", account.ID))
	return key, nil
}

// Deactivate revokes the account; its key stops resolving immediately.
func (s *Store) Deactivate(ctx context.Context, accountID uint) error {
	return s.setActive(ctx, accountID, false)
}

// Activate re-enables a deactivated account.
func (s *Store) Activate(ctx context.Context, accountID uint) error {
	return s.setActive(ctx, accountID, true)
}

func (s *Store) setActive(ctx context.Context, accountID uint, active bool) error {
	res := s.db.WithContext(ctx).Model(&models.Account{}).Where("id = ?", accountID).Update("is_active", active)
	if res.Error != nil {
		return fmt.Errorf("update account: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrAccountNotFound
	}
	s.logger.Info("Account activation changed", zap.Uint("account_id", accountID), zap.Bool("active", active))
	return nil
}

// Get loads an account by id.
func (s *Store) Get(ctx context.Context, accountID uint) (models.Account, error) {
	var account models.Account
	err := s.db.WithContext(ctx).First(&account, accountID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Account{}, ErrAccountNotFound
	}
	if err != nil {
		return models.Account{}, fmt.Errorf("get account: %w", err)
	}
	return account, nil
}

// List returns all accounts ordered by id.
func (s *Store) List(ctx context.Context) ([]models.Account, error) {
	var accounts []models.Account
	if err := s.db.WithContext(ctx).Order("id").Find(&accounts).Error; err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	return accounts, nil
}

func generateKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate api key: %w", err)
	}
	return hex.EncodeToString(b), nil
}
