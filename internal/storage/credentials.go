package storage

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"corpuschat/internal/models"
)

var (
	errInvalidCiphertext = errors.New("invalid token ciphertext")
	// ErrCredentialsDisabled is returned when no credential key is configured.
	ErrCredentialsDisabled = errors.New("credential storage is disabled")
)

// TokenCipher seals tenant provider keys with AES-GCM.
type TokenCipher struct {
	aead cipher.AEAD
}

// NewTokenCipher accepts a 32 byte key, raw or base64 encoded.
func NewTokenCipher(raw string) (*TokenCipher, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, errors.New("credential key not set")
	}
	key, err := decodeKey(raw)
	if err != nil {
		return nil, fmt.Errorf("decode credential key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return &TokenCipher{aead: aead}, nil
}

func decodeKey(raw string) ([]byte, error) {
	if len(raw) == 32 {
		return []byte(raw), nil
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, err
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("invalid key length %d, want 32", len(key))
	}
	return key, nil
}

func (c *TokenCipher) Encrypt(plain string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plain), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (c *TokenCipher) Decrypt(input string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(input)
	if err != nil {
		return "", errInvalidCiphertext
	}
	ns := c.aead.NonceSize()
	if len(data) < ns {
		return "", errInvalidCiphertext
	}
	plain, err := c.aead.Open(nil, data[:ns], data[ns:], nil)
	if err != nil {
		return "", errInvalidCiphertext
	}
	return string(plain), nil
}

// SetTenantAPIKey stores or replaces the tenant's key for a provider.
func (s *Store) SetTenantAPIKey(ctx context.Context, tenantID int64, provider, key string) error {
	if s.cipher == nil {
		return ErrCredentialsDisabled
	}
	provider = strings.TrimSpace(provider)
	key = strings.TrimSpace(key)
	if tenantID <= 0 || provider == "" || key == "" {
		return errors.New("tenant_id, provider and key are required")
	}
	sealed, err := s.cipher.Encrypt(key)
	if err != nil {
		return fmt.Errorf("encrypt key: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM tenant_api_keys WHERE tenant_id = ? AND provider = ?`, tenantID, provider,
	); err != nil {
		return fmt.Errorf("replace key: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO tenant_api_keys (tenant_id, provider, api_key, created_at) VALUES (?, ?, ?, ?)`,
		tenantID, provider, sealed, s.now(),
	); err != nil {
		return fmt.Errorf("store key: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit key: %w", err)
	}
	return nil
}

// TenantAPIKey returns the decrypted key, or "" when the tenant has none.
func (s *Store) TenantAPIKey(ctx context.Context, tenantID int64, provider string) (string, error) {
	if s.cipher == nil {
		return "", nil
	}
	var sealed string
	err := s.db.QueryRowContext(ctx,
		`SELECT api_key FROM tenant_api_keys WHERE tenant_id = ? AND provider = ?`, tenantID, provider,
	).Scan(&sealed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("lookup api key: %w", err)
	}
	plain, err := s.cipher.Decrypt(sealed)
	if err != nil {
		return "", fmt.Errorf("decrypt api key for %s: %w", provider, err)
	}
	return plain, nil
}

// ListTenantAPIKeys lists which providers have a tenant key, without the keys.
func (s *Store) ListTenantAPIKeys(ctx context.Context, tenantID int64) ([]models.TenantAPIKey, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, tenant_id, provider, created_at FROM tenant_api_keys WHERE tenant_id = ? ORDER BY provider`,
		tenantID,
	)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	keys := make([]models.TenantAPIKey, 0)
	for rows.Next() {
		var k models.TenantAPIKey
		if err := rows.Scan(&k.ID, &k.TenantID, &k.Provider, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// DeleteTenantAPIKey returns sql.ErrNoRows when nothing was stored.
func (s *Store) DeleteTenantAPIKey(ctx context.Context, tenantID int64, provider string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tenant_api_keys WHERE tenant_id = ? AND provider = ?`, tenantID, provider,
	)
	if err != nil {
		return fmt.Errorf("delete api key: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return sql.ErrNoRows
	}
	return nil
}
