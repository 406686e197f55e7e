package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"corpuschat/internal/models"
)

func tenantKey(id int64) string { return fmt.Sprintf("tenant:%d:record", id) }
func tenantTag(id int64) string { return fmt.Sprintf("tenant:%d", id) }

// UpsertTenant inserts or refreshes a tenant row.
func (s *Store) UpsertTenant(ctx context.Context, t models.Tenant) error {
	if t.ID <= 0 || strings.TrimSpace(t.Name) == "" {
		return errors.New("tenant id and name are required")
	}
	if t.Partition == "" {
		t.Partition = fmt.Sprintf("tenant-%d", t.ID)
	}
	now := s.now()

	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM tenants WHERE id = ?)`, t.ID).Scan(&exists); err != nil {
		return fmt.Errorf("verify tenant: %w", err)
	}
	var err error
	if exists {
		_, err = s.db.ExecContext(ctx,
			`UPDATE tenants SET name = ?, partition_key = ?, system_prompt = ?, updated_at = ? WHERE id = ?`,
			t.Name, t.Partition, t.SystemPrompt, now, t.ID,
		)
	} else {
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO tenants (id, name, partition_key, system_prompt, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
			t.ID, t.Name, t.Partition, t.SystemPrompt, now, now,
		)
	}
	if err != nil {
		return fmt.Errorf("upsert tenant: %w", err)
	}
	s.invalidateTenant(ctx, t.ID)
	return nil
}

// GetTenant reads a tenant, through the cache when one is configured.
func (s *Store) GetTenant(ctx context.Context, id int64) (*models.Tenant, error) {
	if s.cache != nil {
		var cached models.Tenant
		if err := s.cache.GetJSON(ctx, tenantKey(id), &cached); err == nil && cached.ID == id {
			return &cached, nil
		}
	}

	var t models.Tenant
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, partition_key, system_prompt, created_at, updated_at FROM tenants WHERE id = ?`, id,
	).Scan(&t.ID, &t.Name, &t.Partition, &t.SystemPrompt, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("get tenant: %w", err)
	}

	if s.cache != nil {
		_ = s.cache.SetTagged(ctx, tenantKey(id), t, s.cacheTTL, tenantTag(id))
	}
	return &t, nil
}

// UpdateTenantPrompt replaces the tenant's custom response prompt. An empty
// prompt restores the default.
func (s *Store) UpdateTenantPrompt(ctx context.Context, id int64, prompt string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tenants SET system_prompt = ?, updated_at = ? WHERE id = ?`,
		strings.TrimSpace(prompt), s.now(), id,
	)
	if err != nil {
		return fmt.Errorf("update tenant prompt: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("tenant rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	s.invalidateTenant(ctx, id)
	return nil
}

// EnsureProfile returns the profile for subject, creating it on first sight.
func (s *Store) EnsureProfile(ctx context.Context, tenantID int64, subject string) (*models.Profile, error) {
	subject = strings.TrimSpace(subject)
	if tenantID <= 0 || subject == "" {
		return nil, errors.New("tenant_id and subject are required")
	}
	p, err := s.profileBySubject(ctx, tenantID, subject)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO profiles (tenant_id, subject, created_at) VALUES (?, ?, ?)`,
		tenantID, subject, now,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return s.profileBySubject(ctx, tenantID, subject)
		}
		return nil, fmt.Errorf("create profile: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("profile id: %w", err)
	}
	return &models.Profile{ID: id, TenantID: tenantID, Subject: subject, CreatedAt: now}, nil
}

func (s *Store) profileBySubject(ctx context.Context, tenantID int64, subject string) (*models.Profile, error) {
	var p models.Profile
	err := s.db.QueryRowContext(ctx,
		`SELECT id, tenant_id, subject, created_at FROM profiles WHERE tenant_id = ? AND subject = ?`,
		tenantID, subject,
	).Scan(&p.ID, &p.TenantID, &p.Subject, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return &p, nil
}

func (s *Store) invalidateTenant(ctx context.Context, id int64) {
	if s.cache == nil {
		return
	}
	_ = s.cache.InvalidateTags(ctx, tenantTag(id))
}
