package models

import "time"

// Tenant owns a retrieval partition and an optional custom response prompt.
type Tenant struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	Partition    string    `json:"partition"`
	SystemPrompt string    `json:"system_prompt"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Profile is an end user of a tenant, keyed by the identity provider subject.
type Profile struct {
	ID        int64     `json:"id"`
	TenantID  int64     `json:"tenant_id"`
	Subject   string    `json:"subject"`
	CreatedAt time.Time `json:"created_at"`
}

// TenantAPIKey is a provider credential owned by a tenant; the key itself is
// never returned to clients.
type TenantAPIKey struct {
	ID        int64     `json:"id"`
	TenantID  int64     `json:"tenant_id"`
	Provider  string    `json:"provider"`
	CreatedAt time.Time `json:"created_at"`
}
