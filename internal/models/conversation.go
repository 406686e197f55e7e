package models

import "time"

// Conversation belongs to exactly one tenant and one profile.
type Conversation struct {
	ID        int64     `json:"id"`
	TenantID  int64     `json:"tenant_id"`
	ProfileID int64     `json:"profile_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
