// Package models provides data model definitions for the offline POS core.
package models

import "time"

// Record is any entity persisted in a Local Store table.
type Record interface {
	RecordKey() string
}

// Meta carries the fields every locally persisted record shares.
// ID is assigned on the device and never changes; ServerID is filled in
// once the authoritative copy has been merged back.
type Meta struct {
	ID        string `json:"id"`
	ServerID  string `json:"server_id,omitempty"`
	IsOffline bool   `json:"is_offline"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
}

// RecordKey returns the stable local identifier.
func (m Meta) RecordKey() string {
	return m.ID
}

// Touch updates the UpdatedAt timestamp.
func (m *Meta) Touch(now time.Time) {
	m.UpdatedAt = now.UnixMilli()
	if m.CreatedAt == 0 {
		m.CreatedAt = m.UpdatedAt
	}
}

// CreatedAtTime returns CreatedAt as time.Time.
func (m Meta) CreatedAtTime() time.Time {
	return time.UnixMilli(m.CreatedAt)
}

// UpdatedAtTime returns UpdatedAt as time.Time.
func (m Meta) UpdatedAtTime() time.Time {
	return time.UnixMilli(m.UpdatedAt)
}
