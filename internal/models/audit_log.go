package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event types for audit logging
const (
	AuditEventTypeLockout     = "lockout"
	AuditEventTypeAdminUnlock = "admin_unlock"
	AuditEventTypeRateLimit   = "rate_limit"
)

// Actions
const (
	AuditActionLock   = "lock"
	AuditActionUnlock = "unlock"
	AuditActionReset  = "reset"
	AuditActionBlock  = "block"
)

type AuditLog struct {
	ID            uuid.UUID     `db:"id" json:"id"`
	EventType     string        `db:"event_type" json:"event_type"`
	Identity      *string       `db:"identity" json:"identity,omitempty"`
	AdminID       *string       `db:"admin_id" json:"admin_id,omitempty"`
	Action        string        `db:"action" json:"action"`
	Success       bool          `db:"success" json:"success"`
	FailureReason *string       `db:"failure_reason" json:"failure_reason,omitempty"`
	IPAddress     *string       `db:"ip_address" json:"ip_address,omitempty"`
	UserAgent     *string       `db:"user_agent" json:"user_agent,omitempty"`
	Metadata      AuditMetadata `db:"metadata" json:"metadata,omitempty"`
	CreatedAt     time.Time     `db:"created_at" json:"created_at"`
}

// AuditMetadata holds additional context for audit events
type AuditMetadata map[string]interface{}

// Scan implements sql.Scanner for JSONB
func (am *AuditMetadata) Scan(value interface{}) error {
	if value == nil {
		*am = make(AuditMetadata)
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return ErrBadRequest
	}

	var m map[string]interface{}
	if err := json.Unmarshal(bytes, &m); err != nil {
		return err
	}
	*am = AuditMetadata(m)
	return nil
}

// Value implements driver.Valuer for JSONB
func (am AuditMetadata) Value() (driver.Value, error) {
	if am == nil {
		return nil, nil
	}
	return json.Marshal(am)
}

// MarshalJSON implements json.Marshaler
func (am AuditMetadata) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]interface{}(am))
}

// UnmarshalJSON implements json.Unmarshaler
func (am *AuditMetadata) UnmarshalJSON(data []byte) error {
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	*am = AuditMetadata(m)
	return nil
}
