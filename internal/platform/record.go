package platform

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidRecord indicates a record is missing required fields.
	ErrInvalidRecord = errors.New("platform: invalid record")
	// ErrInvalidOperation indicates an unknown write operation.
	ErrInvalidOperation = errors.New("platform: invalid operation")
)

// Operation identifies the kind of change applied to a record.
type Operation string

const (
	OperationInsert Operation = "insert"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

// ParseOperation validates a wire operation string.
func ParseOperation(raw string) (Operation, error) {
	switch Operation(strings.ToLower(strings.TrimSpace(raw))) {
	case OperationInsert:
		return OperationInsert, nil
	case OperationUpdate:
		return OperationUpdate, nil
	case OperationDelete:
		return OperationDelete, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidOperation, raw)
	}
}

// Record is the generic row shape shared by every synchronized collection.
// Collection-specific fields travel in PayloadJSON and are decoded at the
// boundary by a per-collection codec.
type Record struct {
	ID               string `gorm:"column:record_id;primaryKey;size:190;not null" json:"id"`
	Collection       string `gorm:"column:collection;primaryKey;size:190;not null;index:idx_records_scope,priority:1" json:"collection"`
	TenantID         string `gorm:"column:tenant_id;size:190;index:idx_records_scope,priority:2" json:"tenant_id"`
	SubjectID        string `gorm:"column:subject_id;size:190;index:idx_records_subject" json:"subject_id"`
	PayloadJSON      string `gorm:"column:payload_json;type:text;not null" json:"payload_json"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null" json:"updated_at_s"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "sync_records"
}

// Validate reports whether the record carries the fields a write requires.
func (r Record) Validate() error {
	if strings.TrimSpace(r.Collection) == "" {
		return fmt.Errorf("%w: collection required", ErrInvalidRecord)
	}
	if r.PayloadJSON != "" && !json.Valid([]byte(r.PayloadJSON)) {
		return fmt.Errorf("%w: payload is not valid JSON", ErrInvalidRecord)
	}
	return nil
}

// Scope restricts a fetch or subscription to matching rows. Empty fields
// match everything; a fetch and its subscription must share one Scope so
// the mirror and the feed cover the same rows.
type Scope struct {
	TenantID  string `json:"tenant_id,omitempty"`
	SubjectID string `json:"subject_id,omitempty"`
}

// Matches reports whether the record falls inside the scope.
func (s Scope) Matches(r Record) bool {
	if s.TenantID != "" && r.TenantID != s.TenantID {
		return false
	}
	if s.SubjectID != "" && r.SubjectID != s.SubjectID {
		return false
	}
	return true
}

// Event is one change-feed notification for a scoped collection.
// CorrelationID carries the client-generated id of the write that produced
// the event so the writing client can recognize its own echo.
type Event struct {
	Op            Operation `json:"op"`
	Record        Record    `json:"record"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// Tenant is one isolated customer organization, addressable by host.
type Tenant struct {
	ID         string `gorm:"column:tenant_id;primaryKey;size:190;not null"`
	Host       string `gorm:"column:host;size:320;uniqueIndex;not null"`
	IsPlatform bool   `gorm:"column:is_platform;not null;default:false"`
}

// TableName provides the explicit table binding for GORM.
func (Tenant) TableName() string {
	return "tenants"
}

// AdminProfile binds an external user id to a tenant with staff access.
type AdminProfile struct {
	ID       string `gorm:"column:profile_id;primaryKey;size:190;not null"`
	UserID   string `gorm:"column:user_id;size:190;index;not null"`
	TenantID string `gorm:"column:tenant_id;size:190;index"`
	Email    string `gorm:"column:email;size:320;index"`
}

// TableName provides the explicit table binding for GORM.
func (AdminProfile) TableName() string {
	return "admin_profiles"
}

// ClientProfile binds an external user id to a tenant as a customer. A
// profile may exist before its user id is known (created from an email
// invitation) and is linked to the user on first sign-in.
type ClientProfile struct {
	ID       string `gorm:"column:profile_id;primaryKey;size:190;not null"`
	UserID   string `gorm:"column:user_id;size:190;index"`
	TenantID string `gorm:"column:tenant_id;size:190;index;not null"`
	Email    string `gorm:"column:email;size:320;index"`
}

// TableName provides the explicit table binding for GORM.
func (ClientProfile) TableName() string {
	return "client_profiles"
}
