// Package audit defines the audit event and record model shared by the
// delivery adapters, background workers, and the secure audit store.
package audit

import (
	"errors"
	"time"
)

// Action identifies the kind of operation an audit event describes.
type Action string

// Actions recognized by the audit pipeline.
const (
	ActionCreate          Action = "CREATE"
	ActionRead            Action = "READ"
	ActionUpdate          Action = "UPDATE"
	ActionDelete          Action = "DELETE"
	ActionLogin           Action = "LOGIN"
	ActionLogout          Action = "LOGOUT"
	ActionExport          Action = "EXPORT"
	ActionImport          Action = "IMPORT"
	ActionAccessDenied    Action = "ACCESS_DENIED"
	ActionPasswordChange  Action = "PASSWORD_CHANGE"
	ActionEmailVerify     Action = "EMAIL_VERIFY"
	ActionRoleAssign      Action = "ROLE_ASSIGN"
	ActionPermissionGrant Action = "PERMISSION_GRANT"
)

// validActions is the whitelist of accepted actions.
var validActions = map[Action]bool{
	ActionCreate:          true,
	ActionRead:            true,
	ActionUpdate:          true,
	ActionDelete:          true,
	ActionLogin:           true,
	ActionLogout:          true,
	ActionExport:          true,
	ActionImport:          true,
	ActionAccessDenied:    true,
	ActionPasswordChange:  true,
	ActionEmailVerify:     true,
	ActionRoleAssign:      true,
	ActionPermissionGrant: true,
}

// Valid reports whether the action is one of the recognized values.
func (a Action) Valid() bool {
	return validActions[a]
}

// Status describes the outcome of the audited operation.
type Status string

// Outcome values for audit events.
const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusError   Status = "error"
)

// Valid reports whether the status is one of the recognized values.
func (s Status) Valid() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusError
}

// Validation errors for audit events.
var (
	ErrNilEvent            = errors.New("audit event cannot be nil")
	ErrInvalidAction       = errors.New("action is missing or not recognized")
	ErrInvalidResourceType = errors.New("resource type cannot be empty")
	ErrInvalidStatus       = errors.New("status is missing or not recognized")
)

// Event is a single audit event as produced by a request-handling
// collaborator. It is immutable once constructed and consumed exactly once
// by a delivery adapter.
type Event struct {
	UserID       string         `json:"user_id,omitempty"`
	Action       Action         `json:"action"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id,omitempty"`
	IPAddress    string         `json:"ip_address,omitempty"`
	UserAgent    string         `json:"user_agent,omitempty"`
	SessionID    string         `json:"session_id,omitempty"`
	OldValues    map[string]any `json:"old_values,omitempty"`
	NewValues    map[string]any `json:"new_values,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Status       Status         `json:"status"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

// Validate checks the minimal required shape of an event before it is
// accepted by an adapter or worker.
func (e *Event) Validate() error {
	if e == nil {
		return ErrNilEvent
	}
	if !e.Action.Valid() {
		return ErrInvalidAction
	}
	if e.ResourceType == "" {
		return ErrInvalidResourceType
	}
	if !e.Status.Valid() {
		return ErrInvalidStatus
	}
	return nil
}

// Envelope is the cryptographic security envelope computed for a record at
// append time. ChainHash binds DataHash to the previous record's ChainHash,
// forming the tamper-evident chain.
type Envelope struct {
	DataHash       string `json:"data_hash"`
	PreviousHash   string `json:"previous_hash,omitempty"`
	ChainHash      string `json:"chain_hash"`
	Signature      string `json:"digital_signature"`
	SigningKeyID   string `json:"signing_key_id"`
	SequenceNumber int64  `json:"sequence_number"`
}

// Record is a persisted audit record: the event, its envelope, and the
// verification bookkeeping maintained by integrity scans. Records are never
// mutated except to refresh IntegrityVerified/LastVerifiedAt, and never
// deleted outside the explicit retention cleanup.
type Record struct {
	ID string `json:"id"`
	Event
	Envelope
	IntegrityVerified bool      `json:"integrity_verified"`
	LastVerifiedAt    time.Time `json:"last_verified_at"`
	CreatedAt         time.Time `json:"created_at"`
}
