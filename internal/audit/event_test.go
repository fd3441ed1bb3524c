package audit

import (
	"strings"
	"testing"
)

func TestEventValidate(t *testing.T) {
	tests := []struct {
		name    string
		event   *Event
		wantErr error
	}{
		{
			name: "valid event",
			event: &Event{
				UserID:       "u1",
				Action:       ActionLogin,
				ResourceType: "user",
				ResourceID:   "u1",
				Status:       StatusSuccess,
			},
			wantErr: nil,
		},
		{
			name:    "nil event",
			event:   nil,
			wantErr: ErrNilEvent,
		},
		{
			name: "missing action",
			event: &Event{
				ResourceType: "user",
				Status:       StatusSuccess,
			},
			wantErr: ErrInvalidAction,
		},
		{
			name: "unknown action",
			event: &Event{
				Action:       Action("SHRED"),
				ResourceType: "user",
				Status:       StatusSuccess,
			},
			wantErr: ErrInvalidAction,
		},
		{
			name: "missing resource type",
			event: &Event{
				Action: ActionCreate,
				Status: StatusSuccess,
			},
			wantErr: ErrInvalidResourceType,
		},
		{
			name: "missing status",
			event: &Event{
				Action:       ActionCreate,
				ResourceType: "patient",
			},
			wantErr: ErrInvalidStatus,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate()
			if err != tt.wantErr {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestActionValid(t *testing.T) {
	for _, a := range []Action{
		ActionCreate, ActionRead, ActionUpdate, ActionDelete,
		ActionLogin, ActionLogout, ActionExport, ActionImport,
		ActionAccessDenied, ActionPasswordChange, ActionEmailVerify,
		ActionRoleAssign, ActionPermissionGrant,
	} {
		if !a.Valid() {
			t.Errorf("Action %q should be valid", a)
		}
	}
	if Action("").Valid() {
		t.Error("empty action should not be valid")
	}
	if Action("login").Valid() {
		t.Error("lowercase action should not be valid")
	}
}

func TestMessageRoundTrip(t *testing.T) {
	event := Event{
		UserID:       "u42",
		Action:       ActionUpdate,
		ResourceType: "configuration",
		ResourceID:   "cfg-7",
		IPAddress:    "10.0.0.4",
		Metadata:     map[string]any{"field": "retention_days"},
		Status:       StatusSuccess,
	}
	msg := NewMessage("api", true, event)

	if msg.MessageID == "" {
		t.Fatal("NewMessage should assign a message id")
	}
	if msg.Timestamp.IsZero() {
		t.Fatal("NewMessage should set a timestamp")
	}

	payload, err := msg.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	decoded, err := DecodeMessage(payload)
	if err != nil {
		t.Fatalf("DecodeMessage() error = %v", err)
	}
	if decoded.MessageID != msg.MessageID {
		t.Errorf("MessageID = %q, want %q", decoded.MessageID, msg.MessageID)
	}
	if decoded.Source != "api" {
		t.Errorf("Source = %q, want %q", decoded.Source, "api")
	}
	if !decoded.IntegrityEnabled {
		t.Error("IntegrityEnabled should survive the round trip")
	}
	if decoded.Event.Action != ActionUpdate {
		t.Errorf("Event.Action = %q, want %q", decoded.Event.Action, ActionUpdate)
	}
	if decoded.Event.ResourceID != "cfg-7" {
		t.Errorf("Event.ResourceID = %q, want %q", decoded.Event.ResourceID, "cfg-7")
	}
}

func TestDecodeMessageRejectsMalformed(t *testing.T) {
	if _, err := DecodeMessage(nil); err != ErrEmptyPayload {
		t.Errorf("DecodeMessage(nil) error = %v, want ErrEmptyPayload", err)
	}

	if _, err := DecodeMessage([]byte("{not json")); err == nil {
		t.Error("DecodeMessage should fail on malformed JSON")
	}

	// Well-formed JSON but missing the action.
	payload := []byte(`{"message_id":"m1","event":{"resource_type":"user","status":"success"}}`)
	_, err := DecodeMessage(payload)
	if err != ErrInvalidAction {
		t.Errorf("DecodeMessage() error = %v, want ErrInvalidAction", err)
	}
}

func TestMessageEncodeContainsWireFields(t *testing.T) {
	msg := NewMessage("worker-test", false, Event{
		Action:       ActionDelete,
		ResourceType: "report",
		Status:       StatusFailed,
	})
	payload, err := msg.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	for _, field := range []string{"message_id", "timestamp", "source", "integrity_enabled", "resource_type"} {
		if !strings.Contains(string(payload), field) {
			t.Errorf("encoded message missing wire field %q", field)
		}
	}
}
