// Package models tests for sync item, payload and batch models.
package models

import (
	"encoding/json"
	"strings"
	"testing"

	apperrors "github.com/kimhsiao/reportsync/internal/errors"
)

func int64Ptr(v int64) *int64 { return &v }

// =====================================================
// ItemType Tests
// =====================================================

// TestParseItemType verifies known and unknown type names.
func TestParseItemType(t *testing.T) {
	tests := []struct {
		in      string
		want    ItemType
		wantErr bool
	}{
		{"report", ItemTypeReport, false},
		{"user", ItemTypeUser, false},
		{"log", ItemTypeLog, false},
		{"content", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseItemType(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseItemType(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseItemType(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

// =====================================================
// Payload Tests
// =====================================================

// TestPayload_Identifier verifies users are identified by uid and the rest by id.
func TestPayload_Identifier(t *testing.T) {
	if got := (&ReportPayload{ID: "r-1"}).Identifier(); got != "r-1" {
		t.Errorf("report Identifier() = %q, want r-1", got)
	}
	if got := (&UserPayload{UID: "u-1"}).Identifier(); got != "u-1" {
		t.Errorf("user Identifier() = %q, want u-1", got)
	}
	if got := (&LogPayload{ID: "l-1"}).Identifier(); got != "l-1" {
		t.Errorf("log Identifier() = %q, want l-1", got)
	}
}

// TestWithForceOverwrite verifies the marker is set on a copy only.
func TestWithForceOverwrite(t *testing.T) {
	orig := &ReportPayload{ID: "r-1", TeacherID: "t-1", Title: "Week 3", Attachments: []string{"a.png"}}

	forced := WithForceOverwrite(orig)

	if !forced.ForceOverwrite() {
		t.Error("ForceOverwrite() = false on forced copy, want true")
	}
	if orig.ForceOverwrite() {
		t.Error("original payload was modified")
	}
	forced.(*ReportPayload).Attachments[0] = "b.png"
	if orig.Attachments[0] != "a.png" {
		t.Error("forced copy shares attachments with original")
	}
}

// TestWithForceOverwrite_JSON verifies the marker travels in the payload body.
func TestWithForceOverwrite_JSON(t *testing.T) {
	forced := WithForceOverwrite(&LogPayload{ID: "l-1", Action: "login"})

	data, err := json.Marshal(forced)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if !strings.Contains(string(data), `"forceOverwrite":true`) {
		t.Errorf("payload JSON = %s, want forceOverwrite marker", data)
	}
}

// TestDecodePayload verifies the type tag selects the concrete payload.
func TestDecodePayload(t *testing.T) {
	p, err := DecodePayload(ItemTypeUser, json.RawMessage(`{"uid":"u-9","email":"a@b.co","displayName":"A","role":"teacher"}`))
	if err != nil {
		t.Fatalf("DecodePayload failed: %v", err)
	}
	user, ok := p.(*UserPayload)
	if !ok {
		t.Fatalf("DecodePayload returned %T, want *UserPayload", p)
	}
	if user.UID != "u-9" {
		t.Errorf("UID = %q, want u-9", user.UID)
	}

	if _, err := DecodePayload("content", json.RawMessage(`{}`)); err == nil {
		t.Error("DecodePayload with unknown type should fail")
	}
	if _, err := DecodePayload(ItemTypeLog, nil); err == nil {
		t.Error("DecodePayload with empty body should fail")
	}
}

// =====================================================
// Validation Tests
// =====================================================

// TestValidatePayload checks struct tag validation per payload type.
func TestValidatePayload(t *testing.T) {
	tests := []struct {
		name    string
		payload Payload
		wantErr bool
	}{
		{"valid report", &ReportPayload{TeacherID: "t-1", Title: "Week 1"}, false},
		{"report without title", &ReportPayload{TeacherID: "t-1"}, true},
		{"report with bad status", &ReportPayload{TeacherID: "t-1", Title: "x", Status: "lost"}, true},
		{"valid user", &UserPayload{Email: "a@b.co", DisplayName: "A", Role: "admin"}, false},
		{"user with bad email", &UserPayload{Email: "nope", DisplayName: "A", Role: "admin"}, true},
		{"user with bad role", &UserPayload{Email: "a@b.co", DisplayName: "A", Role: "janitor"}, true},
		{"valid log", &LogPayload{Action: "login", Level: "info"}, false},
		{"log without action", &LogPayload{Level: "info"}, true},
		{"nil report", (*ReportPayload)(nil), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidatePayload(tt.payload)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidatePayload() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// TestValidatePayload_ErrorCode verifies validation failures carry VALIDATION_ERROR
// and name the JSON field.
func TestValidatePayload_ErrorCode(t *testing.T) {
	err := ValidatePayload(&UserPayload{Email: "a@b.co", Role: "teacher"})
	if !apperrors.Is(err, apperrors.ErrValidation) {
		t.Fatalf("error = %v, want VALIDATION_ERROR", err)
	}
	if !strings.Contains(err.Error(), "displayName") {
		t.Errorf("error = %q, want it to mention displayName", err.Error())
	}
}

// =====================================================
// SyncItem Tests
// =====================================================

// TestSyncItem_TableName verifies table name.
func TestSyncItem_TableName(t *testing.T) {
	if (SyncItem{}).TableName() != "sync_queue" {
		t.Errorf("TableName() = %q, want 'sync_queue'", (SyncItem{}).TableName())
	}
}

// TestSyncItem_UpdatedAt verifies the payload timestamp wins over createdAt.
func TestSyncItem_UpdatedAt(t *testing.T) {
	item := &SyncItem{CreatedAt: 1000, Payload: &ReportPayload{UpdatedAt: int64Ptr(5000)}}
	if got := item.UpdatedAt(); got != 5000 {
		t.Errorf("UpdatedAt() = %d, want 5000", got)
	}

	item = &SyncItem{CreatedAt: 1000, Payload: &ReportPayload{}}
	if got := item.UpdatedAt(); got != 1000 {
		t.Errorf("UpdatedAt() without payload timestamp = %d, want 1000", got)
	}
}

// TestSyncItem_RetryEligible verifies pending and failed items are picked up.
func TestSyncItem_RetryEligible(t *testing.T) {
	want := map[ItemStatus]bool{
		StatusPending:  true,
		StatusFailed:   true,
		StatusSyncing:  false,
		StatusConflict: false,
	}
	for status, eligible := range want {
		item := &SyncItem{Status: status}
		if item.RetryEligible() != eligible {
			t.Errorf("RetryEligible() for %s = %v, want %v", status, !eligible, eligible)
		}
	}
}

// TestSyncItem_UnmarshalJSON verifies the payload is decoded by the type tag.
func TestSyncItem_UnmarshalJSON(t *testing.T) {
	orig := &SyncItem{
		ID:         "r-1",
		Type:       ItemTypeReport,
		Payload:    &ReportPayload{ID: "r-1", TeacherID: "t-1", Title: "Week 2"},
		Status:     StatusConflict,
		RetryCount: 2,
		CreatedAt:  1700000000000,
		Error:      "server has newer version",
	}

	data, err := json.Marshal(orig)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var got SyncItem
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	report, ok := got.Payload.(*ReportPayload)
	if !ok {
		t.Fatalf("Payload type = %T, want *ReportPayload", got.Payload)
	}
	if report.Title != "Week 2" {
		t.Errorf("Title = %q, want 'Week 2'", report.Title)
	}
	if got.Status != StatusConflict || got.RetryCount != 2 || got.Error != orig.Error {
		t.Errorf("decoded item = %+v, want fields of %+v", got, orig)
	}
}

// TestSyncItem_UnmarshalJSON_unknownType verifies unknown tags are rejected.
func TestSyncItem_UnmarshalJSON_unknownType(t *testing.T) {
	var got SyncItem
	err := json.Unmarshal([]byte(`{"id":"x","type":"memo","payload":{}}`), &got)
	if err == nil {
		t.Error("Unmarshal with unknown type should fail")
	}
}

// TestSyncItem_Clone verifies clones do not share payload or timestamps.
func TestSyncItem_Clone(t *testing.T) {
	orig := &SyncItem{ID: "l-1", Type: ItemTypeLog, Payload: &LogPayload{ID: "l-1", Action: "a"}, LastAttempt: int64Ptr(10)}

	cp := orig.Clone()
	cp.Payload.(*LogPayload).Action = "b"
	*cp.LastAttempt = 20

	if orig.Payload.(*LogPayload).Action != "a" {
		t.Error("Clone shares payload with original")
	}
	if *orig.LastAttempt != 10 {
		t.Error("Clone shares LastAttempt with original")
	}
}

// =====================================================
// Batch Tests
// =====================================================

// TestNewBatchRequest verifies the wire shape of an upload.
func TestNewBatchRequest(t *testing.T) {
	items := []*SyncItem{
		{ID: "r-1", Type: ItemTypeReport, Payload: &ReportPayload{ID: "r-1", TeacherID: "t", Title: "x", UpdatedAt: int64Ptr(2000)}, CreatedAt: 1000},
		{ID: "l-1", Type: ItemTypeLog, Payload: &LogPayload{ID: "l-1", Action: "a"}, CreatedAt: 1500},
	}

	req, err := NewBatchRequest("device-1", items)
	if err != nil {
		t.Fatalf("NewBatchRequest failed: %v", err)
	}

	data, _ := json.Marshal(req)
	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if decoded["device_id"] != "device-1" {
		t.Errorf("device_id = %v, want device-1", decoded["device_id"])
	}

	wire := decoded["items"].([]interface{})
	if len(wire) != 2 {
		t.Fatalf("len(items) = %d, want 2", len(wire))
	}
	first := wire[0].(map[string]interface{})
	if first["type"] != "report" || first["id"] != "r-1" {
		t.Errorf("first item = %v, want report r-1", first)
	}
	if first["updatedAt"].(float64) != 2000 {
		t.Errorf("first updatedAt = %v, want 2000", first["updatedAt"])
	}
	second := wire[1].(map[string]interface{})
	if second["updatedAt"].(float64) != 1500 {
		t.Errorf("second updatedAt = %v, want createdAt 1500", second["updatedAt"])
	}
}

// TestBatchResponse_Missing verifies ids without results are reported.
func TestBatchResponse_Missing(t *testing.T) {
	resp := &BatchResponse{Results: []BatchResult{{ID: "b", Status: ResultOK}, {ID: "a", Status: ResultConflict}}}

	if missing := resp.Missing([]string{"a", "b"}); len(missing) != 0 {
		t.Errorf("Missing() = %v, want none", missing)
	}
	missing := resp.Missing([]string{"a", "b", "c"})
	if len(missing) != 1 || missing[0] != "c" {
		t.Errorf("Missing() = %v, want [c]", missing)
	}
}
