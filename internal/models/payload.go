// Package models provides data model definitions for the report sync engine.
package models

import (
	"encoding/json"
	"fmt"
)

// ItemType is the domain category of a queued record.
type ItemType string

const (
	ItemTypeReport ItemType = "report"
	ItemTypeUser   ItemType = "user"
	ItemTypeLog    ItemType = "log"
)

// Valid reports whether t is one of the known item types.
func (t ItemType) Valid() bool {
	switch t {
	case ItemTypeReport, ItemTypeUser, ItemTypeLog:
		return true
	}
	return false
}

// ParseItemType converts a string into an ItemType.
func ParseItemType(s string) (ItemType, error) {
	t := ItemType(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown item type %q", s)
	}
	return t, nil
}

// Payload is the typed body of a queued record. The set of implementations is
// closed: ReportPayload, UserPayload and LogPayload.
type Payload interface {
	// Type returns the tag used on the wire and in the queue.
	Type() ItemType
	// Identifier returns the record's own id, or "" when it has none.
	Identifier() string
	// UpdatedAtMillis returns the record's modification time when it carries one.
	UpdatedAtMillis() (int64, bool)
	// ForceOverwrite reports whether the server must accept this version
	// regardless of its own copy.
	ForceOverwrite() bool

	clone() Payload
	withForceOverwrite() Payload
	withIdentifier(id string) Payload
}

// ReportPayload is a teacher report.
type ReportPayload struct {
	ID          string   `json:"id,omitempty"`
	TeacherID   string   `json:"teacherId" validate:"required"`
	Title       string   `json:"title" validate:"required,max=200"`
	Content     string   `json:"content"`
	Subject     string   `json:"subject,omitempty"`
	ClassName   string   `json:"className,omitempty"`
	Status      string   `json:"status,omitempty" validate:"omitempty,oneof=draft submitted reviewed"`
	Attachments []string `json:"attachments,omitempty" validate:"omitempty,dive,required"`
	UpdatedAt   *int64   `json:"updatedAt,omitempty" validate:"omitempty,gt=0"`
	Overwrite   bool     `json:"forceOverwrite,omitempty"`
}

func (p *ReportPayload) Type() ItemType     { return ItemTypeReport }
func (p *ReportPayload) Identifier() string { return p.ID }
func (p *ReportPayload) ForceOverwrite() bool {
	return p.Overwrite
}

func (p *ReportPayload) UpdatedAtMillis() (int64, bool) {
	return derefMillis(p.UpdatedAt)
}

func (p *ReportPayload) clone() Payload {
	cp := *p
	if p.Attachments != nil {
		cp.Attachments = append([]string(nil), p.Attachments...)
	}
	if p.UpdatedAt != nil {
		ms := *p.UpdatedAt
		cp.UpdatedAt = &ms
	}
	return &cp
}

func (p *ReportPayload) withForceOverwrite() Payload {
	cp := p.clone().(*ReportPayload)
	cp.Overwrite = true
	return cp
}

func (p *ReportPayload) withIdentifier(id string) Payload {
	cp := p.clone().(*ReportPayload)
	cp.ID = id
	return cp
}

// UserPayload is an account record. Users are identified by uid.
type UserPayload struct {
	UID         string `json:"uid,omitempty"`
	Email       string `json:"email" validate:"required,email"`
	DisplayName string `json:"displayName" validate:"required"`
	Role        string `json:"role" validate:"required,oneof=teacher admin principal"`
	School      string `json:"school,omitempty"`
	UpdatedAt   *int64 `json:"updatedAt,omitempty" validate:"omitempty,gt=0"`
	Overwrite   bool   `json:"forceOverwrite,omitempty"`
}

func (p *UserPayload) Type() ItemType     { return ItemTypeUser }
func (p *UserPayload) Identifier() string { return p.UID }
func (p *UserPayload) ForceOverwrite() bool {
	return p.Overwrite
}

func (p *UserPayload) UpdatedAtMillis() (int64, bool) {
	return derefMillis(p.UpdatedAt)
}

func (p *UserPayload) clone() Payload {
	cp := *p
	if p.UpdatedAt != nil {
		ms := *p.UpdatedAt
		cp.UpdatedAt = &ms
	}
	return &cp
}

func (p *UserPayload) withForceOverwrite() Payload {
	cp := p.clone().(*UserPayload)
	cp.Overwrite = true
	return cp
}

func (p *UserPayload) withIdentifier(id string) Payload {
	cp := p.clone().(*UserPayload)
	cp.UID = id
	return cp
}

// LogPayload is an activity log line.
type LogPayload struct {
	ID        string `json:"id,omitempty"`
	Action    string `json:"action" validate:"required"`
	ActorID   string `json:"actorId,omitempty"`
	Level     string `json:"level,omitempty" validate:"omitempty,oneof=debug info warn error"`
	Message   string `json:"message,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty" validate:"gte=0"`
	UpdatedAt *int64 `json:"updatedAt,omitempty" validate:"omitempty,gt=0"`
	Overwrite bool   `json:"forceOverwrite,omitempty"`
}

func (p *LogPayload) Type() ItemType     { return ItemTypeLog }
func (p *LogPayload) Identifier() string { return p.ID }
func (p *LogPayload) ForceOverwrite() bool {
	return p.Overwrite
}

func (p *LogPayload) UpdatedAtMillis() (int64, bool) {
	return derefMillis(p.UpdatedAt)
}

func (p *LogPayload) clone() Payload {
	cp := *p
	if p.UpdatedAt != nil {
		ms := *p.UpdatedAt
		cp.UpdatedAt = &ms
	}
	return &cp
}

func (p *LogPayload) withForceOverwrite() Payload {
	cp := p.clone().(*LogPayload)
	cp.Overwrite = true
	return cp
}

func (p *LogPayload) withIdentifier(id string) Payload {
	cp := p.clone().(*LogPayload)
	cp.ID = id
	return cp
}

func derefMillis(v *int64) (int64, bool) {
	if v == nil {
		return 0, false
	}
	return *v, true
}

// WithForceOverwrite returns a copy of p carrying the force-overwrite marker.
func WithForceOverwrite(p Payload) Payload {
	return p.withForceOverwrite()
}

// WithIdentifier returns a copy of p whose own id field is set to id.
func WithIdentifier(p Payload, id string) Payload {
	return p.withIdentifier(id)
}

// NewPayload returns an empty payload for the given type.
func NewPayload(t ItemType) (Payload, error) {
	switch t {
	case ItemTypeReport:
		return &ReportPayload{}, nil
	case ItemTypeUser:
		return &UserPayload{}, nil
	case ItemTypeLog:
		return &LogPayload{}, nil
	}
	return nil, fmt.Errorf("unknown item type %q", t)
}

// DecodePayload decodes raw JSON into the payload type selected by t.
func DecodePayload(t ItemType, raw json.RawMessage) (Payload, error) {
	p, err := NewPayload(t)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, fmt.Errorf("%s payload is empty", t)
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", t, err)
	}
	return p, nil
}
