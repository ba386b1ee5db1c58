// Package events defines the CRM event envelope and the registry of event
// types with their typed payloads.
package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Type names a domain event
type Type string

const (
	LeadCreated      Type = "lead.created"
	LeadUpdated      Type = "lead.updated"
	LeadDeleted      Type = "lead.deleted"
	LeadStageChanged Type = "lead.stage_changed"
	TaskCreated      Type = "task.created"
	TaskCompleted    Type = "task.completed"
	WebhookTest      Type = "webhook.test"
)

// Decoding errors
var (
	ErrMalformed   = errors.New("malformed event")
	ErrUnknownType = errors.New("unknown event type")
	ErrInvalidData = errors.New("invalid event data")
)

// Payload is the typed data of one event type
type Payload interface {
	EventType() Type
}

type LeadCreatedData struct {
	LeadID string `json:"leadId" validate:"required,max=64"`
	Name   string `json:"name" validate:"required,max=200"`
	Email  string `json:"email,omitempty" validate:"omitempty,email"`
	Phone  string `json:"phone,omitempty" validate:"omitempty,max=32"`
	Source string `json:"source,omitempty" validate:"omitempty,max=64"`
	Stage  string `json:"stage,omitempty" validate:"omitempty,max=64"`
}

type LeadUpdatedData struct {
	LeadID  string                 `json:"leadId" validate:"required,max=64"`
	Changes map[string]interface{} `json:"changes" validate:"required,min=1"`
}

type LeadDeletedData struct {
	LeadID string `json:"leadId" validate:"required,max=64"`
}

type LeadStageChangedData struct {
	LeadID    string `json:"leadId" validate:"required,max=64"`
	FromStage string `json:"fromStage" validate:"required,max=64"`
	ToStage   string `json:"toStage" validate:"required,max=64,nefield=FromStage"`
}

type TaskCreatedData struct {
	TaskID     string     `json:"taskId" validate:"required,max=64"`
	Title      string     `json:"title" validate:"required,max=200"`
	LeadID     string     `json:"leadId,omitempty" validate:"omitempty,max=64"`
	AssigneeID string     `json:"assigneeId,omitempty" validate:"omitempty,max=64"`
	DueAt      *time.Time `json:"dueAt,omitempty"`
}

type TaskCompletedData struct {
	TaskID      string    `json:"taskId" validate:"required,max=64"`
	CompletedAt time.Time `json:"completedAt" validate:"required"`
	CompletedBy string    `json:"completedBy,omitempty" validate:"omitempty,max=64"`
}

// WebhookTestData is sent by the test-delivery operation
type WebhookTestData struct {
	SubscriptionID string `json:"subscriptionId" validate:"required,uuid"`
	Message        string `json:"message" validate:"max=200"`
}

func (LeadCreatedData) EventType() Type      { return LeadCreated }
func (LeadUpdatedData) EventType() Type      { return LeadUpdated }
func (LeadDeletedData) EventType() Type      { return LeadDeleted }
func (LeadStageChangedData) EventType() Type { return LeadStageChanged }
func (TaskCreatedData) EventType() Type      { return TaskCreated }
func (TaskCompletedData) EventType() Type    { return TaskCompleted }
func (WebhookTestData) EventType() Type      { return WebhookTest }

var registry = map[Type]func() Payload{
	LeadCreated:      func() Payload { return &LeadCreatedData{} },
	LeadUpdated:      func() Payload { return &LeadUpdatedData{} },
	LeadDeleted:      func() Payload { return &LeadDeletedData{} },
	LeadStageChanged: func() Payload { return &LeadStageChangedData{} },
	TaskCreated:      func() Payload { return &TaskCreatedData{} },
	TaskCompleted:    func() Payload { return &TaskCompletedData{} },
	WebhookTest:      func() Payload { return &WebhookTestData{} },
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Known reports whether t is a registered event type
func Known(t string) bool {
	_, ok := registry[Type(t)]
	return ok
}

// Types returns every registered event type in sorted order
func Types() []string {
	out := make([]string, 0, len(registry))
	for t := range registry {
		out = append(out, string(t))
	}
	sort.Strings(out)
	return out
}

// Subscribable reports whether tenants may subscribe to t.
// webhook.test is only ever sent to the subscription being tested.
func Subscribable(t string) bool {
	return Known(t) && Type(t) != WebhookTest
}

// Envelope is the wire form of an event. ID is set on outbound deliveries only.
type Envelope struct {
	ID         uuid.UUID       `json:"id"`
	Type       Type            `json:"type"`
	TenantID   string          `json:"tenantId"`
	OccurredAt time.Time       `json:"occurredAt"`
	Data       json.RawMessage `json:"data"`
}

// Event is a decoded inbound envelope
type Event struct {
	Type       Type
	TenantID   string
	OccurredAt *time.Time
	Data       Payload
	// RawData is the canonical encoding of Data
	RawData json.RawMessage
}

type inboundEnvelope struct {
	Type       string          `json:"type"`
	TenantID   string          `json:"tenantId"`
	OccurredAt *time.Time      `json:"occurredAt"`
	Data       json.RawMessage `json:"data"`
}

// Decode strictly parses an inbound envelope. Unknown fields at either level,
// trailing input, unregistered types and data failing validation are rejected.
func Decode(body []byte) (*Event, error) {
	var env inboundEnvelope
	if err := strictUnmarshal(body, &env); err != nil {
		return nil, err
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: type is required", ErrMalformed)
	}

	payload, err := DecodeData(Type(env.Type), env.Data)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	return &Event{
		Type:       Type(env.Type),
		TenantID:   env.TenantID,
		OccurredAt: env.OccurredAt,
		Data:       payload,
		RawData:    raw,
	}, nil
}

// DecodeData strictly parses and validates the data of an event of type t
func DecodeData(t Type, data json.RawMessage) (Payload, error) {
	factory, ok := registry[t]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, fmt.Errorf("%w: data is required", ErrMalformed)
	}

	payload := factory()
	if err := strictUnmarshal(trimmed, payload); err != nil {
		return nil, err
	}
	if err := validate.Struct(payload); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidData, describe(err))
	}
	return payload, nil
}

// Encode renders the outbound envelope. The result is the canonical byte
// sequence that is stored, signed and sent unchanged on every attempt.
func Encode(id uuid.UUID, tenantID string, occurredAt time.Time, payload Payload) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event data: %w", err)
	}
	return json.Marshal(Envelope{
		ID:         id,
		Type:       payload.EventType(),
		TenantID:   tenantID,
		OccurredAt: occurredAt.UTC(),
		Data:       data,
	})
}

func strictUnmarshal(data []byte, v interface{}) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return fmt.Errorf("%w: trailing data after object", ErrMalformed)
	}
	return nil
}

func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	}
	return strings.Join(parts, "; ")
}
