package dental

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const (
	stampDateLayout = "2006-01-02"
	stampTimeLayout = "15:04:05"
)

// Actor identifies who performs a mutation. The name is a denormalized display copy.
type Actor struct {
	ID   string `json:"id" validate:"required"`
	Name string `json:"name"`
}

// Stamp records who touched a record and when.
type Stamp struct {
	ActorID   string    `json:"actor_id"`
	ActorName string    `json:"actor_name"`
	At        time.Time `json:"at"`
}

// NewStamp builds a stamp for actor at the given instant.
func NewStamp(a Actor, at time.Time) Stamp {
	return Stamp{ActorID: a.ID, ActorName: a.Name, At: at}
}

func (s Stamp) IsZero() bool { return s.ActorID == "" && s.At.IsZero() }

// Date renders the calendar part of the stamp.
func (s Stamp) Date() string {
	if s.At.IsZero() {
		return ""
	}
	return s.At.Format(stampDateLayout)
}

// Time renders the clock part of the stamp.
func (s Stamp) Time() string {
	if s.At.IsZero() {
		return ""
	}
	return s.At.Format(stampTimeLayout)
}

// Audit event actions.
const (
	AuditCreate   = "create"
	AuditUpdate   = "update"
	AuditDelete   = "delete"
	AuditApply    = "apply"
	AuditArchive  = "archive"
	AuditVoid     = "void"
	AuditPayment  = "payment"
	AuditComplete = "complete"
)

// AuditEvent is emitted for every mutation the engine performs.
type AuditEvent struct {
	Entity    string    `json:"entity"`
	EntityID  uuid.UUID `json:"entity_id"`
	PatientID uuid.UUID `json:"patient_id"`
	Action    string    `json:"action"`
	Actor     Stamp     `json:"actor"`
	Detail    string    `json:"detail,omitempty"`
}

// Auditor receives audit events. Implementations must be safe for concurrent use.
type Auditor interface {
	Record(ctx context.Context, ev AuditEvent) error
}

// AuditorFunc adapts a function to the Auditor interface.
type AuditorFunc func(ctx context.Context, ev AuditEvent) error

func (f AuditorFunc) Record(ctx context.Context, ev AuditEvent) error {
	return f(ctx, ev)
}

type nopAuditor struct{}

func (nopAuditor) Record(context.Context, AuditEvent) error { return nil }
