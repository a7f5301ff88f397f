package dental

import (
	"context"

	"github.com/google/uuid"
)

// CatalogRepository reads reference data. It is never written by the engine.
type CatalogRepository interface {
	GetItem(ctx context.Context, id uuid.UUID) (*TreatmentItem, error)
	GetDiagnosisDefinition(ctx context.Context, id uuid.UUID) (*DiagnosisDefinition, error)
}

type DiagnosisRepository interface {
	Create(ctx context.Context, d *Diagnosis) error
	GetByID(ctx context.Context, id uuid.UUID) (*Diagnosis, error)
	Delete(ctx context.Context, id uuid.UUID) error
	ListByVisit(ctx context.Context, visitID uuid.UUID) ([]*Diagnosis, error)
}

type PlanRepository interface {
	Create(ctx context.Context, p *TreatmentPlan) error
	GetByID(ctx context.Context, id uuid.UUID) (*TreatmentPlan, error)
	// Update writes p when the stored version still equals p.VersionID and
	// increments it; otherwise it returns ErrVersionConflict.
	Update(ctx context.Context, p *TreatmentPlan) error
	ListByVisit(ctx context.Context, visitID uuid.UUID) ([]*TreatmentPlan, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, includeArchived bool, limit, offset int) ([]*TreatmentPlan, int, error)
	NextPlanNo(ctx context.Context, visitID uuid.UUID) (int, error)
}

type TreatmentRepository interface {
	Create(ctx context.Context, t *Treatment) error
	GetByID(ctx context.Context, id uuid.UUID) (*Treatment, error)
	// Update uses the same optimistic version check as PlanRepository.Update.
	Update(ctx context.Context, t *Treatment) error
	ListByVisit(ctx context.Context, visitID uuid.UUID) ([]*Treatment, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Treatment, int, error)
	ListByCourse(ctx context.Context, patientID, courseID uuid.UUID) ([]*Treatment, error)
	// ListByTooth returns the treatments on one tooth that are not voided.
	ListByTooth(ctx context.Context, patientID uuid.UUID, toothNumber string) ([]*Treatment, error)
	GetByOrderItem(ctx context.Context, orderItemID uuid.UUID) (*Treatment, error)
}

type CourseRepository interface {
	Create(ctx context.Context, c *TreatmentCourse) error
	GetByID(ctx context.Context, id uuid.UUID) (*TreatmentCourse, error)
	Update(ctx context.Context, c *TreatmentCourse) error
	ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*TreatmentCourse, error)
}

// ChartRepository stores the tooth chart: per-tooth entries, the active chart
// events and the projected symbols.
type ChartRepository interface {
	UpsertEntry(ctx context.Context, e *ToothChartEntry) error
	ListEntries(ctx context.Context, patientID uuid.UUID) ([]*ToothChartEntry, error)

	ListEvents(ctx context.Context, patientID uuid.UUID, toothNumber string) ([]ChartEvent, error)
	SaveEvent(ctx context.Context, patientID uuid.UUID, ev ChartEvent) error
	DeleteEvent(ctx context.Context, sourceID uuid.UUID) error

	ListSymbols(ctx context.Context, patientID uuid.UUID) ([]Symbol, error)
	ApplyChangeset(ctx context.Context, patientID uuid.UUID, cs Changeset) error
}

type PrecautionRepository interface {
	// Activate stores p as the patient's only active precaution, deactivating
	// the previous one.
	Activate(ctx context.Context, p *Precaution) error
	GetActive(ctx context.Context, patientID uuid.UUID) (*Precaution, error)
}

// Transactor runs fn inside one store transaction.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Sessions hands concurrent readers a store session of their own. Fork returns
// a context bound to a fresh session and a func that releases it.
type Sessions interface {
	Fork(ctx context.Context) (context.Context, func(), error)
}

// ChartPublisher forwards applied chart changesets to the presentation layer.
type ChartPublisher interface {
	PublishChart(ctx context.Context, patientID uuid.UUID, cs Changeset) error
}
