package dental

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Recorder receives engine metrics.
type Recorder interface {
	PlanTransition(transition string)
	Payment(amount float64, overpaid bool)
	SymbolsChanged(added, removed int)
	ObserveOperation(op string, start time.Time)
}

type nopRecorder struct{}

func (nopRecorder) PlanTransition(string) {}
func (nopRecorder) Payment(float64, bool) {}
func (nopRecorder) SymbolsChanged(int, int) {}
func (nopRecorder) ObserveOperation(string, time.Time) {}

// ChartPublisherFunc adapts a function to ChartPublisher.
type ChartPublisherFunc func(ctx context.Context, patientID uuid.UUID, cs Changeset) error

func (f ChartPublisherFunc) PublishChart(ctx context.Context, patientID uuid.UUID, cs Changeset) error {
	return f(ctx, patientID, cs)
}

type noTx struct{}

func (noTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) }

// Repositories groups the store collaborators of the Service.
type Repositories struct {
	Catalog     CatalogRepository
	Diagnoses   DiagnosisRepository
	Plans       PlanRepository
	Treatments  TreatmentRepository
	Courses     CourseRepository
	Chart       ChartRepository
	Precautions PrecautionRepository
	Tx          Transactor

	// Sessions enables concurrent reads. Without it reads run one at a time
	// on the session carried by the request context.
	Sessions Sessions
}

// Service runs every dental operation: it validates input, drives the plan and
// course rules, reconciles the chart and stamps the audit trail.
type Service struct {
	catalog     CatalogRepository
	diagnoses   DiagnosisRepository
	plans       PlanRepository
	treatments  TreatmentRepository
	courses     CourseRepository
	chart       ChartRepository
	precautions PrecautionRepository
	tx          Transactor
	sessions    Sessions

	auditor   Auditor
	publisher ChartPublisher
	metrics   Recorder
	logger    zerolog.Logger
	now       func() time.Time

	// readConcurrency bounds the concurrent reads of one chart or print request.
	readConcurrency int
}

func NewService(r Repositories) *Service {
	s := &Service{
		catalog:         r.Catalog,
		diagnoses:       r.Diagnoses,
		plans:           r.Plans,
		treatments:      r.Treatments,
		courses:         r.Courses,
		chart:           r.Chart,
		precautions:     r.Precautions,
		tx:              r.Tx,
		sessions:        r.Sessions,
		auditor:         nopAuditor{},
		metrics:         nopRecorder{},
		logger:          zerolog.Nop(),
		now:             time.Now,
		readConcurrency: 4,
	}
	if s.tx == nil {
		s.tx = noTx{}
	}
	return s
}

func (s *Service) SetAuditor(a Auditor) {
	if a != nil {
		s.auditor = a
	}
}

// SetChartPublisher enables publishing of applied chart changesets.
func (s *Service) SetChartPublisher(p ChartPublisher) { s.publisher = p }

func (s *Service) SetMetrics(m Recorder) {
	if m != nil {
		s.metrics = m
	}
}

func (s *Service) SetLogger(l zerolog.Logger) { s.logger = l.With().Str("component", "dental").Logger() }

// SetClock replaces the time source. Used by tests.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// -- Diagnosis --

// RecordDiagnosis stores d and adds its symbol to the chart.
func (s *Service) RecordDiagnosis(ctx context.Context, d *Diagnosis, by Actor) (Changeset, error) {
	defer s.metrics.ObserveOperation("record_diagnosis", time.Now())
	if err := requireActor(by); err != nil {
		return Changeset{}, err
	}
	if d.PatientID == uuid.Nil {
		return Changeset{}, required("patient_id")
	}
	if d.VisitID == uuid.Nil {
		return Changeset{}, required("visit_id")
	}
	if d.DoctorID == "" {
		return Changeset{}, required("doctor_id")
	}
	loc, err := d.Location.Normalized()
	if err != nil {
		return Changeset{}, err
	}
	d.Location = loc
	d.Type = d.Type.OrDefault()

	var def *DiagnosisDefinition
	if d.DefinitionID != nil {
		def, err = s.catalog.GetDiagnosisDefinition(ctx, *d.DefinitionID)
		if err != nil {
			return Changeset{}, fmt.Errorf("diagnosis definition %s: %w", d.DefinitionID, err)
		}
		if def.RenderType.OrDefault() != RenderDiagnosis {
			return Changeset{}, invalid("definition_id", "definition %s does not render as a diagnosis", def.ID)
		}
		if d.ICD10Code == "" {
			d.ICD10Code = def.ICD10Code
			d.ICD10Description = def.ICD10Description
		}
	}

	now := s.now()
	if d.DiagnosedAt.IsZero() {
		d.DiagnosedAt = now
	}
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	d.Created = NewStamp(by, now)

	var cs Changeset
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.diagnoses.Create(ctx, d); err != nil {
			return fmt.Errorf("create diagnosis: %w", err)
		}
		cs, err = s.reconcileChart(ctx, d.PatientID, OpAdd, DiagnosisEvent(d, def), false)
		return err
	})
	if err != nil {
		return Changeset{}, err
	}

	s.afterChart(ctx, d.PatientID, cs)
	s.audit(ctx, "diagnosis", d.ID, d.PatientID, AuditCreate, d.Created, d.ICD10Code)
	return cs, nil
}

func (s *Service) GetDiagnosis(ctx context.Context, id uuid.UUID) (*Diagnosis, error) {
	return s.diagnoses.GetByID(ctx, id)
}

// DeleteDiagnosis retracts a diagnosis and removes the symbols only it justified.
func (s *Service) DeleteDiagnosis(ctx context.Context, id uuid.UUID, by Actor) (Changeset, error) {
	if err := requireActor(by); err != nil {
		return Changeset{}, err
	}
	d, err := s.diagnoses.GetByID(ctx, id)
	if err != nil {
		return Changeset{}, err
	}

	var cs Changeset
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.diagnoses.Delete(ctx, id); err != nil {
			return fmt.Errorf("delete diagnosis: %w", err)
		}
		cs, err = s.reconcileChart(ctx, d.PatientID, OpRemove, DiagnosisEvent(d, nil), false)
		return err
	})
	if err != nil {
		return Changeset{}, err
	}

	s.afterChart(ctx, d.PatientID, cs)
	s.audit(ctx, "diagnosis", d.ID, d.PatientID, AuditDelete, NewStamp(by, s.now()), "")
	return cs, nil
}

// -- Treatment plan --

func (s *Service) CreatePlan(ctx context.Context, p *TreatmentPlan, by Actor) error {
	if err := requireActor(by); err != nil {
		return err
	}
	if p.PatientID == uuid.Nil {
		return required("patient_id")
	}
	if p.VisitID == uuid.Nil {
		return required("visit_id")
	}
	if p.ItemID == uuid.Nil {
		return required("item_id")
	}
	if p.DoctorID == "" {
		return required("doctor_id")
	}
	loc, err := p.Location.Normalized()
	if err != nil {
		return err
	}
	p.Location = loc
	p.Category = p.Category.OrDefault()

	item, err := s.catalog.GetItem(ctx, p.ItemID)
	if err != nil {
		return fmt.Errorf("treatment item %s: %w", p.ItemID, err)
	}
	if p.TxTypeID == nil {
		p.TxTypeID = item.TxTypeID
	}
	if p.CourseID != nil {
		if _, err := s.courseOf(ctx, *p.CourseID, p.PatientID); err != nil {
			return err
		}
	}

	if p.PlanNo == 0 {
		n, err := s.plans.NextPlanNo(ctx, p.VisitID)
		if err != nil {
			return fmt.Errorf("next plan number: %w", err)
		}
		p.PlanNo = n
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.IsApplied = false
	p.Archived = ArchiveState{}
	p.Modified = NewStamp(by, s.now())

	if err := s.plans.Create(ctx, p); err != nil {
		return fmt.Errorf("create plan: %w", err)
	}
	s.metrics.PlanTransition(PlanPlanned.String())
	s.audit(ctx, "treatment_plan", p.ID, p.PatientID, AuditCreate, p.Modified, string(p.Category))
	return nil
}

func (s *Service) GetPlan(ctx context.Context, id uuid.UUID) (*TreatmentPlan, error) {
	return s.plans.GetByID(ctx, id)
}

// UpdatePlan edits an open plan. A non-zero expectedVersion must match the
// stored version.
func (s *Service) UpdatePlan(ctx context.Context, id uuid.UUID, edit PlanEdit, expectedVersion int, by Actor) (*TreatmentPlan, error) {
	if err := requireActor(by); err != nil {
		return nil, err
	}
	p, err := s.plans.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := checkVersion(expectedVersion, p.VersionID); err != nil {
		return nil, err
	}
	if err := p.Edit(edit, by, s.now()); err != nil {
		return nil, err
	}
	if err := s.plans.Update(ctx, p); err != nil {
		return nil, err
	}
	s.audit(ctx, "treatment_plan", p.ID, p.PatientID, AuditUpdate, p.Modified, "")
	return p, nil
}

// ApplyPlan performs the plan in visitID. The new treatment, the plan update
// and the chart change commit together.
func (s *Service) ApplyPlan(ctx context.Context, planID, visitID uuid.UUID, performer Actor) (*Treatment, error) {
	defer s.metrics.ObserveOperation("apply_plan", time.Now())
	if err := requireActor(performer); err != nil {
		return nil, err
	}

	var (
		plan *TreatmentPlan
		t    *Treatment
		cs   Changeset
	)
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		var err error
		plan, err = s.plans.GetByID(ctx, planID)
		if err != nil {
			return err
		}
		t, err = plan.Apply(visitID, performer, s.now())
		if err != nil {
			return err
		}
		item, err := s.catalog.GetItem(ctx, plan.ItemID)
		if err != nil {
			return fmt.Errorf("treatment item %s: %w", plan.ItemID, err)
		}
		if item.ActionType.DrawsSymbol() {
			t.SymbolID = item.SymbolID
		}
		if t.CourseID != nil {
			course, err := s.courses.GetByID(ctx, *t.CourseID)
			if err != nil {
				return fmt.Errorf("treatment course %s: %w", t.CourseID, err)
			}
			course.Snapshot(t)
		}

		if err := s.treatments.Create(ctx, t); err != nil {
			return fmt.Errorf("create treatment: %w", err)
		}
		if err := s.plans.Update(ctx, plan); err != nil {
			return err
		}
		cs, err = s.chartForTreatment(ctx, t, item, OpAdd)
		return err
	})
	if err != nil {
		return nil, err
	}

	t.AddedSymbols, t.RemovedSymbols = cs.Added, cs.Removed
	s.afterChart(ctx, t.PatientID, cs)
	s.metrics.PlanTransition(PlanApplied.String())
	s.audit(ctx, "treatment_plan", plan.ID, plan.PatientID, AuditApply, plan.Modified, t.ID.String())
	s.audit(ctx, "treatment", t.ID, t.PatientID, AuditCreate, t.Modified, "from plan "+plan.ID.String())
	s.logger.Debug().Str("plan_id", plan.ID.String()).Str("treatment_id", t.ID.String()).
		Str("category", string(plan.Category.OrDefault())).Msg("plan applied")
	return t, nil
}

func (s *Service) ArchivePlan(ctx context.Context, id uuid.UUID, by Actor) (*TreatmentPlan, error) {
	if err := requireActor(by); err != nil {
		return nil, err
	}
	p, err := s.plans.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := p.Archive(by, s.now()); err != nil {
		return nil, err
	}
	if err := s.plans.Update(ctx, p); err != nil {
		return nil, err
	}
	s.metrics.PlanTransition(PlanArchived.String())
	s.audit(ctx, "treatment_plan", p.ID, p.PatientID, AuditArchive, p.Modified, "")
	s.logger.Debug().Str("plan_id", p.ID.String()).Msg("plan archived")
	return p, nil
}

func (s *Service) ListPlans(ctx context.Context, patientID uuid.UUID, includeArchived bool, limit, offset int) ([]*TreatmentPlan, int, error) {
	return s.plans.ListByPatient(ctx, patientID, includeArchived, limit, offset)
}

// -- Treatment --

// RecordTreatment stores a treatment performed outside any plan.
func (s *Service) RecordTreatment(ctx context.Context, t *Treatment, by Actor) error {
	defer s.metrics.ObserveOperation("record_treatment", time.Now())
	if err := requireActor(by); err != nil {
		return err
	}
	if t.PatientID == uuid.Nil {
		return required("patient_id")
	}
	if t.VisitID == uuid.Nil {
		return required("visit_id")
	}
	if t.ItemID == uuid.Nil {
		return required("item_id")
	}
	if t.DoctorID == "" {
		return required("doctor_id")
	}
	loc, err := t.Location.Normalized()
	if err != nil {
		return err
	}
	t.Location = loc

	item, err := s.catalog.GetItem(ctx, t.ItemID)
	if err != nil {
		return fmt.Errorf("treatment item %s: %w", t.ItemID, err)
	}
	if t.SymbolID == "" && item.ActionType.DrawsSymbol() {
		t.SymbolID = item.SymbolID
	}
	if t.CourseID != nil {
		course, err := s.courseOf(ctx, *t.CourseID, t.PatientID)
		if err != nil {
			return err
		}
		course.Snapshot(t)
	}

	now := s.now()
	if t.PerformedAt.IsZero() {
		t.PerformedAt = now
	}
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	t.IsVoided, t.Voided = false, nil
	t.IsEdited, t.Tracking = false, nil
	t.Modified = NewStamp(by, now)

	var cs Changeset
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.treatments.Create(ctx, t); err != nil {
			return fmt.Errorf("create treatment: %w", err)
		}
		cs, err = s.chartForTreatment(ctx, t, item, OpAdd)
		return err
	})
	if err != nil {
		return err
	}

	t.AddedSymbols, t.RemovedSymbols = cs.Added, cs.Removed
	s.afterChart(ctx, t.PatientID, cs)
	s.audit(ctx, "treatment", t.ID, t.PatientID, AuditCreate, t.Modified, item.Code)
	return nil
}

func (s *Service) GetTreatment(ctx context.Context, id uuid.UUID) (*Treatment, error) {
	return s.treatments.GetByID(ctx, id)
}

// GetTreatmentByOrderItem finds the live treatment billed on an order line.
func (s *Service) GetTreatmentByOrderItem(ctx context.Context, orderItemID uuid.UUID) (*Treatment, error) {
	return s.treatments.GetByOrderItem(ctx, orderItemID)
}

func (s *Service) ListTreatments(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Treatment, int, error) {
	return s.treatments.ListByPatient(ctx, patientID, limit, offset)
}

// TreatmentCorrection lists the fields a post-hoc correction may change. Nil
// fields are kept.
type TreatmentCorrection struct {
	ExpectedVersion int        `json:"version_id"`
	Number          *string    `json:"tooth_number,omitempty"`
	Surface         *string    `json:"tooth_surface,omitempty"`
	Quadrant        *string    `json:"tooth_quadrant,omitempty"`
	Note            *string    `json:"note,omitempty"`
	DoctorID        *string    `json:"doctor_id,omitempty"`
	DoctorName      *string    `json:"doctor_name,omitempty"`
	PerformedAt     *time.Time `json:"performed_at,omitempty"`
	// ICD9Changed forces the tooth's symbols to be rebuilt from its events.
	ICD9Changed bool `json:"icd9_changed,omitempty"`
}

// CorrectTreatment amends a recorded treatment. The corrector is kept as the
// tracking actor, separate from the performing doctor.
func (s *Service) CorrectTreatment(ctx context.Context, id uuid.UUID, c TreatmentCorrection, by Actor) (*Treatment, error) {
	if err := requireActor(by); err != nil {
		return nil, err
	}
	t, err := s.treatments.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.IsVoided {
		return nil, ErrTreatmentVoided
	}
	if err := checkVersion(c.ExpectedVersion, t.VersionID); err != nil {
		return nil, err
	}

	before := *t
	loc := t.Location
	if c.Number != nil {
		loc.Number = *c.Number
		loc.Quadrant = ""
	}
	if c.Surface != nil {
		loc.Surface = *c.Surface
	}
	if c.Quadrant != nil {
		loc.Quadrant = *c.Quadrant
	}
	if loc, err = loc.Normalized(); err != nil {
		return nil, err
	}
	if c.DoctorID != nil && *c.DoctorID == "" {
		return nil, required("doctor_id")
	}

	t.Location = loc
	if c.Note != nil {
		t.Note = *c.Note
	}
	if c.DoctorID != nil {
		t.DoctorID = *c.DoctorID
	}
	if c.DoctorName != nil {
		t.DoctorName = *c.DoctorName
	}
	if c.PerformedAt != nil {
		t.PerformedAt = *c.PerformedAt
	}
	stamp := NewStamp(by, s.now())
	t.IsEdited = true
	t.Tracking = &stamp
	t.Modified = stamp
	t.ICD9Changed = c.ICD9Changed

	item, err := s.catalog.GetItem(ctx, t.ItemID)
	if err != nil {
		return nil, fmt.Errorf("treatment item %s: %w", t.ItemID, err)
	}

	var cs Changeset
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.treatments.Update(ctx, t); err != nil {
			return err
		}
		if before.Location.Number != t.Location.Number {
			old := before
			old.Modified = stamp
			removed, err := s.chartForTreatment(ctx, &old, item, OpRemove)
			if err != nil {
				return err
			}
			added, err := s.chartForTreatment(ctx, t, item, OpAdd)
			if err != nil {
				return err
			}
			cs = removed.Then(added)
			return nil
		}
		cs, err = s.reconcileChart(ctx, t.PatientID, OpUpdate, TreatmentEvent(t, item), c.ICD9Changed)
		return err
	})
	if err != nil {
		return nil, err
	}

	t.AddedSymbols, t.RemovedSymbols = cs.Added, cs.Removed
	s.afterChart(ctx, t.PatientID, cs)
	s.audit(ctx, "treatment", t.ID, t.PatientID, AuditUpdate, stamp, "correction")
	return t, nil
}

// VoidTreatment retracts a treatment. Its symbols leave the chart unless
// another active event still covers their coordinate.
func (s *Service) VoidTreatment(ctx context.Context, id uuid.UUID, by Actor) (*Treatment, error) {
	if err := requireActor(by); err != nil {
		return nil, err
	}
	t, err := s.treatments.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if t.IsVoided {
		return nil, ErrTreatmentVoided
	}
	item, err := s.catalog.GetItem(ctx, t.ItemID)
	if err != nil {
		return nil, fmt.Errorf("treatment item %s: %w", t.ItemID, err)
	}

	stamp := NewStamp(by, s.now())
	t.IsVoided = true
	t.Voided = &stamp
	t.Modified = stamp

	var cs Changeset
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.treatments.Update(ctx, t); err != nil {
			return err
		}
		cs, err = s.chartForTreatment(ctx, t, item, OpRemove)
		return err
	})
	if err != nil {
		return nil, err
	}

	t.AddedSymbols, t.RemovedSymbols = cs.Added, cs.Removed
	s.afterChart(ctx, t.PatientID, cs)
	s.audit(ctx, "treatment", t.ID, t.PatientID, AuditVoid, stamp, "")
	return t, nil
}

// -- Treatment course --

func (s *Service) CreateCourse(ctx context.Context, c *TreatmentCourse, by Actor) error {
	if err := requireActor(by); err != nil {
		return err
	}
	if c.PatientID == uuid.Nil {
		return required("patient_id")
	}
	if math.IsNaN(c.PriceEstimate) || math.IsInf(c.PriceEstimate, 0) || c.PriceEstimate < 0 {
		return invalid("price_estimate", "must be a finite non-negative number")
	}
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.PricePaid = 0
	c.IsCompleted = false
	c.Created = NewStamp(by, s.now())
	c.Modified = c.Created

	if err := s.courses.Create(ctx, c); err != nil {
		return fmt.Errorf("create course: %w", err)
	}
	s.audit(ctx, "treatment_course", c.ID, c.PatientID, AuditCreate, c.Created, "")
	return nil
}

// RecordPayment adds amount to the course and returns it. Overpayment is
// accepted and logged.
func (s *Service) RecordPayment(ctx context.Context, courseID uuid.UUID, amount float64, expectedVersion int, by Actor) (*TreatmentCourse, error) {
	defer s.metrics.ObserveOperation("record_payment", time.Now())
	if err := requireActor(by); err != nil {
		return nil, err
	}
	c, err := s.courses.GetByID(ctx, courseID)
	if err != nil {
		return nil, err
	}
	if err := checkVersion(expectedVersion, c.VersionID); err != nil {
		return nil, err
	}
	if _, err := c.RecordPayment(amount, by, s.now()); err != nil {
		return nil, err
	}
	if err := s.courses.Update(ctx, c); err != nil {
		return nil, err
	}

	s.metrics.Payment(amount, c.Overpaid())
	if c.Overpaid() {
		s.logger.Info().Str("course_id", c.ID.String()).Float64("price_estimate", c.PriceEstimate).
			Float64("price_paid", c.PricePaid).Msg("course paid beyond estimate")
	}
	s.audit(ctx, "treatment_course", c.ID, c.PatientID, AuditPayment, c.Modified, fmt.Sprintf("%.2f", amount))
	return c, nil
}

func (s *Service) MarkCourseCompleted(ctx context.Context, courseID uuid.UUID, expectedVersion int, by Actor) (*TreatmentCourse, error) {
	if err := requireActor(by); err != nil {
		return nil, err
	}
	c, err := s.courses.GetByID(ctx, courseID)
	if err != nil {
		return nil, err
	}
	if err := checkVersion(expectedVersion, c.VersionID); err != nil {
		return nil, err
	}
	if err := c.MarkCompleted(by, s.now()); err != nil {
		return nil, err
	}
	if err := s.courses.Update(ctx, c); err != nil {
		return nil, err
	}
	s.audit(ctx, "treatment_course", c.ID, c.PatientID, AuditComplete, c.Modified, "")
	return c, nil
}

// CourseSummary is a course with its derived balance and treatment history.
type CourseSummary struct {
	*TreatmentCourse
	RemainingBalance float64      `json:"remaining_balance"`
	Overpaid         bool         `json:"overpaid"`
	Treatments       []*Treatment `json:"treatments"`
}

func (s *Service) GetCourse(ctx context.Context, id uuid.UUID) (*CourseSummary, error) {
	c, err := s.courses.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	history, err := s.treatments.ListByCourse(ctx, c.PatientID, c.ID)
	if err != nil {
		return nil, fmt.Errorf("course history: %w", err)
	}
	if history == nil {
		history = []*Treatment{}
	}
	return &CourseSummary{
		TreatmentCourse:  c,
		RemainingBalance: c.RemainingBalance(),
		Overpaid:         c.Overpaid(),
		Treatments:       history,
	}, nil
}

// -- Chart and precautions --

// UpdateToothChart upserts the entry for (patient, tooth). An empty tooth type
// is derived from the tooth number.
func (s *Service) UpdateToothChart(ctx context.Context, e *ToothChartEntry, by Actor) error {
	if err := requireActor(by); err != nil {
		return err
	}
	if e.PatientID == uuid.Nil {
		return required("patient_id")
	}
	if e.ToothNumber == "" {
		return required("tooth_number")
	}
	loc, err := Normalize(e.ToothNumber, "", "")
	if err != nil {
		return err
	}
	derived := ToothPermanent
	if loc.IsPrimary() {
		derived = ToothPrimary
	}
	if e.ToothType == "" {
		e.ToothType = derived
	} else if e.ToothType != derived {
		return invalid("tooth_type", "tooth %s is %s, not %s", loc.Number, derived, e.ToothType)
	}
	e.ToothNumber = loc.Number
	e.Modified = NewStamp(by, s.now())

	if err := s.chart.UpsertEntry(ctx, e); err != nil {
		return fmt.Errorf("upsert tooth chart: %w", err)
	}
	s.audit(ctx, "tooth_chart", e.ID, e.PatientID, AuditUpdate, e.Modified, e.ToothNumber)
	return nil
}

// SetPrecaution makes p the patient's only active precaution.
func (s *Service) SetPrecaution(ctx context.Context, p *Precaution, by Actor) error {
	if err := requireActor(by); err != nil {
		return err
	}
	if p.PatientID == uuid.Nil {
		return required("patient_id")
	}
	if p.Text == "" {
		return required("text")
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.Created = NewStamp(by, s.now())

	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		return s.precautions.Activate(ctx, p)
	})
	if err != nil {
		return fmt.Errorf("activate precaution: %w", err)
	}
	s.audit(ctx, "precaution", p.ID, p.PatientID, AuditCreate, p.Created, "")
	return nil
}

func (s *Service) GetActivePrecaution(ctx context.Context, patientID uuid.UUID) (*Precaution, error) {
	return s.precautions.GetActive(ctx, patientID)
}

// chartPageSize bounds the plans and treatments loaded into a chart view.
const chartPageSize = 500

// GetPatientChart assembles the chart screen for one patient.
func (s *Service) GetPatientChart(ctx context.Context, patientID uuid.UUID) (*PatientChart, error) {
	if patientID == uuid.Nil {
		return nil, required("patient_id")
	}
	chart := &PatientChart{PatientID: patientID, History: map[string][]*Treatment{}}

	var (
		courses    []*TreatmentCourse
		treatments []*Treatment
	)
	g := s.reads(ctx)
	g.Go(func(ctx context.Context) error {
		entries, err := s.chart.ListEntries(ctx, patientID)
		chart.Teeth = entries
		return err
	})
	g.Go(func(ctx context.Context) error {
		symbols, err := s.chart.ListSymbols(ctx, patientID)
		chart.Symbols = symbols
		return err
	})
	g.Go(func(ctx context.Context) error {
		plans, _, err := s.plans.ListByPatient(ctx, patientID, false, chartPageSize, 0)
		chart.OpenPlans = plans
		return err
	})
	g.Go(func(ctx context.Context) error {
		p, err := s.precautions.GetActive(ctx, patientID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		chart.ActivePrecaution = p
		return err
	})
	g.Go(func(ctx context.Context) error {
		var err error
		courses, err = s.courses.ListByPatient(ctx, patientID)
		return err
	})
	g.Go(func(ctx context.Context) error {
		var err error
		treatments, _, err = s.treatments.ListByPatient(ctx, patientID, chartPageSize, 0)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("load patient chart: %w", err)
	}

	chart.Visible = Visible(chart.Symbols)
	chart.OutstandingBalance = OutstandingBalance(courses)
	for _, t := range treatments {
		if t.IsVoided {
			continue
		}
		key := t.Location.Number
		if t.Location.IsWholeMouth() {
			key = t.Location.String()
		}
		chart.History[key] = append(chart.History[key], t)
	}
	return chart, nil
}

// -- Print aggregation --

type visitRecords struct {
	diagnoses  []*Diagnosis
	plans      []*TreatmentPlan
	treatments []*Treatment
}

// AggregateForPrint gathers the records of the given visits, plus the full
// history of every course their treatments belong to, without duplicates.
// Records keep visit order. Voided treatments are left out.
func (s *Service) AggregateForPrint(ctx context.Context, visitIDs []uuid.UUID) (*PrintAggregate, error) {
	defer s.metrics.ObserveOperation("aggregate_for_print", time.Now())
	if len(visitIDs) == 0 {
		return nil, required("visit_ids")
	}

	results := make([]visitRecords, len(visitIDs))
	g := s.reads(ctx)
	for i, visitID := range visitIDs {
		i, visitID := i, visitID
		g.Go(func(ctx context.Context) error {
			var err error
			r := &results[i]
			if r.diagnoses, err = s.diagnoses.ListByVisit(ctx, visitID); err != nil {
				return fmt.Errorf("diagnoses of visit %s: %w", visitID, err)
			}
			if r.plans, err = s.plans.ListByVisit(ctx, visitID); err != nil {
				return fmt.Errorf("plans of visit %s: %w", visitID, err)
			}
			if r.treatments, err = s.treatments.ListByVisit(ctx, visitID); err != nil {
				return fmt.Errorf("treatments of visit %s: %w", visitID, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	agg := NewPrintAggregate()
	type courseKey struct{ patientID, courseID uuid.UUID }
	var courseKeys []courseKey
	seenCourse := map[courseKey]bool{}
	for _, r := range results {
		for _, d := range r.diagnoses {
			agg.AddDiagnosis(d)
		}
		for _, p := range r.plans {
			agg.AddPlan(p)
		}
		for _, t := range r.treatments {
			if t.IsVoided {
				continue
			}
			agg.AddTreatment(t)
			if t.CourseID != nil {
				k := courseKey{t.PatientID, *t.CourseID}
				if !seenCourse[k] {
					seenCourse[k] = true
					courseKeys = append(courseKeys, k)
				}
			}
		}
	}

	history := make([][]*Treatment, len(courseKeys))
	g = s.reads(ctx)
	for i, k := range courseKeys {
		i, k := i, k
		g.Go(func(ctx context.Context) error {
			ts, err := s.treatments.ListByCourse(ctx, k.patientID, k.courseID)
			if err != nil {
				return fmt.Errorf("history of course %s: %w", k.courseID, err)
			}
			history[i] = ts
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	for _, ts := range history {
		for _, t := range ts {
			if !t.IsVoided {
				agg.AddTreatment(t)
			}
		}
	}
	return agg, nil
}

// -- helpers --

// readGroup runs the reads of one request. With Sessions each read gets its own
// session and up to readConcurrency run at once. Without it they run one at a
// time, since the session on ctx serves a single query at a time.
type readGroup struct {
	g        *errgroup.Group
	ctx      context.Context
	sessions Sessions
}

func (s *Service) reads(ctx context.Context) *readGroup {
	g, gctx := errgroup.WithContext(ctx)
	if s.sessions == nil {
		g.SetLimit(1)
	} else {
		g.SetLimit(s.readConcurrency)
	}
	return &readGroup{g: g, ctx: gctx, sessions: s.sessions}
}

func (r *readGroup) Go(fn func(ctx context.Context) error) {
	r.g.Go(func() error {
		if r.sessions == nil {
			return fn(r.ctx)
		}
		ctx, release, err := r.sessions.Fork(r.ctx)
		if err != nil {
			return fmt.Errorf("open read session: %w", err)
		}
		defer release()
		return fn(ctx)
	})
}

func (r *readGroup) Wait() error { return r.g.Wait() }

// chartForTreatment reconciles the chart for t and keeps the missing-tooth flag
// in step with items that extract a tooth. Retracting an extraction clears the
// flag only when no other live extraction remains on the tooth.
func (s *Service) chartForTreatment(ctx context.Context, t *Treatment, item *TreatmentItem, op ChartOp) (Changeset, error) {
	cs, err := s.reconcileChart(ctx, t.PatientID, op, TreatmentEvent(t, item), false)
	if err != nil {
		return Changeset{}, err
	}
	if item.ActionType.OrDefault() == ActionMissing && !t.Location.IsWholeMouth() {
		missing := op != OpRemove
		if !missing {
			if missing, err = s.extractedElsewhere(ctx, t); err != nil {
				return Changeset{}, err
			}
		}
		entry := &ToothChartEntry{
			PatientID:   t.PatientID,
			ToothNumber: t.Location.Number,
			ToothType:   ToothPermanent,
			IsMissing:   missing,
			Modified:    t.Modified,
		}
		if t.Location.IsPrimary() {
			entry.ToothType = ToothPrimary
		}
		if err := s.chart.UpsertEntry(ctx, entry); err != nil {
			return Changeset{}, fmt.Errorf("mark tooth %s missing: %w", t.Location.Number, err)
		}
	}
	return cs, nil
}

// extractedElsewhere reports whether a live treatment other than t extracts the
// tooth t is on.
func (s *Service) extractedElsewhere(ctx context.Context, t *Treatment) (bool, error) {
	others, err := s.treatments.ListByTooth(ctx, t.PatientID, t.Location.Number)
	if err != nil {
		return false, fmt.Errorf("treatments on tooth %s: %w", t.Location.Number, err)
	}
	for _, o := range others {
		if o.ID == t.ID || o.IsVoided {
			continue
		}
		item, err := s.catalog.GetItem(ctx, o.ItemID)
		if err != nil {
			return false, fmt.Errorf("treatment item %s: %w", o.ItemID, err)
		}
		if item.ActionType.OrDefault() == ActionMissing {
			return true, nil
		}
	}
	return false, nil
}

// reconcileChart updates the stored events for the tooth, diffs the projection
// and applies the changeset. With refresh the diff is taken against the stored
// symbols instead of the previous projection.
func (s *Service) reconcileChart(ctx context.Context, patientID uuid.UUID, op ChartOp, ev ChartEvent, refresh bool) (Changeset, error) {
	active, err := s.chart.ListEvents(ctx, patientID, ev.Location.Number)
	if err != nil {
		return Changeset{}, fmt.Errorf("list chart events: %w", err)
	}
	cs, next := Reconcile(active, op, ev)

	if op == OpRemove || ev.SymbolID == "" {
		err = s.chart.DeleteEvent(ctx, ev.SourceID)
	} else {
		err = s.chart.SaveEvent(ctx, patientID, ev)
	}
	if err != nil {
		return Changeset{}, fmt.Errorf("store chart event: %w", err)
	}

	if refresh {
		stored, err := s.chart.ListSymbols(ctx, patientID)
		if err != nil {
			return Changeset{}, fmt.Errorf("list chart symbols: %w", err)
		}
		cs = Diff(SymbolsForTooth(stored, ev.Location.Number), Project(next))
	}

	if !cs.Changed() {
		return cs, nil
	}
	if err := s.chart.ApplyChangeset(ctx, patientID, cs); err != nil {
		return Changeset{}, fmt.Errorf("apply chart changeset: %w", err)
	}
	return cs, nil
}

// afterChart runs once the transaction committed.
func (s *Service) afterChart(ctx context.Context, patientID uuid.UUID, cs Changeset) {
	s.metrics.SymbolsChanged(len(cs.Added), len(cs.Removed))
	if s.publisher == nil || !cs.Changed() {
		return
	}
	if err := s.publisher.PublishChart(ctx, patientID, cs); err != nil {
		s.logger.Warn().Err(err).Str("patient_id", patientID.String()).Msg("publish chart changeset failed")
	}
}

func (s *Service) audit(ctx context.Context, entity string, id, patientID uuid.UUID, action string, by Stamp, detail string) {
	ev := AuditEvent{Entity: entity, EntityID: id, PatientID: patientID, Action: action, Actor: by, Detail: detail}
	if err := s.auditor.Record(ctx, ev); err != nil {
		s.logger.Warn().Err(err).Str("entity", entity).Str("entity_id", id.String()).
			Str("action", action).Msg("audit sink failed")
	}
}

func (s *Service) courseOf(ctx context.Context, courseID, patientID uuid.UUID) (*TreatmentCourse, error) {
	c, err := s.courses.GetByID(ctx, courseID)
	if errors.Is(err, ErrNotFound) {
		return nil, invalid("course_id", "course %s does not exist", courseID)
	}
	if err != nil {
		return nil, err
	}
	if c.PatientID != patientID {
		return nil, invalid("course_id", "course %s belongs to another patient", courseID)
	}
	return c, nil
}

func requireActor(a Actor) error {
	if a.ID == "" {
		return required("actor_id")
	}
	return nil
}

func checkVersion(expected, stored int) error {
	if expected != 0 && expected != stored {
		return ErrVersionConflict
	}
	return nil
}
