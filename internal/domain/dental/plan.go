package dental

import (
	"time"

	"github.com/google/uuid"
)

// State derives the lifecycle state from the plan's flags.
func (p *TreatmentPlan) State() PlanState {
	switch {
	case p.Archived.IsArchived:
		return PlanArchived
	case p.IsApplied:
		return PlanApplied
	}
	return PlanPlanned
}

// IsContinuousCare reports whether the plan may be applied on every course visit.
func (p *TreatmentPlan) IsContinuousCare() bool {
	return p.Category.OrDefault() == CategoryContinuousCare
}

// PlanEdit carries the fields that may change on an open plan. Nil fields are left
// untouched.
type PlanEdit struct {
	Number     *string `json:"tooth_number,omitempty"`
	Surface    *string `json:"tooth_surface,omitempty"`
	Quadrant   *string `json:"tooth_quadrant,omitempty"`
	Note       *string `json:"note,omitempty"`
	DoctorID   *string `json:"doctor_id,omitempty"`
	DoctorName *string `json:"doctor_name,omitempty"`
}

// Edit changes an open plan in place. The location is re-normalized before
// anything is written to p.
func (p *TreatmentPlan) Edit(e PlanEdit, by Actor, at time.Time) error {
	if err := p.checkMutable(); err != nil {
		return err
	}
	if p.IsApplied && !p.IsContinuousCare() {
		return ErrAlreadyApplied
	}

	loc := p.Location
	if e.Number != nil {
		loc.Number = *e.Number
		loc.Quadrant = ""
	}
	if e.Surface != nil {
		loc.Surface = *e.Surface
	}
	if e.Quadrant != nil {
		loc.Quadrant = *e.Quadrant
	}
	loc, err := loc.Normalized()
	if err != nil {
		return err
	}
	if e.DoctorID != nil && *e.DoctorID == "" {
		return required("doctor_id")
	}

	p.Location = loc
	if e.Note != nil {
		p.Note = *e.Note
	}
	if e.DoctorID != nil {
		p.DoctorID = *e.DoctorID
	}
	if e.DoctorName != nil {
		p.DoctorName = *e.DoctorName
	}
	p.Modified = NewStamp(by, at)
	return nil
}

// Apply converts the plan into a performed treatment for visitID. A PLAN category
// plan can be applied once. CONTINUOUS_CARE plans can be applied any number of
// times, including more than once in the same visit.
func (p *TreatmentPlan) Apply(visitID uuid.UUID, performer Actor, at time.Time) (*Treatment, error) {
	if err := p.checkMutable(); err != nil {
		return nil, err
	}
	if p.IsApplied && !p.IsContinuousCare() {
		return nil, ErrAlreadyApplied
	}
	if visitID == uuid.Nil {
		return nil, required("visit_id")
	}
	if performer.ID == "" {
		return nil, required("doctor_id")
	}

	planID := p.ID
	t := &Treatment{
		ID:          uuid.New(),
		PatientID:   p.PatientID,
		VisitID:     visitID,
		ItemID:      p.ItemID,
		Location:    p.Location,
		Note:        p.Note,
		DoctorID:    performer.ID,
		DoctorName:  performer.Name,
		PerformedAt: at,
		PlanID:      &planID,
		Modified:    NewStamp(performer, at),
	}
	if p.CourseID != nil {
		courseID := *p.CourseID
		t.CourseID = &courseID
	}

	p.IsApplied = true
	p.Modified = NewStamp(performer, at)
	return t, nil
}

// Archive closes the plan. It is terminal.
func (p *TreatmentPlan) Archive(by Actor, at time.Time) error {
	if err := p.checkMutable(); err != nil {
		return err
	}
	if by.ID == "" {
		return required("doctor_id")
	}
	stamp := NewStamp(by, at)
	p.Archived = ArchiveState{IsArchived: true, By: &stamp}
	p.Modified = stamp
	return nil
}

func (p *TreatmentPlan) checkMutable() error {
	if p.Archived.IsArchived {
		return ErrArchivedPlan
	}
	return nil
}
