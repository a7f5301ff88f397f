package dental

import (
	"time"

	"github.com/google/uuid"
)

// ToothChartEntry maps to the dental_tooth_chart table. There is one row per
// (patient, tooth number).
type ToothChartEntry struct {
	ID          uuid.UUID `db:"id" json:"id"`
	PatientID   uuid.UUID `db:"patient_id" json:"patient_id"`
	ToothNumber string    `db:"tooth_number" json:"tooth_number"`
	ToothType   ToothType `db:"tooth_type" json:"tooth_type"`
	IsMissing   bool      `db:"is_missing" json:"is_missing"`
	Modified    Stamp     `json:"modified"`
}

// TreatmentItem is master data describing an orderable dental item.
type TreatmentItem struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	Code        string     `db:"code" json:"code"`
	Name        string     `db:"name" json:"name"`
	SymbolID    string     `db:"symbol_id" json:"symbol_id,omitempty"`
	SymbolType  string     `db:"symbol_type" json:"symbol_type,omitempty"`
	IconPath    string     `db:"icon_path" json:"icon_path,omitempty"`
	RenderType  RenderType `db:"render_type" json:"render_type"`
	ActionType  ActionType `db:"action_type" json:"action_type"`
	IsTreatment bool       `db:"is_treatment" json:"is_treatment"`
	TxTypeID    *string    `db:"tx_type_id" json:"tx_type_id,omitempty"`
	Note        *string    `db:"note" json:"note,omitempty"`
}

// DiagnosisDefinition is master data for a chartable diagnosis.
type DiagnosisDefinition struct {
	ID               uuid.UUID  `db:"id" json:"id"`
	Description      string     `db:"description" json:"description"`
	SymbolID         string     `db:"symbol_id" json:"symbol_id,omitempty"`
	SymbolType       string     `db:"symbol_type" json:"symbol_type,omitempty"`
	IconPath         string     `db:"icon_path" json:"icon_path,omitempty"`
	RenderType       RenderType `db:"render_type" json:"render_type"`
	ActionType       ActionType `db:"action_type" json:"action_type"`
	ICD10Code        string     `db:"icd10_code" json:"icd10_code"`
	ICD10Description string     `db:"icd10_description" json:"icd10_description"`
}

// Diagnosis maps to the dental_diagnosis table.
type Diagnosis struct {
	ID               uuid.UUID     `db:"id" json:"id"`
	VisitID          uuid.UUID     `db:"visit_id" json:"visit_id"`
	PatientID        uuid.UUID     `db:"patient_id" json:"patient_id"`
	Location         ToothLocation `json:"location"`
	Note             string        `db:"note" json:"note,omitempty"`
	DoctorID         string        `db:"doctor_id" json:"doctor_id"`
	DoctorName       string        `db:"doctor_name" json:"doctor_name,omitempty"`
	DiagnosedAt      time.Time     `db:"diagnosed_at" json:"diagnosed_at"`
	ICD10Code        string        `db:"icd10_code" json:"icd10_code,omitempty"`
	ICD10Description string        `db:"icd10_description" json:"icd10_description,omitempty"`
	Type             DiagnosisType `db:"diagnosis_type" json:"diagnosis_type"`
	DefinitionID     *uuid.UUID    `db:"definition_id" json:"definition_id,omitempty"`
	Created          Stamp         `json:"created"`
}

// TreatmentCourse maps to the dental_treatment_course table. A course spans every
// Treatment that carries its id.
type TreatmentCourse struct {
	ID            uuid.UUID `db:"id" json:"id"`
	PatientID     uuid.UUID `db:"patient_id" json:"patient_id"`
	PriceEstimate float64   `db:"price_estimate" json:"price_estimate"`
	PricePaid     float64   `db:"price_paid" json:"price_paid"`
	IsCompleted   bool      `db:"is_completed" json:"is_completed"`
	NextNote      string    `db:"next_note" json:"next_note,omitempty"`
	Created       Stamp     `json:"created"`
	Modified      Stamp     `json:"modified"`
	VersionID     int       `db:"version_id" json:"version_id"`
}

// ArchiveState is the terminal sub-state of a plan.
type ArchiveState struct {
	IsArchived bool   `json:"is_archived"`
	By         *Stamp `json:"by,omitempty"`
}

// TreatmentPlan maps to the dental_treatment_plan table.
type TreatmentPlan struct {
	ID         uuid.UUID     `db:"id" json:"id"`
	PatientID  uuid.UUID     `db:"patient_id" json:"patient_id"`
	VisitID    uuid.UUID     `db:"visit_id" json:"visit_id"`
	ItemID     uuid.UUID     `db:"item_id" json:"item_id"`
	Location   ToothLocation `json:"location"`
	PlanNo     int           `db:"plan_no" json:"plan_no"`
	Note       string        `db:"note" json:"note,omitempty"`
	DoctorID   string        `db:"doctor_id" json:"doctor_id"`
	DoctorName string        `db:"doctor_name" json:"doctor_name,omitempty"`
	Category   PlanCategory  `db:"category" json:"category"`
	TxTypeID   *string       `db:"tx_type_id" json:"tx_type_id,omitempty"`
	CourseID   *uuid.UUID    `db:"course_id" json:"course_id,omitempty"`
	Archived   ArchiveState  `json:"archived"`
	IsApplied  bool          `db:"is_applied" json:"is_applied"`
	Modified   Stamp         `json:"modified"`
	VersionID  int           `db:"version_id" json:"version_id"`
}

// Treatment maps to the dental_treatment table.
type Treatment struct {
	ID          uuid.UUID     `db:"id" json:"id"`
	PatientID   uuid.UUID     `db:"patient_id" json:"patient_id"`
	VisitID     uuid.UUID     `db:"visit_id" json:"visit_id"`
	ItemID      uuid.UUID     `db:"item_id" json:"item_id"`
	OrderItemID *uuid.UUID    `db:"order_item_id" json:"order_item_id,omitempty"`
	Location    ToothLocation `json:"location"`
	Note        string        `db:"note" json:"note,omitempty"`
	DoctorID    string        `db:"doctor_id" json:"doctor_id"`
	DoctorName  string        `db:"doctor_name" json:"doctor_name,omitempty"`
	PerformedAt time.Time     `db:"performed_at" json:"performed_at"`
	SymbolID    string        `db:"symbol_id" json:"symbol_id,omitempty"`
	PlanID      *uuid.UUID    `db:"plan_id" json:"plan_id,omitempty"`

	CourseID            *uuid.UUID `db:"course_id" json:"course_id,omitempty"`
	CoursePriceEstimate *float64   `db:"course_price_estimate" json:"course_price_estimate,omitempty"`
	CoursePricePaid     *float64   `db:"course_price_paid" json:"course_price_paid,omitempty"`
	CourseCompleted     *bool      `db:"course_completed" json:"course_completed,omitempty"`
	CourseNextNote      string     `db:"course_next_note" json:"course_next_note,omitempty"`

	IsVoided bool   `db:"is_voided" json:"is_voided"`
	Voided   *Stamp `json:"voided,omitempty"`

	IsEdited bool   `db:"is_edited" json:"is_edited"`
	Tracking *Stamp `json:"tracking,omitempty"`
	Modified Stamp  `json:"modified"`

	VersionID int `db:"version_id" json:"version_id"`

	// Transient, computed per mutation.
	AddedSymbols   []Symbol `db:"-" json:"added_symbols,omitempty"`
	RemovedSymbols []Symbol `db:"-" json:"removed_symbols,omitempty"`
	ICD9Changed    bool     `db:"-" json:"icd9_changed,omitempty"`
}

// PricePaid returns the course payment recorded with this treatment, zero when absent.
func (t *Treatment) PricePaid() float64 {
	if t.CoursePricePaid == nil {
		return 0
	}
	return *t.CoursePricePaid
}

// PriceEstimate returns the course estimate recorded with this treatment, zero when absent.
func (t *Treatment) PriceEstimate() float64 {
	if t.CoursePriceEstimate == nil {
		return 0
	}
	return *t.CoursePriceEstimate
}

// IsCourseCompleted defaults to false when no value was recorded.
func (t *Treatment) IsCourseCompleted() bool {
	return t.CourseCompleted != nil && *t.CourseCompleted
}

// IsCourse reports whether the treatment belongs to a treatment course.
func (t *Treatment) IsCourse() bool {
	return t.CourseID != nil
}

// Precaution maps to the dental_precaution table.
type Precaution struct {
	ID        uuid.UUID `db:"id" json:"id"`
	PatientID uuid.UUID `db:"patient_id" json:"patient_id"`
	Text      string    `db:"text" json:"text"`
	IsActive  bool      `db:"is_active" json:"is_active"`
	Created   Stamp     `json:"created"`
}

// PatientChart is the read model returned to the chart screen.
type PatientChart struct {
	PatientID          uuid.UUID               `json:"patient_id"`
	Teeth              []*ToothChartEntry      `json:"teeth"`
	Symbols            []Symbol                `json:"symbols"`
	Visible            []Symbol                `json:"visible"`
	OpenPlans          []*TreatmentPlan        `json:"open_plans"`
	ActivePrecaution   *Precaution             `json:"active_precaution,omitempty"`
	OutstandingBalance float64                 `json:"outstanding_balance"`
	History            map[string][]*Treatment `json:"history"`
}
