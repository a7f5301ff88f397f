package dental

import "github.com/google/uuid"

// PrintAggregate collects the records of one print job. Each record is kept once,
// in the order it was first seen.
type PrintAggregate struct {
	Diagnoses  []*Diagnosis     `json:"diagnoses"`
	Plans      []*TreatmentPlan `json:"plans"`
	Treatments []*Treatment     `json:"treatments"`

	seenDiagnoses  map[uuid.UUID]struct{}
	seenPlans      map[uuid.UUID]struct{}
	seenTreatments map[uuid.UUID]struct{}
}

func NewPrintAggregate() *PrintAggregate {
	return &PrintAggregate{
		Diagnoses:      []*Diagnosis{},
		Plans:          []*TreatmentPlan{},
		Treatments:     []*Treatment{},
		seenDiagnoses:  make(map[uuid.UUID]struct{}),
		seenPlans:      make(map[uuid.UUID]struct{}),
		seenTreatments: make(map[uuid.UUID]struct{}),
	}
}

// AddDiagnosis returns false, leaving the aggregate untouched, when d is nil or
// already present.
func (a *PrintAggregate) AddDiagnosis(d *Diagnosis) bool {
	if d == nil || !markSeen(&a.seenDiagnoses, d.ID) {
		return false
	}
	a.Diagnoses = append(a.Diagnoses, d)
	return true
}

func (a *PrintAggregate) AddPlan(p *TreatmentPlan) bool {
	if p == nil || !markSeen(&a.seenPlans, p.ID) {
		return false
	}
	a.Plans = append(a.Plans, p)
	return true
}

func (a *PrintAggregate) AddTreatment(t *Treatment) bool {
	if t == nil || !markSeen(&a.seenTreatments, t.ID) {
		return false
	}
	a.Treatments = append(a.Treatments, t)
	return true
}

// Merge adds every record of other, dropping duplicates.
func (a *PrintAggregate) Merge(other *PrintAggregate) {
	if other == nil {
		return
	}
	for _, d := range other.Diagnoses {
		a.AddDiagnosis(d)
	}
	for _, p := range other.Plans {
		a.AddPlan(p)
	}
	for _, t := range other.Treatments {
		a.AddTreatment(t)
	}
}

func markSeen(seen *map[uuid.UUID]struct{}, id uuid.UUID) bool {
	if *seen == nil {
		*seen = make(map[uuid.UUID]struct{})
	}
	if _, ok := (*seen)[id]; ok {
		return false
	}
	(*seen)[id] = struct{}{}
	return true
}
