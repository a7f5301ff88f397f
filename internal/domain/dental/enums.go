package dental

import "strings"

// PlanCategory classifies a treatment plan entry.
type PlanCategory string

const (
	CategoryPlan           PlanCategory = "PLAN"
	CategoryContinuousCare PlanCategory = "CONTINUOUS_CARE"
)

// ParsePlanCategory maps a stored or submitted value to a category. Absent values
// default to CategoryPlan.
func ParsePlanCategory(s string) (PlanCategory, error) {
	switch PlanCategory(strings.ToUpper(strings.TrimSpace(s))) {
	case "", CategoryPlan:
		return CategoryPlan, nil
	case CategoryContinuousCare:
		return CategoryContinuousCare, nil
	}
	return "", invalid("category", "unknown plan category %q", s)
}

func (c PlanCategory) OrDefault() PlanCategory {
	if c == "" {
		return CategoryPlan
	}
	return c
}

func (c PlanCategory) MarshalText() ([]byte, error) {
	return []byte(c.OrDefault()), nil
}

func (c *PlanCategory) UnmarshalText(b []byte) error {
	v, err := ParsePlanCategory(string(b))
	if err != nil {
		return err
	}
	*c = v
	return nil
}

// RenderType distinguishes diagnosis symbols from treatment symbols on the chart.
type RenderType string

const (
	RenderDiagnosis RenderType = "diagnosis"
	RenderTreatment RenderType = "treatment"
)

// ParseRenderType defaults absent values to RenderTreatment, the rendering used by
// master items unless they say otherwise.
func ParseRenderType(s string) (RenderType, error) {
	switch RenderType(strings.ToLower(strings.TrimSpace(s))) {
	case "", RenderTreatment:
		return RenderTreatment, nil
	case RenderDiagnosis:
		return RenderDiagnosis, nil
	}
	return "", invalid("render_type", "unknown render type %q", s)
}

func (r RenderType) OrDefault() RenderType {
	if r == "" {
		return RenderTreatment
	}
	return r
}

func (r RenderType) MarshalText() ([]byte, error) {
	return []byte(r.OrDefault()), nil
}

func (r *RenderType) UnmarshalText(b []byte) error {
	v, err := ParseRenderType(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// ActionType tells what an item or diagnosis does to the teeth chart.
type ActionType string

const (
	// ActionMark draws the item's symbol on the affected tooth.
	ActionMark ActionType = "mark"
	// ActionMissing draws the symbol and flags the tooth as missing.
	ActionMissing ActionType = "missing"
	// ActionNone leaves the chart untouched (pure procedures).
	ActionNone ActionType = "none"
)

func ParseActionType(s string) (ActionType, error) {
	switch ActionType(strings.ToLower(strings.TrimSpace(s))) {
	case "", ActionMark:
		return ActionMark, nil
	case ActionMissing:
		return ActionMissing, nil
	case ActionNone:
		return ActionNone, nil
	}
	return "", invalid("action_type", "unknown action type %q", s)
}

func (a ActionType) OrDefault() ActionType {
	if a == "" {
		return ActionMark
	}
	return a
}

// DrawsSymbol reports whether events with this action project a chart symbol.
func (a ActionType) DrawsSymbol() bool {
	switch a.OrDefault() {
	case ActionMark, ActionMissing:
		return true
	case ActionNone:
		return false
	}
	return false
}

func (a ActionType) MarshalText() ([]byte, error) {
	return []byte(a.OrDefault()), nil
}

func (a *ActionType) UnmarshalText(b []byte) error {
	v, err := ParseActionType(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// ToothType classifies a tooth chart entry.
type ToothType string

const (
	ToothPermanent ToothType = "permanent"
	ToothPrimary   ToothType = "primary"
)

func ParseToothType(s string) (ToothType, error) {
	switch ToothType(strings.ToLower(strings.TrimSpace(s))) {
	case "", ToothPermanent:
		return ToothPermanent, nil
	case ToothPrimary:
		return ToothPrimary, nil
	}
	return "", invalid("tooth_type", "unknown tooth type %q", s)
}

func (t ToothType) OrDefault() ToothType {
	if t == "" {
		return ToothPermanent
	}
	return t
}

func (t ToothType) MarshalText() ([]byte, error) {
	return []byte(t.OrDefault()), nil
}

func (t *ToothType) UnmarshalText(b []byte) error {
	v, err := ParseToothType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// DiagnosisType classifies a recorded diagnosis.
type DiagnosisType string

const (
	DiagnosisPrincipal    DiagnosisType = "principal"
	DiagnosisComorbidity  DiagnosisType = "comorbidity"
	DiagnosisComplication DiagnosisType = "complication"
	DiagnosisOther        DiagnosisType = "other"
)

func ParseDiagnosisType(s string) (DiagnosisType, error) {
	switch DiagnosisType(strings.ToLower(strings.TrimSpace(s))) {
	case "", DiagnosisPrincipal:
		return DiagnosisPrincipal, nil
	case DiagnosisComorbidity:
		return DiagnosisComorbidity, nil
	case DiagnosisComplication:
		return DiagnosisComplication, nil
	case DiagnosisOther:
		return DiagnosisOther, nil
	}
	return "", invalid("diagnosis_type", "unknown diagnosis type %q", s)
}

func (d DiagnosisType) OrDefault() DiagnosisType {
	if d == "" {
		return DiagnosisPrincipal
	}
	return d
}

func (d DiagnosisType) MarshalText() ([]byte, error) {
	return []byte(d.OrDefault()), nil
}

func (d *DiagnosisType) UnmarshalText(b []byte) error {
	v, err := ParseDiagnosisType(string(b))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// PlanState is derived from a plan's applied and archive flags.
type PlanState int

const (
	PlanPlanned PlanState = iota
	PlanApplied
	PlanArchived
)

func (s PlanState) String() string {
	switch s {
	case PlanPlanned:
		return "planned"
	case PlanApplied:
		return "applied"
	case PlanArchived:
		return "archived"
	}
	return "unknown"
}

func (s PlanState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
