package dental

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/dental/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// pgBase picks the transaction, then the tenant connection, then the pool.
type pgBase struct{ pool *pgxpool.Pool }

func (r pgBase) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// checkVersioned turns a zero-row optimistic update into ErrNotFound or
// ErrVersionConflict.
func (r pgBase) checkVersioned(ctx context.Context, tag pgconn.CommandTag, table string, id uuid.UUID) error {
	if tag.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	err := r.conn(ctx).QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM `+table+` WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrVersionConflict
}

// nullStamp scans an optional actor stamp.
type nullStamp struct {
	id, name *string
	at       *time.Time
}

func (n nullStamp) stamp() *Stamp {
	if n.id == nil || n.at == nil {
		return nil
	}
	s := Stamp{ActorID: *n.id, At: *n.at}
	if n.name != nil {
		s.ActorName = *n.name
	}
	return &s
}

func stampArgs(s *Stamp) (interface{}, interface{}, interface{}) {
	if s == nil {
		return nil, nil, nil
	}
	return s.ActorID, s.ActorName, s.At
}

// =========== Catalog Repository ===========

type catalogRepoPG struct{ pgBase }

func NewCatalogRepoPG(pool *pgxpool.Pool) CatalogRepository {
	return &catalogRepoPG{pgBase{pool: pool}}
}

func (r *catalogRepoPG) GetItem(ctx context.Context, id uuid.UUID) (*TreatmentItem, error) {
	var it TreatmentItem
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id, code, name, symbol_id, symbol_type, icon_path, render_type, action_type,
			is_treatment, tx_type_id, note
		FROM dental_treatment_item WHERE id = $1`, id).Scan(
		&it.ID, &it.Code, &it.Name, &it.SymbolID, &it.SymbolType, &it.IconPath, &it.RenderType, &it.ActionType,
		&it.IsTreatment, &it.TxTypeID, &it.Note)
	if err != nil {
		return nil, notFound(err)
	}
	return &it, nil
}

func (r *catalogRepoPG) GetDiagnosisDefinition(ctx context.Context, id uuid.UUID) (*DiagnosisDefinition, error) {
	var d DiagnosisDefinition
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id, description, symbol_id, symbol_type, icon_path, render_type, action_type,
			icd10_code, icd10_description
		FROM dental_diagnosis_definition WHERE id = $1`, id).Scan(
		&d.ID, &d.Description, &d.SymbolID, &d.SymbolType, &d.IconPath, &d.RenderType, &d.ActionType,
		&d.ICD10Code, &d.ICD10Description)
	if err != nil {
		return nil, notFound(err)
	}
	return &d, nil
}

// =========== Diagnosis Repository ===========

type diagnosisRepoPG struct{ pgBase }

func NewDiagnosisRepoPG(pool *pgxpool.Pool) DiagnosisRepository {
	return &diagnosisRepoPG{pgBase{pool: pool}}
}

const diagCols = `id, visit_id, patient_id, tooth_number, tooth_surface, tooth_quadrant, note,
	doctor_id, doctor_name, diagnosed_at, icd10_code, icd10_description, diagnosis_type, definition_id,
	created_by_id, created_by_name, created_at`

func (r *diagnosisRepoPG) scanDiagnosis(row pgx.Row) (*Diagnosis, error) {
	var d Diagnosis
	err := row.Scan(&d.ID, &d.VisitID, &d.PatientID, &d.Location.Number, &d.Location.Surface, &d.Location.Quadrant, &d.Note,
		&d.DoctorID, &d.DoctorName, &d.DiagnosedAt, &d.ICD10Code, &d.ICD10Description, &d.Type, &d.DefinitionID,
		&d.Created.ActorID, &d.Created.ActorName, &d.Created.At)
	if err != nil {
		return nil, notFound(err)
	}
	return &d, nil
}

func (r *diagnosisRepoPG) Create(ctx context.Context, d *Diagnosis) error {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO dental_diagnosis (`+diagCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		d.ID, d.VisitID, d.PatientID, d.Location.Number, d.Location.Surface, d.Location.Quadrant, d.Note,
		d.DoctorID, d.DoctorName, d.DiagnosedAt, d.ICD10Code, d.ICD10Description, d.Type.OrDefault(), d.DefinitionID,
		d.Created.ActorID, d.Created.ActorName, d.Created.At)
	return err
}

func (r *diagnosisRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Diagnosis, error) {
	return r.scanDiagnosis(r.conn(ctx).QueryRow(ctx, `SELECT `+diagCols+` FROM dental_diagnosis WHERE id = $1`, id))
}

func (r *diagnosisRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM dental_diagnosis WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *diagnosisRepoPG) ListByVisit(ctx context.Context, visitID uuid.UUID) ([]*Diagnosis, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+diagCols+` FROM dental_diagnosis WHERE visit_id = $1 ORDER BY diagnosed_at, id`, visitID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Diagnosis
	for rows.Next() {
		d, err := r.scanDiagnosis(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, d)
	}
	return items, rows.Err()
}

// =========== Plan Repository ===========

type planRepoPG struct{ pgBase }

func NewPlanRepoPG(pool *pgxpool.Pool) PlanRepository {
	return &planRepoPG{pgBase{pool: pool}}
}

const planCols = `id, patient_id, visit_id, item_id, tooth_number, tooth_surface, tooth_quadrant,
	plan_no, note, doctor_id, doctor_name, category, tx_type_id, course_id,
	is_archived, archived_by_id, archived_by_name, archived_at, is_applied,
	modified_by_id, modified_by_name, modified_at, version_id`

func (r *planRepoPG) scanPlan(row pgx.Row) (*TreatmentPlan, error) {
	var p TreatmentPlan
	var archived nullStamp
	err := row.Scan(&p.ID, &p.PatientID, &p.VisitID, &p.ItemID, &p.Location.Number, &p.Location.Surface, &p.Location.Quadrant,
		&p.PlanNo, &p.Note, &p.DoctorID, &p.DoctorName, &p.Category, &p.TxTypeID, &p.CourseID,
		&p.Archived.IsArchived, &archived.id, &archived.name, &archived.at, &p.IsApplied,
		&p.Modified.ActorID, &p.Modified.ActorName, &p.Modified.At, &p.VersionID)
	if err != nil {
		return nil, notFound(err)
	}
	p.Archived.By = archived.stamp()
	return &p, nil
}

func (r *planRepoPG) Create(ctx context.Context, p *TreatmentPlan) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.VersionID = 1
	archID, archName, archAt := stampArgs(p.Archived.By)
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO dental_treatment_plan (`+planCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)`,
		p.ID, p.PatientID, p.VisitID, p.ItemID, p.Location.Number, p.Location.Surface, p.Location.Quadrant,
		p.PlanNo, p.Note, p.DoctorID, p.DoctorName, p.Category.OrDefault(), p.TxTypeID, p.CourseID,
		p.Archived.IsArchived, archID, archName, archAt, p.IsApplied,
		p.Modified.ActorID, p.Modified.ActorName, p.Modified.At, p.VersionID)
	return err
}

func (r *planRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*TreatmentPlan, error) {
	return r.scanPlan(r.conn(ctx).QueryRow(ctx, `SELECT `+planCols+` FROM dental_treatment_plan WHERE id = $1`, id))
}

func (r *planRepoPG) Update(ctx context.Context, p *TreatmentPlan) error {
	archID, archName, archAt := stampArgs(p.Archived.By)
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE dental_treatment_plan SET tooth_number=$3, tooth_surface=$4, tooth_quadrant=$5,
			note=$6, doctor_id=$7, doctor_name=$8, category=$9, course_id=$10,
			is_archived=$11, archived_by_id=$12, archived_by_name=$13, archived_at=$14, is_applied=$15,
			modified_by_id=$16, modified_by_name=$17, modified_at=$18, version_id = version_id + 1
		WHERE id = $1 AND version_id = $2`,
		p.ID, p.VersionID, p.Location.Number, p.Location.Surface, p.Location.Quadrant,
		p.Note, p.DoctorID, p.DoctorName, p.Category.OrDefault(), p.CourseID,
		p.Archived.IsArchived, archID, archName, archAt, p.IsApplied,
		p.Modified.ActorID, p.Modified.ActorName, p.Modified.At)
	if err != nil {
		return err
	}
	if err := r.checkVersioned(ctx, tag, "dental_treatment_plan", p.ID); err != nil {
		return err
	}
	p.VersionID++
	return nil
}

func (r *planRepoPG) collect(rows pgx.Rows) ([]*TreatmentPlan, error) {
	defer rows.Close()
	var items []*TreatmentPlan
	for rows.Next() {
		p, err := r.scanPlan(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, p)
	}
	return items, rows.Err()
}

func (r *planRepoPG) ListByVisit(ctx context.Context, visitID uuid.UUID) ([]*TreatmentPlan, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+planCols+` FROM dental_treatment_plan WHERE visit_id = $1 ORDER BY plan_no, id`, visitID)
	if err != nil {
		return nil, err
	}
	return r.collect(rows)
}

func (r *planRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, includeArchived bool, limit, offset int) ([]*TreatmentPlan, int, error) {
	where := ` WHERE patient_id = $1`
	if !includeArchived {
		where += ` AND NOT is_archived`
	}
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM dental_treatment_plan`+where, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+planCols+` FROM dental_treatment_plan`+where+
		` ORDER BY modified_at DESC, plan_no LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	items, err := r.collect(rows)
	return items, total, err
}

func (r *planRepoPG) NextPlanNo(ctx context.Context, visitID uuid.UUID) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `SELECT COALESCE(MAX(plan_no), 0) + 1 FROM dental_treatment_plan WHERE visit_id = $1`, visitID).Scan(&n)
	return n, err
}

// =========== Treatment Repository ===========

type treatmentRepoPG struct{ pgBase }

func NewTreatmentRepoPG(pool *pgxpool.Pool) TreatmentRepository {
	return &treatmentRepoPG{pgBase{pool: pool}}
}

const treatmentCols = `id, patient_id, visit_id, item_id, order_item_id,
	tooth_number, tooth_surface, tooth_quadrant, note, doctor_id, doctor_name, performed_at,
	symbol_id, plan_id, course_id, course_price_estimate, course_price_paid, course_completed, course_next_note,
	is_voided, voided_by_id, voided_by_name, voided_at,
	is_edited, tracking_by_id, tracking_by_name, tracking_at,
	modified_by_id, modified_by_name, modified_at, version_id`

func (r *treatmentRepoPG) scanTreatment(row pgx.Row) (*Treatment, error) {
	var t Treatment
	var voided, tracking nullStamp
	err := row.Scan(&t.ID, &t.PatientID, &t.VisitID, &t.ItemID, &t.OrderItemID,
		&t.Location.Number, &t.Location.Surface, &t.Location.Quadrant, &t.Note, &t.DoctorID, &t.DoctorName, &t.PerformedAt,
		&t.SymbolID, &t.PlanID, &t.CourseID, &t.CoursePriceEstimate, &t.CoursePricePaid, &t.CourseCompleted, &t.CourseNextNote,
		&t.IsVoided, &voided.id, &voided.name, &voided.at,
		&t.IsEdited, &tracking.id, &tracking.name, &tracking.at,
		&t.Modified.ActorID, &t.Modified.ActorName, &t.Modified.At, &t.VersionID)
	if err != nil {
		return nil, notFound(err)
	}
	t.Voided = voided.stamp()
	t.Tracking = tracking.stamp()
	return &t, nil
}

func (r *treatmentRepoPG) Create(ctx context.Context, t *Treatment) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	t.VersionID = 1
	vID, vName, vAt := stampArgs(t.Voided)
	trID, trName, trAt := stampArgs(t.Tracking)
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO dental_treatment (`+treatmentCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28,$29,$30,$31)`,
		t.ID, t.PatientID, t.VisitID, t.ItemID, t.OrderItemID,
		t.Location.Number, t.Location.Surface, t.Location.Quadrant, t.Note, t.DoctorID, t.DoctorName, t.PerformedAt,
		t.SymbolID, t.PlanID, t.CourseID, t.CoursePriceEstimate, t.CoursePricePaid, t.CourseCompleted, t.CourseNextNote,
		t.IsVoided, vID, vName, vAt,
		t.IsEdited, trID, trName, trAt,
		t.Modified.ActorID, t.Modified.ActorName, t.Modified.At, t.VersionID)
	return err
}

func (r *treatmentRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Treatment, error) {
	return r.scanTreatment(r.conn(ctx).QueryRow(ctx, `SELECT `+treatmentCols+` FROM dental_treatment WHERE id = $1`, id))
}

func (r *treatmentRepoPG) GetByOrderItem(ctx context.Context, orderItemID uuid.UUID) (*Treatment, error) {
	return r.scanTreatment(r.conn(ctx).QueryRow(ctx,
		`SELECT `+treatmentCols+` FROM dental_treatment WHERE order_item_id = $1 AND NOT is_voided ORDER BY performed_at DESC LIMIT 1`, orderItemID))
}

func (r *treatmentRepoPG) Update(ctx context.Context, t *Treatment) error {
	vID, vName, vAt := stampArgs(t.Voided)
	trID, trName, trAt := stampArgs(t.Tracking)
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE dental_treatment SET tooth_number=$3, tooth_surface=$4, tooth_quadrant=$5, note=$6,
			doctor_id=$7, doctor_name=$8, performed_at=$9, symbol_id=$10, course_id=$11,
			course_price_estimate=$12, course_price_paid=$13, course_completed=$14, course_next_note=$15,
			is_voided=$16, voided_by_id=$17, voided_by_name=$18, voided_at=$19,
			is_edited=$20, tracking_by_id=$21, tracking_by_name=$22, tracking_at=$23,
			modified_by_id=$24, modified_by_name=$25, modified_at=$26, version_id = version_id + 1
		WHERE id = $1 AND version_id = $2`,
		t.ID, t.VersionID, t.Location.Number, t.Location.Surface, t.Location.Quadrant, t.Note,
		t.DoctorID, t.DoctorName, t.PerformedAt, t.SymbolID, t.CourseID,
		t.CoursePriceEstimate, t.CoursePricePaid, t.CourseCompleted, t.CourseNextNote,
		t.IsVoided, vID, vName, vAt,
		t.IsEdited, trID, trName, trAt,
		t.Modified.ActorID, t.Modified.ActorName, t.Modified.At)
	if err != nil {
		return err
	}
	if err := r.checkVersioned(ctx, tag, "dental_treatment", t.ID); err != nil {
		return err
	}
	t.VersionID++
	return nil
}

func (r *treatmentRepoPG) collect(rows pgx.Rows) ([]*Treatment, error) {
	defer rows.Close()
	var items []*Treatment
	for rows.Next() {
		t, err := r.scanTreatment(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, t)
	}
	return items, rows.Err()
}

func (r *treatmentRepoPG) ListByVisit(ctx context.Context, visitID uuid.UUID) ([]*Treatment, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+treatmentCols+` FROM dental_treatment WHERE visit_id = $1 ORDER BY performed_at, id`, visitID)
	if err != nil {
		return nil, err
	}
	return r.collect(rows)
}

func (r *treatmentRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Treatment, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM dental_treatment WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+treatmentCols+` FROM dental_treatment WHERE patient_id = $1
		ORDER BY performed_at DESC, id LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	items, err := r.collect(rows)
	return items, total, err
}

func (r *treatmentRepoPG) ListByCourse(ctx context.Context, patientID, courseID uuid.UUID) ([]*Treatment, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+treatmentCols+` FROM dental_treatment
		WHERE patient_id = $1 AND course_id = $2 ORDER BY performed_at, id`, patientID, courseID)
	if err != nil {
		return nil, err
	}
	return r.collect(rows)
}

func (r *treatmentRepoPG) ListByTooth(ctx context.Context, patientID uuid.UUID, toothNumber string) ([]*Treatment, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+treatmentCols+` FROM dental_treatment
		WHERE patient_id = $1 AND tooth_number = $2 AND NOT is_voided ORDER BY performed_at, id`, patientID, toothNumber)
	if err != nil {
		return nil, err
	}
	return r.collect(rows)
}

// =========== Course Repository ===========

type courseRepoPG struct{ pgBase }

func NewCourseRepoPG(pool *pgxpool.Pool) CourseRepository {
	return &courseRepoPG{pgBase{pool: pool}}
}

const courseCols = `id, patient_id, price_estimate, price_paid, is_completed, next_note,
	created_by_id, created_by_name, created_at, modified_by_id, modified_by_name, modified_at, version_id`

func (r *courseRepoPG) scanCourse(row pgx.Row) (*TreatmentCourse, error) {
	var c TreatmentCourse
	err := row.Scan(&c.ID, &c.PatientID, &c.PriceEstimate, &c.PricePaid, &c.IsCompleted, &c.NextNote,
		&c.Created.ActorID, &c.Created.ActorName, &c.Created.At,
		&c.Modified.ActorID, &c.Modified.ActorName, &c.Modified.At, &c.VersionID)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func (r *courseRepoPG) Create(ctx context.Context, c *TreatmentCourse) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	c.VersionID = 1
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO dental_treatment_course (`+courseCols+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		c.ID, c.PatientID, c.PriceEstimate, c.PricePaid, c.IsCompleted, c.NextNote,
		c.Created.ActorID, c.Created.ActorName, c.Created.At,
		c.Modified.ActorID, c.Modified.ActorName, c.Modified.At, c.VersionID)
	return err
}

func (r *courseRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*TreatmentCourse, error) {
	return r.scanCourse(r.conn(ctx).QueryRow(ctx, `SELECT `+courseCols+` FROM dental_treatment_course WHERE id = $1`, id))
}

func (r *courseRepoPG) Update(ctx context.Context, c *TreatmentCourse) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE dental_treatment_course SET price_estimate=$3, price_paid=$4, is_completed=$5, next_note=$6,
			modified_by_id=$7, modified_by_name=$8, modified_at=$9, version_id = version_id + 1
		WHERE id = $1 AND version_id = $2`,
		c.ID, c.VersionID, c.PriceEstimate, c.PricePaid, c.IsCompleted, c.NextNote,
		c.Modified.ActorID, c.Modified.ActorName, c.Modified.At)
	if err != nil {
		return err
	}
	if err := r.checkVersioned(ctx, tag, "dental_treatment_course", c.ID); err != nil {
		return err
	}
	c.VersionID++
	return nil
}

func (r *courseRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*TreatmentCourse, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+courseCols+` FROM dental_treatment_course WHERE patient_id = $1 ORDER BY created_at`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*TreatmentCourse
	for rows.Next() {
		c, err := r.scanCourse(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

// =========== Chart Repository ===========

type chartRepoPG struct{ pgBase }

func NewChartRepoPG(pool *pgxpool.Pool) ChartRepository {
	return &chartRepoPG{pgBase{pool: pool}}
}

func (r *chartRepoPG) UpsertEntry(ctx context.Context, e *ToothChartEntry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO dental_tooth_chart (id, patient_id, tooth_number, tooth_type, is_missing,
			modified_by_id, modified_by_name, modified_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (patient_id, tooth_number) DO UPDATE SET
			tooth_type = EXCLUDED.tooth_type, is_missing = EXCLUDED.is_missing,
			modified_by_id = EXCLUDED.modified_by_id, modified_by_name = EXCLUDED.modified_by_name,
			modified_at = EXCLUDED.modified_at
		RETURNING id`,
		e.ID, e.PatientID, e.ToothNumber, e.ToothType.OrDefault(), e.IsMissing,
		e.Modified.ActorID, e.Modified.ActorName, e.Modified.At).Scan(&e.ID)
}

func (r *chartRepoPG) ListEntries(ctx context.Context, patientID uuid.UUID) ([]*ToothChartEntry, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, patient_id, tooth_number, tooth_type, is_missing, modified_by_id, modified_by_name, modified_at
		FROM dental_tooth_chart WHERE patient_id = $1 ORDER BY tooth_number`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*ToothChartEntry
	for rows.Next() {
		var e ToothChartEntry
		if err := rows.Scan(&e.ID, &e.PatientID, &e.ToothNumber, &e.ToothType, &e.IsMissing,
			&e.Modified.ActorID, &e.Modified.ActorName, &e.Modified.At); err != nil {
			return nil, err
		}
		items = append(items, &e)
	}
	return items, rows.Err()
}

func (r *chartRepoPG) ListEvents(ctx context.Context, patientID uuid.UUID, toothNumber string) ([]ChartEvent, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT source_id, tooth_number, surface, quadrant, render_type, symbol_id, icon_path, event_at
		FROM dental_chart_event WHERE patient_id = $1 AND tooth_number = $2`, patientID, toothNumber)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var events []ChartEvent
	for rows.Next() {
		var ev ChartEvent
		if err := rows.Scan(&ev.SourceID, &ev.Location.Number, &ev.Location.Surface, &ev.Location.Quadrant,
			&ev.RenderType, &ev.SymbolID, &ev.IconPath, &ev.At); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (r *chartRepoPG) SaveEvent(ctx context.Context, patientID uuid.UUID, ev ChartEvent) error {
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO dental_chart_event (source_id, patient_id, tooth_number, surface, quadrant,
			render_type, symbol_id, icon_path, event_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (source_id) DO UPDATE SET
			tooth_number = EXCLUDED.tooth_number, surface = EXCLUDED.surface, quadrant = EXCLUDED.quadrant,
			render_type = EXCLUDED.render_type, symbol_id = EXCLUDED.symbol_id,
			icon_path = EXCLUDED.icon_path, event_at = EXCLUDED.event_at`,
		ev.SourceID, patientID, ev.Location.Number, ev.Location.Surface, ev.Location.Quadrant,
		ev.RenderType.OrDefault(), ev.SymbolID, ev.IconPath, ev.At)
	return err
}

func (r *chartRepoPG) DeleteEvent(ctx context.Context, sourceID uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `DELETE FROM dental_chart_event WHERE source_id = $1`, sourceID)
	return err
}

func (r *chartRepoPG) ListSymbols(ctx context.Context, patientID uuid.UUID) ([]Symbol, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT symbol_id, render_type, icon_path, tooth_number, surface, quadrant, checked_at, source_id
		FROM dental_chart_symbol WHERE patient_id = $1 ORDER BY tooth_number, surface, render_type`, patientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var symbols []Symbol
	for rows.Next() {
		var s Symbol
		if err := rows.Scan(&s.SymbolID, &s.RenderType, &s.IconPath, &s.Location.Number, &s.Location.Surface,
			&s.Location.Quadrant, &s.CheckedAt, &s.SourceID); err != nil {
			return nil, err
		}
		symbols = append(symbols, s)
	}
	return symbols, rows.Err()
}

// ApplyChangeset deletes removed symbols before inserting added ones so a
// coordinate can change hands within one changeset. Updated symbols keep their
// row and take the new check time and source.
func (r *chartRepoPG) ApplyChangeset(ctx context.Context, patientID uuid.UUID, cs Changeset) error {
	q := r.conn(ctx)
	for _, s := range cs.Removed {
		if _, err := q.Exec(ctx, `
			DELETE FROM dental_chart_symbol
			WHERE patient_id = $1 AND tooth_number = $2 AND surface = $3 AND render_type = $4
				AND symbol_id = $5 AND icon_path = $6`,
			patientID, s.Location.Number, s.Location.Surface, s.RenderType.OrDefault(), s.SymbolID, s.IconPath); err != nil {
			return fmt.Errorf("remove symbol %s on %s: %w", s.SymbolID, s.Location, err)
		}
	}
	for _, s := range cs.Added {
		if _, err := q.Exec(ctx, `
			INSERT INTO dental_chart_symbol (patient_id, tooth_number, surface, quadrant, render_type,
				symbol_id, icon_path, checked_at, source_id)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
			ON CONFLICT (patient_id, tooth_number, surface, render_type) DO UPDATE SET
				quadrant = EXCLUDED.quadrant, symbol_id = EXCLUDED.symbol_id, icon_path = EXCLUDED.icon_path,
				checked_at = EXCLUDED.checked_at, source_id = EXCLUDED.source_id`,
			patientID, s.Location.Number, s.Location.Surface, s.Location.Quadrant, s.RenderType.OrDefault(),
			s.SymbolID, s.IconPath, s.CheckedAt, s.SourceID); err != nil {
			return fmt.Errorf("add symbol %s on %s: %w", s.SymbolID, s.Location, err)
		}
	}
	for _, s := range cs.Updated {
		if _, err := q.Exec(ctx, `
			UPDATE dental_chart_symbol SET checked_at = $7, source_id = $8
			WHERE patient_id = $1 AND tooth_number = $2 AND surface = $3 AND render_type = $4
				AND symbol_id = $5 AND icon_path = $6`,
			patientID, s.Location.Number, s.Location.Surface, s.RenderType.OrDefault(), s.SymbolID, s.IconPath,
			s.CheckedAt, s.SourceID); err != nil {
			return fmt.Errorf("update symbol %s on %s: %w", s.SymbolID, s.Location, err)
		}
	}
	return nil
}

// =========== Precaution Repository ===========

type precautionRepoPG struct{ pgBase }

func NewPrecautionRepoPG(pool *pgxpool.Pool) PrecautionRepository {
	return &precautionRepoPG{pgBase{pool: pool}}
}

// Activate must run inside a transaction; the partial unique index on active
// rows rejects a concurrent second activation.
func (r *precautionRepoPG) Activate(ctx context.Context, p *Precaution) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	q := r.conn(ctx)
	if _, err := q.Exec(ctx, `UPDATE dental_precaution SET is_active = FALSE WHERE patient_id = $1 AND is_active`, p.PatientID); err != nil {
		return err
	}
	p.IsActive = true
	_, err := q.Exec(ctx, `
		INSERT INTO dental_precaution (id, patient_id, text, is_active, created_by_id, created_by_name, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		p.ID, p.PatientID, p.Text, p.IsActive, p.Created.ActorID, p.Created.ActorName, p.Created.At)
	return err
}

func (r *precautionRepoPG) GetActive(ctx context.Context, patientID uuid.UUID) (*Precaution, error) {
	var p Precaution
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT id, patient_id, text, is_active, created_by_id, created_by_name, created_at
		FROM dental_precaution WHERE patient_id = $1 AND is_active`, patientID).Scan(
		&p.ID, &p.PatientID, &p.Text, &p.IsActive, &p.Created.ActorID, &p.Created.ActorName, &p.Created.At)
	if err != nil {
		return nil, notFound(err)
	}
	return &p, nil
}
