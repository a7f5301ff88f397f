package dental

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/dental/internal/platform/middleware"
	"github.com/ehr/dental/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/patients/:patient_id/chart", h.GetPatientChart)
	api.PUT("/patients/:patient_id/teeth/:tooth_number", h.UpdateToothChart)
	api.GET("/patients/:patient_id/plans", h.ListPlans)
	api.GET("/patients/:patient_id/treatments", h.ListTreatments)
	api.GET("/patients/:patient_id/precaution", h.GetPrecaution)
	api.PUT("/patients/:patient_id/precaution", h.SetPrecaution)

	api.POST("/diagnoses", h.RecordDiagnosis)
	api.GET("/diagnoses/:id", h.GetDiagnosis)
	api.DELETE("/diagnoses/:id", h.DeleteDiagnosis)

	api.POST("/plans", h.CreatePlan)
	api.GET("/plans/:id", h.GetPlan)
	api.PATCH("/plans/:id", h.UpdatePlan)
	api.POST("/plans/:id/apply", h.ApplyPlan)
	api.POST("/plans/:id/archive", h.ArchivePlan)

	api.POST("/treatments", h.RecordTreatment)
	api.GET("/treatments", h.FindTreatment)
	api.GET("/treatments/:id", h.GetTreatment)
	api.PATCH("/treatments/:id", h.CorrectTreatment)
	api.POST("/treatments/:id/void", h.VoidTreatment)

	api.POST("/courses", h.CreateCourse)
	api.GET("/courses/:id", h.GetCourse)
	api.POST("/courses/:id/payments", h.RecordPayment)
	api.POST("/courses/:id/complete", h.CompleteCourse)

	api.POST("/printouts", h.AggregateForPrint)
}

// -- Request bodies --

type locationRequest struct {
	ToothNumber   string `json:"tooth_number" validate:"omitempty,len=2,numeric"`
	ToothSurface  string `json:"tooth_surface" validate:"max=16"`
	ToothQuadrant string `json:"tooth_quadrant" validate:"max=2"`
}

func (l locationRequest) location() ToothLocation {
	return ToothLocation{Number: l.ToothNumber, Surface: l.ToothSurface, Quadrant: l.ToothQuadrant}
}

type actorRequest struct {
	ActorID   string `json:"actor_id"`
	ActorName string `json:"actor_name"`
}

type diagnosisRequest struct {
	locationRequest
	actorRequest
	PatientID        uuid.UUID     `json:"patient_id" validate:"required"`
	VisitID          uuid.UUID     `json:"visit_id" validate:"required"`
	DefinitionID     *uuid.UUID    `json:"definition_id"`
	Type             DiagnosisType `json:"diagnosis_type"`
	ICD10Code        string        `json:"icd10_code" validate:"max=16"`
	ICD10Description string        `json:"icd10_description"`
	Note             string        `json:"note" validate:"max=4000"`
	DoctorID         string        `json:"doctor_id" validate:"required"`
	DoctorName       string        `json:"doctor_name"`
	DiagnosedAt      *time.Time    `json:"diagnosed_at"`
}

type planRequest struct {
	locationRequest
	actorRequest
	PatientID  uuid.UUID    `json:"patient_id" validate:"required"`
	VisitID    uuid.UUID    `json:"visit_id" validate:"required"`
	ItemID     uuid.UUID    `json:"item_id" validate:"required"`
	CourseID   *uuid.UUID   `json:"course_id"`
	Category   PlanCategory `json:"category"`
	Note       string       `json:"note" validate:"max=4000"`
	DoctorID   string       `json:"doctor_id" validate:"required"`
	DoctorName string       `json:"doctor_name"`
}

type planUpdateRequest struct {
	PlanEdit
	actorRequest
	VersionID int `json:"version_id" validate:"gte=0"`
}

type applyRequest struct {
	actorRequest
	VisitID uuid.UUID `json:"visit_id" validate:"required"`
}

type treatmentRequest struct {
	locationRequest
	actorRequest
	PatientID   uuid.UUID  `json:"patient_id" validate:"required"`
	VisitID     uuid.UUID  `json:"visit_id" validate:"required"`
	ItemID      uuid.UUID  `json:"item_id" validate:"required"`
	OrderItemID *uuid.UUID `json:"order_item_id"`
	CourseID    *uuid.UUID `json:"course_id"`
	SymbolID    string     `json:"symbol_id"`
	Note        string     `json:"note" validate:"max=4000"`
	DoctorID    string     `json:"doctor_id" validate:"required"`
	DoctorName  string     `json:"doctor_name"`
	PerformedAt *time.Time `json:"performed_at"`
}

type correctionRequest struct {
	TreatmentCorrection
	actorRequest
}

type courseRequest struct {
	actorRequest
	PatientID     uuid.UUID `json:"patient_id" validate:"required"`
	PriceEstimate float64   `json:"price_estimate" validate:"finite,gte=0"`
	NextNote      string    `json:"next_note" validate:"max=4000"`
}

type paymentRequest struct {
	actorRequest
	Amount    float64 `json:"amount" validate:"finite,gt=0"`
	VersionID int     `json:"version_id" validate:"gte=0"`
}

type versionRequest struct {
	actorRequest
	VersionID int `json:"version_id" validate:"gte=0"`
}

type toothChartRequest struct {
	actorRequest
	ToothType ToothType `json:"tooth_type"`
	IsMissing bool      `json:"is_missing"`
}

type precautionRequest struct {
	actorRequest
	Text string `json:"text" validate:"required,max=4000"`
}

type printRequest struct {
	VisitIDs []uuid.UUID `json:"visit_ids" validate:"required,min=1,max=50"`
}

// -- Diagnosis handlers --

func (h *Handler) RecordDiagnosis(c echo.Context) error {
	var req diagnosisRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	d := &Diagnosis{
		PatientID:        req.PatientID,
		VisitID:          req.VisitID,
		Location:         req.location(),
		DefinitionID:     req.DefinitionID,
		Type:             req.Type,
		ICD10Code:        req.ICD10Code,
		ICD10Description: req.ICD10Description,
		Note:             req.Note,
		DoctorID:         req.DoctorID,
		DoctorName:       req.DoctorName,
	}
	if req.DiagnosedAt != nil {
		d.DiagnosedAt = *req.DiagnosedAt
	}
	cs, err := h.svc.RecordDiagnosis(c.Request().Context(), d, actorOf(c, req.actorRequest))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, map[string]interface{}{"diagnosis": d, "changes": cs})
}

func (h *Handler) GetDiagnosis(c echo.Context) error {
	id, err := idParam(c, "id")
	if err != nil {
		return err
	}
	d, err := h.svc.GetDiagnosis(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, d)
}

func (h *Handler) DeleteDiagnosis(c echo.Context) error {
	id, err := idParam(c, "id")
	if err != nil {
		return err
	}
	cs, err := h.svc.DeleteDiagnosis(c.Request().Context(), id, actorOf(c, actorRequest{}))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"changes": cs})
}

// -- Plan handlers --

func (h *Handler) CreatePlan(c echo.Context) error {
	var req planRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	p := &TreatmentPlan{
		PatientID:  req.PatientID,
		VisitID:    req.VisitID,
		ItemID:     req.ItemID,
		CourseID:   req.CourseID,
		Location:   req.location(),
		Category:   req.Category,
		Note:       req.Note,
		DoctorID:   req.DoctorID,
		DoctorName: req.DoctorName,
	}
	if err := h.svc.CreatePlan(c.Request().Context(), p, actorOf(c, req.actorRequest)); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) GetPlan(c echo.Context) error {
	id, err := idParam(c, "id")
	if err != nil {
		return err
	}
	p, err := h.svc.GetPlan(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) UpdatePlan(c echo.Context) error {
	id, err := idParam(c, "id")
	if err != nil {
		return err
	}
	var req planUpdateRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	p, err := h.svc.UpdatePlan(c.Request().Context(), id, req.PlanEdit, req.VersionID, actorOf(c, req.actorRequest))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ApplyPlan(c echo.Context) error {
	id, err := idParam(c, "id")
	if err != nil {
		return err
	}
	var req applyRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	t, err := h.svc.ApplyPlan(c.Request().Context(), id, req.VisitID, actorOf(c, req.actorRequest))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, t)
}

func (h *Handler) ArchivePlan(c echo.Context) error {
	id, err := idParam(c, "id")
	if err != nil {
		return err
	}
	p, err := h.svc.ArchivePlan(c.Request().Context(), id, actorOf(c, actorRequest{}))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ListPlans(c echo.Context) error {
	pid, err := idParam(c, "patient_id")
	if err != nil {
		return err
	}
	includeArchived, _ := strconv.ParseBool(c.QueryParam("include_archived"))
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListPlans(c.Request().Context(), pid, includeArchived, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

// -- Treatment handlers --

func (h *Handler) RecordTreatment(c echo.Context) error {
	var req treatmentRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	t := &Treatment{
		PatientID:   req.PatientID,
		VisitID:     req.VisitID,
		ItemID:      req.ItemID,
		OrderItemID: req.OrderItemID,
		CourseID:    req.CourseID,
		Location:    req.location(),
		SymbolID:    req.SymbolID,
		Note:        req.Note,
		DoctorID:    req.DoctorID,
		DoctorName:  req.DoctorName,
	}
	if req.PerformedAt != nil {
		t.PerformedAt = *req.PerformedAt
	}
	if err := h.svc.RecordTreatment(c.Request().Context(), t, actorOf(c, req.actorRequest)); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, t)
}

func (h *Handler) GetTreatment(c echo.Context) error {
	id, err := idParam(c, "id")
	if err != nil {
		return err
	}
	t, err := h.svc.GetTreatment(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, t)
}

// FindTreatment looks a treatment up by the order line it was billed on.
func (h *Handler) FindTreatment(c echo.Context) error {
	raw := c.QueryParam("order_item_id")
	if raw == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "order_item_id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid order_item_id")
	}
	t, err := h.svc.GetTreatmentByOrderItem(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) CorrectTreatment(c echo.Context) error {
	id, err := idParam(c, "id")
	if err != nil {
		return err
	}
	var req correctionRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	t, err := h.svc.CorrectTreatment(c.Request().Context(), id, req.TreatmentCorrection, actorOf(c, req.actorRequest))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) VoidTreatment(c echo.Context) error {
	id, err := idParam(c, "id")
	if err != nil {
		return err
	}
	t, err := h.svc.VoidTreatment(c.Request().Context(), id, actorOf(c, actorRequest{}))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) ListTreatments(c echo.Context) error {
	pid, err := idParam(c, "patient_id")
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListTreatments(c.Request().Context(), pid, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

// -- Course handlers --

func (h *Handler) CreateCourse(c echo.Context) error {
	var req courseRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	course := &TreatmentCourse{PatientID: req.PatientID, PriceEstimate: req.PriceEstimate, NextNote: req.NextNote}
	if err := h.svc.CreateCourse(c.Request().Context(), course, actorOf(c, req.actorRequest)); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, course)
}

func (h *Handler) GetCourse(c echo.Context) error {
	id, err := idParam(c, "id")
	if err != nil {
		return err
	}
	summary, err := h.svc.GetCourse(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, summary)
}

func (h *Handler) RecordPayment(c echo.Context) error {
	id, err := idParam(c, "id")
	if err != nil {
		return err
	}
	var req paymentRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	course, err := h.svc.RecordPayment(c.Request().Context(), id, req.Amount, req.VersionID, actorOf(c, req.actorRequest))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, course)
}

func (h *Handler) CompleteCourse(c echo.Context) error {
	id, err := idParam(c, "id")
	if err != nil {
		return err
	}
	var req versionRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	course, err := h.svc.MarkCourseCompleted(c.Request().Context(), id, req.VersionID, actorOf(c, req.actorRequest))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, course)
}

// -- Chart handlers --

func (h *Handler) GetPatientChart(c echo.Context) error {
	pid, err := idParam(c, "patient_id")
	if err != nil {
		return err
	}
	chart, err := h.svc.GetPatientChart(c.Request().Context(), pid)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, chart)
}

func (h *Handler) UpdateToothChart(c echo.Context) error {
	pid, err := idParam(c, "patient_id")
	if err != nil {
		return err
	}
	var req toothChartRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	e := &ToothChartEntry{
		PatientID:   pid,
		ToothNumber: c.Param("tooth_number"),
		ToothType:   req.ToothType,
		IsMissing:   req.IsMissing,
	}
	if err := h.svc.UpdateToothChart(c.Request().Context(), e, actorOf(c, req.actorRequest)); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) SetPrecaution(c echo.Context) error {
	pid, err := idParam(c, "patient_id")
	if err != nil {
		return err
	}
	var req precautionRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	p := &Precaution{PatientID: pid, Text: req.Text}
	if err := h.svc.SetPrecaution(c.Request().Context(), p, actorOf(c, req.actorRequest)); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) GetPrecaution(c echo.Context) error {
	pid, err := idParam(c, "patient_id")
	if err != nil {
		return err
	}
	p, err := h.svc.GetActivePrecaution(c.Request().Context(), pid)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

// -- Printout --

func (h *Handler) AggregateForPrint(c echo.Context) error {
	var req printRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	agg, err := h.svc.AggregateForPrint(c.Request().Context(), req.VisitIDs)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, agg)
}

// -- helpers --

func bindAndValidate(c echo.Context, req interface{}) error {
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.Validate(req)
}

func idParam(c echo.Context, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+name)
	}
	return id, nil
}

// actorOf prefers the actor named in the body over the request headers.
func actorOf(c echo.Context, body actorRequest) Actor {
	if body.ActorID != "" {
		return Actor{ID: body.ActorID, Name: body.ActorName}
	}
	if a, ok := middleware.ActorFromContext(c.Request().Context()); ok {
		return Actor{ID: a.ID, Name: a.Name}
	}
	return Actor{}
}

func httpError(err error) error {
	var ve *ValidationError
	switch {
	case errors.As(err, &ve):
		return echo.NewHTTPError(http.StatusBadRequest, ve.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrAlreadyApplied), errors.Is(err, ErrArchivedPlan),
		errors.Is(err, ErrVersionConflict), errors.Is(err, ErrTreatmentVoided):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
