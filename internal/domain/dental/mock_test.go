package dental

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// -- Mock Repositories --

type mockCatalog struct {
	mu    sync.Mutex
	items map[uuid.UUID]*TreatmentItem
	defs  map[uuid.UUID]*DiagnosisDefinition
	calls int
}

func newMockCatalog() *mockCatalog {
	return &mockCatalog{
		items: make(map[uuid.UUID]*TreatmentItem),
		defs:  make(map[uuid.UUID]*DiagnosisDefinition),
	}
}

func (m *mockCatalog) addItem(it *TreatmentItem) *TreatmentItem {
	if it.ID == uuid.Nil {
		it.ID = uuid.New()
	}
	m.items[it.ID] = it
	return it
}

func (m *mockCatalog) addDefinition(d *DiagnosisDefinition) *DiagnosisDefinition {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	m.defs[d.ID] = d
	return d
}

func (m *mockCatalog) GetItem(_ context.Context, id uuid.UUID) (*TreatmentItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	it, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return it, nil
}

func (m *mockCatalog) GetDiagnosisDefinition(_ context.Context, id uuid.UUID) (*DiagnosisDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	d, ok := m.defs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return d, nil
}

type mockDiagnosisRepo struct {
	mu      sync.Mutex
	records map[uuid.UUID]Diagnosis
}

func newMockDiagnosisRepo() *mockDiagnosisRepo {
	return &mockDiagnosisRepo{records: make(map[uuid.UUID]Diagnosis)}
}

func (m *mockDiagnosisRepo) Create(_ context.Context, d *Diagnosis) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[d.ID] = *d
	return nil
}

func (m *mockDiagnosisRepo) GetByID(_ context.Context, id uuid.UUID) (*Diagnosis, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &d, nil
}

func (m *mockDiagnosisRepo) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[id]; !ok {
		return ErrNotFound
	}
	delete(m.records, id)
	return nil
}

func (m *mockDiagnosisRepo) ListByVisit(_ context.Context, visitID uuid.UUID) ([]*Diagnosis, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*Diagnosis
	for _, d := range m.records {
		if d.VisitID == visitID {
			d := d
			result = append(result, &d)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].DiagnosedAt.Before(result[j].DiagnosedAt) })
	return result, nil
}

type mockPlanRepo struct {
	mu      sync.Mutex
	records map[uuid.UUID]TreatmentPlan
}

func newMockPlanRepo() *mockPlanRepo {
	return &mockPlanRepo{records: make(map[uuid.UUID]TreatmentPlan)}
}

func (m *mockPlanRepo) Create(_ context.Context, p *TreatmentPlan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.VersionID = 1
	m.records[p.ID] = *p
	return nil
}

func (m *mockPlanRepo) GetByID(_ context.Context, id uuid.UUID) (*TreatmentPlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (m *mockPlanRepo) Update(_ context.Context, p *TreatmentPlan) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.records[p.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.VersionID != p.VersionID {
		return ErrVersionConflict
	}
	p.VersionID++
	m.records[p.ID] = *p
	return nil
}

func (m *mockPlanRepo) ListByVisit(_ context.Context, visitID uuid.UUID) ([]*TreatmentPlan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*TreatmentPlan
	for _, p := range m.records {
		if p.VisitID == visitID {
			p := p
			result = append(result, &p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].PlanNo < result[j].PlanNo })
	return result, nil
}

func (m *mockPlanRepo) ListByPatient(_ context.Context, patientID uuid.UUID, includeArchived bool, limit, offset int) ([]*TreatmentPlan, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*TreatmentPlan
	for _, p := range m.records {
		if p.PatientID == patientID && (includeArchived || !p.Archived.IsArchived) {
			p := p
			result = append(result, &p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].PlanNo < result[j].PlanNo })
	return result, len(result), nil
}

func (m *mockPlanRepo) NextPlanNo(_ context.Context, visitID uuid.UUID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.records {
		if p.VisitID == visitID && p.PlanNo > n {
			n = p.PlanNo
		}
	}
	return n + 1, nil
}

type mockTreatmentRepo struct {
	mu      sync.Mutex
	records map[uuid.UUID]Treatment
}

func newMockTreatmentRepo() *mockTreatmentRepo {
	return &mockTreatmentRepo{records: make(map[uuid.UUID]Treatment)}
}

func (m *mockTreatmentRepo) Create(_ context.Context, t *Treatment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t.VersionID = 1
	m.records[t.ID] = *t
	return nil
}

func (m *mockTreatmentRepo) GetByID(_ context.Context, id uuid.UUID) (*Treatment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &t, nil
}

func (m *mockTreatmentRepo) Update(_ context.Context, t *Treatment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.records[t.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.VersionID != t.VersionID {
		return ErrVersionConflict
	}
	t.VersionID++
	m.records[t.ID] = *t
	return nil
}

func (m *mockTreatmentRepo) list(match func(Treatment) bool) []*Treatment {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*Treatment
	for _, t := range m.records {
		if match(t) {
			t := t
			result = append(result, &t)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].PerformedAt.Before(result[j].PerformedAt) })
	return result
}

func (m *mockTreatmentRepo) ListByVisit(_ context.Context, visitID uuid.UUID) ([]*Treatment, error) {
	return m.list(func(t Treatment) bool { return t.VisitID == visitID }), nil
}

func (m *mockTreatmentRepo) ListByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]*Treatment, int, error) {
	result := m.list(func(t Treatment) bool { return t.PatientID == patientID })
	return result, len(result), nil
}

func (m *mockTreatmentRepo) ListByCourse(_ context.Context, patientID, courseID uuid.UUID) ([]*Treatment, error) {
	return m.list(func(t Treatment) bool {
		return t.PatientID == patientID && t.CourseID != nil && *t.CourseID == courseID
	}), nil
}

func (m *mockTreatmentRepo) ListByTooth(_ context.Context, patientID uuid.UUID, toothNumber string) ([]*Treatment, error) {
	return m.list(func(t Treatment) bool {
		return t.PatientID == patientID && t.Location.Number == toothNumber && !t.IsVoided
	}), nil
}

func (m *mockTreatmentRepo) GetByOrderItem(_ context.Context, orderItemID uuid.UUID) (*Treatment, error) {
	result := m.list(func(t Treatment) bool {
		return !t.IsVoided && t.OrderItemID != nil && *t.OrderItemID == orderItemID
	})
	if len(result) == 0 {
		return nil, ErrNotFound
	}
	return result[0], nil
}

type mockCourseRepo struct {
	mu      sync.Mutex
	records map[uuid.UUID]TreatmentCourse
}

func newMockCourseRepo() *mockCourseRepo {
	return &mockCourseRepo{records: make(map[uuid.UUID]TreatmentCourse)}
}

func (m *mockCourseRepo) Create(_ context.Context, c *TreatmentCourse) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.VersionID = 1
	m.records[c.ID] = *c
	return nil
}

func (m *mockCourseRepo) GetByID(_ context.Context, id uuid.UUID) (*TreatmentCourse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (m *mockCourseRepo) Update(_ context.Context, c *TreatmentCourse) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored, ok := m.records[c.ID]
	if !ok {
		return ErrNotFound
	}
	if stored.VersionID != c.VersionID {
		return ErrVersionConflict
	}
	c.VersionID++
	m.records[c.ID] = *c
	return nil
}

func (m *mockCourseRepo) ListByPatient(_ context.Context, patientID uuid.UUID) ([]*TreatmentCourse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*TreatmentCourse
	for _, c := range m.records {
		if c.PatientID == patientID {
			c := c
			result = append(result, &c)
		}
	}
	return result, nil
}

type storedEvent struct {
	patientID uuid.UUID
	ev        ChartEvent
}

type mockChartRepo struct {
	mu      sync.Mutex
	entries map[string]ToothChartEntry
	events  map[uuid.UUID]storedEvent
	symbols map[uuid.UUID]map[symbolKey]Symbol
}

func newMockChartRepo() *mockChartRepo {
	return &mockChartRepo{
		entries: make(map[string]ToothChartEntry),
		events:  make(map[uuid.UUID]storedEvent),
		symbols: make(map[uuid.UUID]map[symbolKey]Symbol),
	}
}

func (m *mockChartRepo) UpsertEntry(_ context.Context, e *ToothChartEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := e.PatientID.String() + "/" + e.ToothNumber
	if cur, ok := m.entries[k]; ok {
		e.ID = cur.ID
	} else if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	m.entries[k] = *e
	return nil
}

func (m *mockChartRepo) entry(patientID uuid.UUID, tooth string) (ToothChartEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[patientID.String()+"/"+tooth]
	return e, ok
}

func (m *mockChartRepo) ListEntries(_ context.Context, patientID uuid.UUID) ([]*ToothChartEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []*ToothChartEntry
	for _, e := range m.entries {
		if e.PatientID == patientID {
			e := e
			result = append(result, &e)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ToothNumber < result[j].ToothNumber })
	return result, nil
}

func (m *mockChartRepo) ListEvents(_ context.Context, patientID uuid.UUID, toothNumber string) ([]ChartEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var result []ChartEvent
	for _, s := range m.events {
		if s.patientID == patientID && s.ev.Location.Number == toothNumber {
			result = append(result, s.ev)
		}
	}
	return result, nil
}

func (m *mockChartRepo) SaveEvent(_ context.Context, patientID uuid.UUID, ev ChartEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[ev.SourceID] = storedEvent{patientID: patientID, ev: ev}
	return nil
}

func (m *mockChartRepo) DeleteEvent(_ context.Context, sourceID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.events, sourceID)
	return nil
}

func (m *mockChartRepo) ListSymbols(_ context.Context, patientID uuid.UUID) ([]Symbol, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	result := make([]Symbol, 0, len(m.symbols[patientID]))
	for _, s := range m.symbols[patientID] {
		result = append(result, s)
	}
	sortSymbols(result)
	return result, nil
}

func (m *mockChartRepo) ApplyChangeset(_ context.Context, patientID uuid.UUID, cs Changeset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.symbols[patientID]
	if set == nil {
		set = make(map[symbolKey]Symbol)
		m.symbols[patientID] = set
	}
	for _, s := range cs.Removed {
		delete(set, s.key())
	}
	for _, s := range cs.Added {
		set[s.key()] = s
	}
	for _, s := range cs.Updated {
		if _, ok := set[s.key()]; ok {
			set[s.key()] = s
		}
	}
	return nil
}

type mockPrecautionRepo struct {
	mu      sync.Mutex
	records []Precaution
}

func (m *mockPrecautionRepo) Activate(_ context.Context, p *Precaution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.records {
		if m.records[i].PatientID == p.PatientID {
			m.records[i].IsActive = false
		}
	}
	p.IsActive = true
	m.records = append(m.records, *p)
	return nil
}

func (m *mockPrecautionRepo) GetActive(_ context.Context, patientID uuid.UUID) (*Precaution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.records {
		if p.PatientID == patientID && p.IsActive {
			p := p
			return &p, nil
		}
	}
	return nil, ErrNotFound
}

type mockTx struct {
	mu    sync.Mutex
	calls int
}

func (m *mockTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()
	return fn(ctx)
}

type sessionKey struct{}

// session stands in for a database connection: it serves one query at a time
// and fails a query that overlaps another.
type session struct{ busy int32 }

var errSessionBusy = errors.New("conn busy")

func useSession(ctx context.Context) error {
	sess, _ := ctx.Value(sessionKey{}).(*session)
	if sess == nil {
		return nil
	}
	if !atomic.CompareAndSwapInt32(&sess.busy, 0, 1) {
		return errSessionBusy
	}
	time.Sleep(time.Millisecond)
	atomic.StoreInt32(&sess.busy, 0)
	return nil
}

type mockSessions struct {
	forks    int32
	releases int32
}

func (m *mockSessions) Fork(ctx context.Context) (context.Context, func(), error) {
	atomic.AddInt32(&m.forks, 1)
	release := func() { atomic.AddInt32(&m.releases, 1) }
	return context.WithValue(ctx, sessionKey{}, &session{}), release, nil
}

// Session-checked stores run every read through useSession first.
type sessionChart struct{ *mockChartRepo }

func (r sessionChart) ListEntries(ctx context.Context, patientID uuid.UUID) ([]*ToothChartEntry, error) {
	if err := useSession(ctx); err != nil {
		return nil, err
	}
	return r.mockChartRepo.ListEntries(ctx, patientID)
}

func (r sessionChart) ListSymbols(ctx context.Context, patientID uuid.UUID) ([]Symbol, error) {
	if err := useSession(ctx); err != nil {
		return nil, err
	}
	return r.mockChartRepo.ListSymbols(ctx, patientID)
}

type sessionTreatments struct{ *mockTreatmentRepo }

func (r sessionTreatments) ListByVisit(ctx context.Context, visitID uuid.UUID) ([]*Treatment, error) {
	if err := useSession(ctx); err != nil {
		return nil, err
	}
	return r.mockTreatmentRepo.ListByVisit(ctx, visitID)
}

func (r sessionTreatments) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Treatment, int, error) {
	if err := useSession(ctx); err != nil {
		return nil, 0, err
	}
	return r.mockTreatmentRepo.ListByPatient(ctx, patientID, limit, offset)
}

func (r sessionTreatments) ListByCourse(ctx context.Context, patientID, courseID uuid.UUID) ([]*Treatment, error) {
	if err := useSession(ctx); err != nil {
		return nil, err
	}
	return r.mockTreatmentRepo.ListByCourse(ctx, patientID, courseID)
}

type sessionDiagnoses struct{ *mockDiagnosisRepo }

func (r sessionDiagnoses) ListByVisit(ctx context.Context, visitID uuid.UUID) ([]*Diagnosis, error) {
	if err := useSession(ctx); err != nil {
		return nil, err
	}
	return r.mockDiagnosisRepo.ListByVisit(ctx, visitID)
}

// withSessions returns a service over the same stores as env whose reads check
// that no session serves two queries at once.
func (env *testEnv) withSessions(sessions Sessions) *Service {
	return NewService(Repositories{
		Catalog:     env.catalog,
		Diagnoses:   sessionDiagnoses{env.diagnoses},
		Plans:       env.plans,
		Treatments:  sessionTreatments{env.treatments},
		Courses:     env.courses,
		Chart:       sessionChart{env.chart},
		Precautions: env.precautions,
		Tx:          env.tx,
		Sessions:    sessions,
	})
}

type mockRecorder struct {
	mu          sync.Mutex
	transitions []string
	payments    []float64
	overpaid    int
	added       int
	removed     int
}

func (m *mockRecorder) PlanTransition(transition string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions = append(m.transitions, transition)
}

func (m *mockRecorder) Payment(amount float64, overpaid bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payments = append(m.payments, amount)
	if overpaid {
		m.overpaid++
	}
}

func (m *mockRecorder) SymbolsChanged(added, removed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.added += added
	m.removed += removed
}

func (m *mockRecorder) ObserveOperation(string, time.Time) {}

// testEnv bundles a Service with its in-memory stores.
type testEnv struct {
	svc         *Service
	catalog     *mockCatalog
	diagnoses   *mockDiagnosisRepo
	plans       *mockPlanRepo
	treatments  *mockTreatmentRepo
	courses     *mockCourseRepo
	chart       *mockChartRepo
	precautions *mockPrecautionRepo
	tx          *mockTx
	recorder    *mockRecorder
	audit       *[]AuditEvent
	clock       time.Time
}

func newTestEnv() *testEnv {
	env := &testEnv{
		catalog:     newMockCatalog(),
		diagnoses:   newMockDiagnosisRepo(),
		plans:       newMockPlanRepo(),
		treatments:  newMockTreatmentRepo(),
		courses:     newMockCourseRepo(),
		chart:       newMockChartRepo(),
		precautions: &mockPrecautionRepo{},
		tx:          &mockTx{},
		recorder:    &mockRecorder{},
		audit:       &[]AuditEvent{},
		clock:       t0,
	}
	env.svc = NewService(Repositories{
		Catalog:     env.catalog,
		Diagnoses:   env.diagnoses,
		Plans:       env.plans,
		Treatments:  env.treatments,
		Courses:     env.courses,
		Chart:       env.chart,
		Precautions: env.precautions,
		Tx:          env.tx,
	})
	var mu sync.Mutex
	env.svc.SetAuditor(AuditorFunc(func(_ context.Context, ev AuditEvent) error {
		mu.Lock()
		defer mu.Unlock()
		*env.audit = append(*env.audit, ev)
		return nil
	}))
	env.svc.SetMetrics(env.recorder)
	env.svc.SetClock(func() time.Time {
		env.clock = env.clock.Add(time.Minute)
		return env.clock
	})
	return env
}

func newTestService() *Service {
	return newTestEnv().svc
}
