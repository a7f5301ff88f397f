package dental

import (
	"math/rand"
	"testing"
	"time"

	"github.com/google/uuid"
)

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func event(tooth, surface string, rt RenderType, symbol string, at time.Time) ChartEvent {
	return ChartEvent{
		SourceID:   uuid.New(),
		Location:   MustNormalize(tooth, surface, ""),
		RenderType: rt,
		SymbolID:   symbol,
		At:         at,
	}
}

func TestProject_LatestEventWins(t *testing.T) {
	older := event("11", "M", RenderTreatment, "FILLING", t0)
	newer := event("11", "M", RenderTreatment, "CROWN", t0.Add(time.Hour))
	diag := event("11", "M", RenderDiagnosis, "CARIES", t0)

	got := Project([]ChartEvent{newer, older, diag})
	if len(got) != 2 {
		t.Fatalf("expected 2 symbols, got %d", len(got))
	}
	for _, s := range got {
		if s.RenderType == RenderTreatment && s.SymbolID != "CROWN" {
			t.Errorf("expected CROWN to win, got %s", s.SymbolID)
		}
		if s.RenderType == RenderDiagnosis && s.SourceID != diag.SourceID {
			t.Errorf("expected diagnosis symbol from %s", diag.SourceID)
		}
	}
}

func TestProject_TieBreaksOnSourceID(t *testing.T) {
	a := event("21", "", RenderTreatment, "A", t0)
	b := event("21", "", RenderTreatment, "B", t0)
	want := a
	if b.SourceID.String() > a.SourceID.String() {
		want = b
	}
	for _, order := range [][]ChartEvent{{a, b}, {b, a}} {
		got := Project(order)
		if len(got) != 1 || got[0].SourceID != want.SourceID {
			t.Errorf("expected winner %s, got %+v", want.SourceID, got)
		}
	}
}

func TestProject_SkipsEventsWithoutSymbol(t *testing.T) {
	got := Project([]ChartEvent{event("31", "", RenderTreatment, "", t0)})
	if len(got) != 0 {
		t.Errorf("expected no symbols, got %d", len(got))
	}
}

func TestReconcile_AddOnEmptyTooth(t *testing.T) {
	ev := event("16", "O", RenderTreatment, "SEALANT", t0)
	cs, next := Reconcile(nil, OpAdd, ev)
	if len(cs.Added) != 1 || len(cs.Removed) != 0 {
		t.Fatalf("expected one added symbol, got %+v", cs)
	}
	if cs.Added[0].SourceID != ev.SourceID {
		t.Errorf("expected symbol from %s", ev.SourceID)
	}
	if len(next) != 1 {
		t.Errorf("expected 1 active event, got %d", len(next))
	}
}

func TestReconcile_RemoveRevealsCoveredSymbol(t *testing.T) {
	older := event("16", "O", RenderTreatment, "FILLING", t0)
	newer := event("16", "O", RenderTreatment, "CROWN", t0.Add(time.Hour))

	cs, next := Reconcile([]ChartEvent{older, newer}, OpRemove, newer)
	if len(next) != 1 || next[0].SourceID != older.SourceID {
		t.Fatalf("expected only the older event to remain, got %+v", next)
	}
	if len(cs.Removed) != 1 || cs.Removed[0].SymbolID != "CROWN" {
		t.Errorf("expected CROWN removed, got %+v", cs.Removed)
	}
	if len(cs.Added) != 1 || cs.Added[0].SymbolID != "FILLING" {
		t.Errorf("expected FILLING added back, got %+v", cs.Added)
	}
}

func TestReconcile_RemoveKeepsSymbolStillJustified(t *testing.T) {
	first := event("24", "", RenderDiagnosis, "CARIES", t0)
	second := event("24", "", RenderDiagnosis, "CARIES", t0.Add(time.Minute))

	cs, _ := Reconcile([]ChartEvent{first, second}, OpRemove, second)
	if !cs.IsEmpty() {
		t.Errorf("expected no visible change, got %+v", cs)
	}
	if len(cs.Updated) != 1 || cs.Updated[0].SourceID != first.SourceID || !cs.Updated[0].CheckedAt.Equal(t0) {
		t.Errorf("expected symbol handed back to the first diagnosis, got %+v", cs.Updated)
	}
}

func TestReconcile_NewerSameSymbolRestampsCoordinate(t *testing.T) {
	first := event("11", "", RenderDiagnosis, "CARIES", t0)
	again := event("11", "", RenderDiagnosis, "CARIES", t0.Add(2*time.Minute))

	cs, _ := Reconcile([]ChartEvent{first}, OpAdd, again)
	if !cs.IsEmpty() {
		t.Fatalf("expected no symbol to appear or disappear, got %+v", cs)
	}
	if len(cs.Updated) != 1 || cs.Updated[0].SourceID != again.SourceID || !cs.Updated[0].CheckedAt.Equal(again.At) {
		t.Errorf("expected stored symbol restamped by the newer diagnosis, got %+v", cs.Updated)
	}
}

// One symbol is shown per coordinate. A newer event with another symbol of the
// same render type takes over the display while the older event stays
// recorded, and retracting the newer one brings the older symbol back.
func TestReconcile_NewerSameRenderTypeTakesOverDisplay(t *testing.T) {
	filling := event("26", "O", RenderTreatment, "FILLING", t0)
	crown := event("26", "O", RenderTreatment, "CROWN", t0.Add(time.Hour))

	cs, active := Reconcile([]ChartEvent{filling}, OpAdd, crown)
	if len(active) != 2 {
		t.Fatalf("expected both events recorded, got %d", len(active))
	}
	if len(cs.Removed) != 1 || cs.Removed[0].SymbolID != "FILLING" {
		t.Errorf("expected FILLING to leave the display, got %+v", cs.Removed)
	}
	if len(cs.Added) != 1 || cs.Added[0].SymbolID != "CROWN" {
		t.Errorf("expected CROWN displayed, got %+v", cs.Added)
	}

	cs, active = Reconcile(active, OpRemove, crown)
	if len(active) != 1 || len(cs.Added) != 1 || cs.Added[0].SourceID != filling.SourceID {
		t.Errorf("expected FILLING restored after retracting CROWN, got %+v", cs)
	}
}

func TestReconcile_UpdateReplacesSameSource(t *testing.T) {
	ev := event("36", "M", RenderTreatment, "FILLING", t0)
	moved := ev
	moved.Location = MustNormalize("36", "D", "")

	cs, next := Reconcile([]ChartEvent{ev}, OpUpdate, moved)
	if len(next) != 1 {
		t.Fatalf("expected 1 active event, got %d", len(next))
	}
	if len(cs.Added) != 1 || cs.Added[0].Location.Surface != "D" {
		t.Errorf("expected symbol added on D, got %+v", cs.Added)
	}
	if len(cs.Removed) != 1 || cs.Removed[0].Location.Surface != "M" {
		t.Errorf("expected symbol removed from M, got %+v", cs.Removed)
	}
}

func TestReconcile_RemoveUnknownSourceIsNoop(t *testing.T) {
	ev := event("36", "", RenderTreatment, "FILLING", t0)
	cs, next := Reconcile([]ChartEvent{ev}, OpRemove, event("36", "", RenderTreatment, "FILLING", t0))
	if !cs.IsEmpty() || len(next) != 1 {
		t.Errorf("expected no change, got %+v and %d events", cs, len(next))
	}
}

// Applying each incremental changeset to the stored symbols must always
// leave exactly the projection of the active events.
func TestReconcile_IncrementalMatchesBatch(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	teeth := []string{"11", "12"}
	surfaces := []string{"", "M", "O"}
	symbols := []string{"A", "B", "C", ""}
	kinds := []RenderType{RenderTreatment, RenderDiagnosis}

	var active []ChartEvent
	stored := map[symbolKey]Symbol{}
	for step := 0; step < 500; step++ {
		var op ChartOp
		var ev ChartEvent
		switch r := rng.Intn(3); {
		case r == 0 || len(active) == 0:
			op = OpAdd
			ev = event(teeth[rng.Intn(2)], surfaces[rng.Intn(3)], kinds[rng.Intn(2)], symbols[rng.Intn(4)],
				t0.Add(time.Duration(rng.Intn(20))*time.Minute))
		case r == 1:
			op = OpUpdate
			ev = active[rng.Intn(len(active))]
			ev.Location = MustNormalize(ev.Location.Number, surfaces[rng.Intn(3)], "")
			ev.SymbolID = symbols[rng.Intn(4)]
			ev.At = t0.Add(time.Duration(rng.Intn(20)) * time.Minute)
		default:
			op = OpRemove
			ev = active[rng.Intn(len(active))]
		}

		var cs Changeset
		cs, active = Reconcile(active, op, ev)
		for _, s := range cs.Removed {
			if _, ok := stored[s.key()]; !ok {
				t.Fatalf("step %d: removed symbol %+v that was not stored", step, s.key())
			}
			delete(stored, s.key())
		}
		for _, s := range cs.Added {
			if _, ok := stored[s.key()]; ok {
				t.Fatalf("step %d: added symbol %+v twice", step, s.key())
			}
			stored[s.key()] = s
		}
		for _, s := range cs.Updated {
			if _, ok := stored[s.key()]; !ok {
				t.Fatalf("step %d: updated symbol %+v that was not stored", step, s.key())
			}
			stored[s.key()] = s
		}

		want := Project(active)
		if len(want) != len(stored) {
			t.Fatalf("step %d: expected %d symbols, stored %d", step, len(want), len(stored))
		}
		for _, w := range want {
			got, ok := stored[w.key()]
			if !ok {
				t.Fatalf("step %d: projected symbol %+v not stored", step, w.key())
			}
			if got.SourceID != w.SourceID || !got.CheckedAt.Equal(w.CheckedAt) {
				t.Fatalf("step %d: stored symbol %+v from %s at %s, projection has %s at %s",
					step, w.key(), got.SourceID, got.CheckedAt, w.SourceID, w.CheckedAt)
			}
		}
	}
}

func TestChangeset_ThenCancels(t *testing.T) {
	a := Symbol{SymbolID: "A", RenderType: RenderTreatment, Location: MustNormalize("11", "", "")}
	b := Symbol{SymbolID: "B", RenderType: RenderTreatment, Location: MustNormalize("21", "", "")}

	got := Changeset{Added: []Symbol{a}}.Then(Changeset{Removed: []Symbol{a}, Added: []Symbol{b}})
	if len(got.Added) != 1 || got.Added[0].SymbolID != "B" {
		t.Errorf("expected only B added, got %+v", got.Added)
	}
	if len(got.Removed) != 0 {
		t.Errorf("expected nothing removed, got %+v", got.Removed)
	}
}

func TestChangeset_ThenTurnsReAddIntoUpdate(t *testing.T) {
	loc := MustNormalize("11", "", "")
	before := Symbol{SymbolID: "A", RenderType: RenderTreatment, Location: loc, CheckedAt: t0, SourceID: uuid.New()}
	after := before
	after.CheckedAt = t0.Add(time.Hour)
	after.SourceID = uuid.New()

	got := Changeset{Removed: []Symbol{before}}.Then(Changeset{Added: []Symbol{after}})
	if !got.IsEmpty() {
		t.Errorf("expected no visible change, got %+v", got)
	}
	if len(got.Updated) != 1 || got.Updated[0].SourceID != after.SourceID {
		t.Errorf("expected A restamped from the new source, got %+v", got.Updated)
	}
}

func TestVisible_LatestPerSurface(t *testing.T) {
	loc := MustNormalize("11", "M", "")
	diag := Symbol{SymbolID: "CARIES", RenderType: RenderDiagnosis, Location: loc, CheckedAt: t0}
	tx := Symbol{SymbolID: "FILLING", RenderType: RenderTreatment, Location: loc, CheckedAt: t0.Add(time.Hour)}
	other := Symbol{SymbolID: "CROWN", RenderType: RenderTreatment, Location: MustNormalize("12", "", ""), CheckedAt: t0}

	got := Visible([]Symbol{diag, tx, other})
	if len(got) != 2 {
		t.Fatalf("expected 2 visible symbols, got %d", len(got))
	}
	if got[0].SymbolID != "FILLING" {
		t.Errorf("expected FILLING on 11-M, got %s", got[0].SymbolID)
	}
}

func TestVisible_TieGoesToTreatment(t *testing.T) {
	loc := MustNormalize("11", "", "")
	got := Visible([]Symbol{
		{SymbolID: "T", RenderType: RenderTreatment, Location: loc, CheckedAt: t0},
		{SymbolID: "D", RenderType: RenderDiagnosis, Location: loc, CheckedAt: t0},
	})
	if len(got) != 1 || got[0].SymbolID != "T" {
		t.Errorf("expected treatment symbol, got %+v", got)
	}
}

func TestDiagnosisEvent_NoSymbolWithoutDrawingAction(t *testing.T) {
	d := &Diagnosis{ID: uuid.New(), Location: MustNormalize("11", "", ""), DiagnosedAt: t0}
	ev := DiagnosisEvent(d, &DiagnosisDefinition{SymbolID: "X", ActionType: ActionNone})
	if ev.SymbolID != "" {
		t.Errorf("expected no symbol, got %s", ev.SymbolID)
	}
	ev = DiagnosisEvent(d, &DiagnosisDefinition{SymbolID: "X"})
	if ev.SymbolID != "X" || ev.RenderType != RenderDiagnosis {
		t.Errorf("expected diagnosis symbol X, got %+v", ev)
	}
}

func TestTreatmentEvent_OverridesSymbol(t *testing.T) {
	tr := &Treatment{ID: uuid.New(), Location: MustNormalize("11", "", ""), SymbolID: "CUSTOM", PerformedAt: t0}
	ev := TreatmentEvent(tr, &TreatmentItem{SymbolID: "DEFAULT"})
	if ev.SymbolID != "CUSTOM" || ev.RenderType != RenderTreatment {
		t.Errorf("expected CUSTOM treatment symbol, got %+v", ev)
	}
	ev = TreatmentEvent(tr, &TreatmentItem{SymbolID: "DEFAULT", ActionType: ActionNone})
	if ev.SymbolID != "" {
		t.Errorf("expected no symbol for non-drawing item, got %s", ev.SymbolID)
	}
}
