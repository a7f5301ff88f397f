package dental

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Symbol is one mark on the teeth chart, projected from the event in SourceID.
type Symbol struct {
	SymbolID   string        `json:"symbol_id"`
	RenderType RenderType    `json:"render_type"`
	IconPath   string        `json:"icon_path,omitempty"`
	Location   ToothLocation `json:"location"`
	CheckedAt  time.Time     `json:"checked_at"`
	SourceID   uuid.UUID     `json:"source_id"`
}

// Coordinate is the chart cell a symbol occupies.
type Coordinate struct {
	ToothNumber string
	Surface     string
	RenderType  RenderType
}

func (s Symbol) Coordinate() Coordinate {
	return Coordinate{ToothNumber: s.Location.Number, Surface: s.Location.Surface, RenderType: s.RenderType.OrDefault()}
}

// symbolKey is the identity used when diffing chart states. Timestamps and the
// source event are display detail and do not change identity.
type symbolKey struct {
	Coordinate
	SymbolID string
	IconPath string
}

func (s Symbol) key() symbolKey {
	return symbolKey{Coordinate: s.Coordinate(), SymbolID: s.SymbolID, IconPath: s.IconPath}
}

// ChartEvent is a diagnosis or treatment as seen by the chart.
type ChartEvent struct {
	SourceID   uuid.UUID     `json:"source_id"`
	Location   ToothLocation `json:"location"`
	RenderType RenderType    `json:"render_type"`
	SymbolID   string        `json:"symbol_id,omitempty"`
	IconPath   string        `json:"icon_path,omitempty"`
	At         time.Time     `json:"at"`
}

// DiagnosisEvent builds the chart event for a diagnosis. Definitions whose action
// draws nothing produce an event without a symbol.
func DiagnosisEvent(d *Diagnosis, def *DiagnosisDefinition) ChartEvent {
	ev := ChartEvent{SourceID: d.ID, Location: d.Location, RenderType: RenderDiagnosis, At: d.DiagnosedAt}
	if def != nil && def.ActionType.DrawsSymbol() {
		ev.SymbolID = def.SymbolID
		ev.IconPath = def.IconPath
	}
	return ev
}

// TreatmentEvent builds the chart event for a treatment performed with item.
func TreatmentEvent(t *Treatment, item *TreatmentItem) ChartEvent {
	ev := ChartEvent{SourceID: t.ID, Location: t.Location, RenderType: RenderTreatment, At: t.PerformedAt}
	if item != nil {
		ev.RenderType = item.RenderType.OrDefault()
		if item.ActionType.DrawsSymbol() {
			ev.SymbolID = item.SymbolID
			ev.IconPath = item.IconPath
		}
	}
	if t.SymbolID != "" && ev.SymbolID != "" {
		ev.SymbolID = t.SymbolID
	}
	return ev
}

func (e ChartEvent) coordinate() Coordinate {
	return Coordinate{ToothNumber: e.Location.Number, Surface: e.Location.Surface, RenderType: e.RenderType.OrDefault()}
}

// newer reports whether e should win a coordinate over o.
func (e ChartEvent) newer(o ChartEvent) bool {
	if !e.At.Equal(o.At) {
		return e.At.After(o.At)
	}
	return e.SourceID.String() > o.SourceID.String()
}

// Project computes the chart from the active events: one symbol per coordinate,
// supplied by the most recent event there. A newer event takes the coordinate
// even when an older one of the same render type is still active; the older
// event stays recorded and shows again once the newer is retracted. Events
// without a symbol project nothing.
func Project(events []ChartEvent) []Symbol {
	winners := make(map[Coordinate]ChartEvent, len(events))
	for _, ev := range events {
		if ev.SymbolID == "" {
			continue
		}
		c := ev.coordinate()
		if cur, ok := winners[c]; !ok || ev.newer(cur) {
			winners[c] = ev
		}
	}
	out := make([]Symbol, 0, len(winners))
	for c, ev := range winners {
		out = append(out, Symbol{
			SymbolID:   ev.SymbolID,
			RenderType: c.RenderType,
			IconPath:   ev.IconPath,
			Location:   ev.Location,
			CheckedAt:  ev.At,
			SourceID:   ev.SourceID,
		})
	}
	sortSymbols(out)
	return out
}

// Changeset is the symbol delta a mutation implies. Added and Removed are
// disjoint. Updated holds symbols that stay on the chart but now come from a
// different event, so their check time or source changed.
type Changeset struct {
	Added   []Symbol `json:"added"`
	Removed []Symbol `json:"removed"`
	Updated []Symbol `json:"updated,omitempty"`
}

// IsEmpty reports whether no symbol appears or disappears.
func (c Changeset) IsEmpty() bool { return len(c.Added) == 0 && len(c.Removed) == 0 }

// Changed reports whether applying c alters the stored chart at all.
func (c Changeset) Changed() bool { return !c.IsEmpty() || len(c.Updated) > 0 }

// Diff returns the changeset that turns before into after.
func Diff(before, after []Symbol) Changeset {
	prev := indexSymbols(before)
	next := indexSymbols(after)
	var cs Changeset
	for _, s := range after {
		old, ok := prev[s.key()]
		switch {
		case !ok:
			cs.Added = append(cs.Added, s)
		case !sameSource(old, s):
			cs.Updated = append(cs.Updated, s)
		}
	}
	for _, s := range before {
		if _, ok := next[s.key()]; !ok {
			cs.Removed = append(cs.Removed, s)
		}
	}
	return cs
}

// Then composes c with a changeset applied after it. A symbol added by one and
// removed by the other cancels out. A symbol removed and added back with a new
// source becomes an update.
func (c Changeset) Then(next Changeset) Changeset {
	addedFirst := indexSymbols(c.Added)
	removedFirst := indexSymbols(c.Removed)
	addedNext := indexSymbols(next.Added)
	removedNext := indexSymbols(next.Removed)
	updatedNext := indexSymbols(next.Updated)

	var out Changeset
	for _, s := range c.Added {
		if _, ok := removedNext[s.key()]; ok {
			continue
		}
		if u, ok := updatedNext[s.key()]; ok {
			s = u
		}
		out.Added = append(out.Added, s)
	}
	for _, s := range next.Added {
		old, ok := removedFirst[s.key()]
		if !ok {
			out.Added = append(out.Added, s)
		} else if !sameSource(old, s) {
			out.Updated = append(out.Updated, s)
		}
	}
	for _, s := range c.Removed {
		if _, ok := addedNext[s.key()]; !ok {
			out.Removed = append(out.Removed, s)
		}
	}
	for _, s := range next.Removed {
		if _, ok := addedFirst[s.key()]; !ok {
			out.Removed = append(out.Removed, s)
		}
	}
	for _, s := range c.Updated {
		_, removed := removedNext[s.key()]
		_, updated := updatedNext[s.key()]
		if !removed && !updated {
			out.Updated = append(out.Updated, s)
		}
	}
	for _, s := range next.Updated {
		if _, ok := addedFirst[s.key()]; !ok {
			out.Updated = append(out.Updated, s)
		}
	}
	sortSymbols(out.Added)
	sortSymbols(out.Removed)
	sortSymbols(out.Updated)
	return out
}

func sameSource(a, b Symbol) bool {
	return a.SourceID == b.SourceID && a.CheckedAt.Equal(b.CheckedAt)
}

// ChartOp is the kind of mutation a clinical event undergoes.
type ChartOp int

const (
	OpAdd ChartOp = iota
	OpUpdate
	OpRemove
)

func (o ChartOp) String() string {
	switch o {
	case OpAdd:
		return "add"
	case OpUpdate:
		return "update"
	case OpRemove:
		return "remove"
	}
	return "unknown"
}

// Reconcile applies op for ev against the currently active events and returns the
// symbol changeset together with the new active event set. An add for a source
// already present behaves as an update.
func Reconcile(active []ChartEvent, op ChartOp, ev ChartEvent) (Changeset, []ChartEvent) {
	next := make([]ChartEvent, 0, len(active)+1)
	for _, a := range active {
		if a.SourceID != ev.SourceID {
			next = append(next, a)
		}
	}
	if op != OpRemove {
		next = append(next, ev)
	}
	return Diff(Project(active), Project(next)), next
}

// Visible picks the symbol shown for each (tooth, surface): the one checked most
// recently, regardless of render type.
func Visible(symbols []Symbol) []Symbol {
	type cell struct{ tooth, surface string }
	best := make(map[cell]Symbol, len(symbols))
	for _, s := range symbols {
		c := cell{s.Location.Number, s.Location.Surface}
		cur, ok := best[c]
		if !ok || s.CheckedAt.After(cur.CheckedAt) ||
			(s.CheckedAt.Equal(cur.CheckedAt) && s.RenderType.OrDefault() > cur.RenderType.OrDefault()) {
			best[c] = s
		}
	}
	out := make([]Symbol, 0, len(best))
	for _, s := range best {
		out = append(out, s)
	}
	sortSymbols(out)
	return out
}

// SymbolsForTooth filters symbols to one tooth.
func SymbolsForTooth(symbols []Symbol, toothNumber string) []Symbol {
	var out []Symbol
	for _, s := range symbols {
		if s.Location.Number == toothNumber {
			out = append(out, s)
		}
	}
	return out
}

func indexSymbols(symbols []Symbol) map[symbolKey]Symbol {
	m := make(map[symbolKey]Symbol, len(symbols))
	for _, s := range symbols {
		m[s.key()] = s
	}
	return m
}

func sortSymbols(s []Symbol) {
	sort.Slice(s, func(i, j int) bool {
		a, b := s[i].key(), s[j].key()
		if a.ToothNumber != b.ToothNumber {
			return a.ToothNumber < b.ToothNumber
		}
		if a.Surface != b.Surface {
			return a.Surface < b.Surface
		}
		if a.RenderType != b.RenderType {
			return a.RenderType < b.RenderType
		}
		if a.SymbolID != b.SymbolID {
			return a.SymbolID < b.SymbolID
		}
		return a.IconPath < b.IconPath
	})
}
