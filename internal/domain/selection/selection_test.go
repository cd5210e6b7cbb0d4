package selection

import (
	"testing"

	"github.com/healthrec/labentry/internal/labapi"
)

func param(id, groupID int64, name string) labapi.Parameter {
	return labapi.Parameter{
		ID: id, GroupID: groupID, Name: name,
		Unit: "g/dL", StartRange: "13", EndRange: "17", IsApplicable: true,
	}
}

func TestKey(t *testing.T) {
	if got := Key(4, 11); got != "4_11" {
		t.Errorf("expected 4_11, got %s", got)
	}
}

func TestToggle_InsertThenRemove(t *testing.T) {
	s := NewSet()
	p := param(11, 4, "Hemoglobin")

	key, inserted := s.Toggle(p, 7, "Blood Test", 4, "CBC")
	if !inserted || key != "4_11" {
		t.Fatalf("expected insert of 4_11, got key=%s inserted=%v", key, inserted)
	}
	if !s.Contains("4_11") || s.Len() != 1 {
		t.Fatal("expected working set of size 1")
	}

	items := s.Items()
	if items[0].NormalRange != "13-17" {
		t.Errorf("expected normal range 13-17, got %s", items[0].NormalRange)
	}
	if items[0].GroupName != "CBC" || items[0].TestName != "Blood Test" {
		t.Errorf("unexpected item metadata: %+v", items[0])
	}

	// Toggle again: back to the original empty set.
	if _, inserted := s.Toggle(p, 7, "Blood Test", 4, "CBC"); inserted {
		t.Error("expected second toggle to remove")
	}
	if s.Len() != 0 {
		t.Errorf("expected empty set after toggle pair, got %d", s.Len())
	}
}

func TestToggleGroup_SelectAllThenDeselectAll(t *testing.T) {
	s := NewSet()
	g := labapi.TestGroup{
		ID: 4, Name: "CBC",
		Parameters: []labapi.Parameter{param(11, 4, "Hemoglobin"), param(12, 4, "WBC"), param(13, 4, "RBC")},
	}

	// One parameter pre-selected: group toggle adds only the missing two.
	s.Toggle(g.Parameters[0], 7, "Blood Test", g.ID, g.Name)
	if removed := s.ToggleGroup(g, 7, "Blood Test"); removed != nil {
		t.Errorf("select-all must not report removals, got %v", removed)
	}
	if s.Len() != 3 {
		t.Fatalf("expected 3 selected, got %d", s.Len())
	}

	// Pre-selected item keeps its position (insertion order preserved).
	items := s.Items()
	if items[0].ParameterID != 11 {
		t.Errorf("expected pre-selected parameter first, got %d", items[0].ParameterID)
	}

	// All selected: group toggle removes exactly the group's keys and
	// reports them for draft cleanup.
	other := param(99, 5, "Glucose")
	s.Toggle(other, 7, "Blood Test", 5, "Sugar")
	removed := s.ToggleGroup(g, 7, "Blood Test")
	if len(removed) != 3 {
		t.Errorf("expected 3 removed keys, got %v", removed)
	}
	if s.Len() != 1 || !s.Contains("5_99") {
		t.Errorf("expected only foreign key to survive, len=%d", s.Len())
	}
}

func TestRemove_NoopWhenAbsent(t *testing.T) {
	s := NewSet()
	s.Remove("4_11") // must not panic
	s.Toggle(param(11, 4, "Hemoglobin"), 7, "Blood Test", 4, "CBC")
	s.Remove("4_11")
	if s.Len() != 0 {
		t.Errorf("expected empty set, got %d", s.Len())
	}
}

func TestReset(t *testing.T) {
	s := NewSet()
	s.Toggle(param(11, 4, "Hemoglobin"), 7, "Blood Test", 4, "CBC")
	s.Toggle(param(12, 4, "WBC"), 7, "Blood Test", 4, "CBC")
	s.Reset()
	if s.Len() != 0 || len(s.Items()) != 0 {
		t.Error("expected empty set after reset")
	}
}

func TestItems_InsertionOrder(t *testing.T) {
	s := NewSet()
	ids := []int64{13, 11, 12}
	for _, id := range ids {
		s.Toggle(param(id, 4, "P"), 7, "Blood Test", 4, "CBC")
	}
	items := s.Items()
	for i, id := range ids {
		if items[i].ParameterID != id {
			t.Errorf("position %d: expected %d, got %d", i, id, items[i].ParameterID)
		}
	}
}

func TestNormalRange_EmptyWhenNoBand(t *testing.T) {
	s := NewSet()
	p := labapi.Parameter{ID: 21, GroupID: 6, Name: "Culture", IsApplicable: false}
	s.Toggle(p, 7, "Blood Test", 6, "Micro")
	if got := s.Items()[0].NormalRange; got != "" {
		t.Errorf("expected empty normal range, got %q", got)
	}
}
