// Package selection owns the working set of parameters staged for report
// entry. It is pure in-memory state management; nothing here performs I/O.
package selection

import (
	"fmt"
	"sync"

	"github.com/healthrec/labentry/internal/labapi"
)

// Key derives the composite selection identifier "{groupId}_{parameterId}".
// Group and parameter ids are globally unique on the backend, so two distinct
// parameters can never collide.
func Key(groupID, parameterID int64) string {
	return fmt.Sprintf("%d_%d", groupID, parameterID)
}

// SelectedItem is one member of the working set. It is created when a
// parameter is toggled on and destroyed when toggled off, removed, or the set
// is reset after a confirmed save.
type SelectedItem struct {
	Key          string `json:"key"`
	TestID       int64  `json:"test_id"`
	TestName     string `json:"test_name"`
	GroupID      int64  `json:"group_id"`
	GroupName    string `json:"group_name"`
	ParameterID  int64  `json:"parameter_id"`
	Name         string `json:"name"`
	Unit         string `json:"unit"`
	NormalRange  string `json:"normal_range"`
	IsApplicable bool   `json:"is_applicable"`
}

// Set is the working set: a mapping from selection key to SelectedItem with
// insertion order preserved for deterministic iteration.
type Set struct {
	mu    sync.RWMutex
	items map[string]*SelectedItem
	order []string
}

// NewSet returns an empty working set.
func NewSet() *Set {
	return &Set{items: make(map[string]*SelectedItem)}
}

// Toggle flips the membership of one parameter. It returns the item's key and
// true when the parameter was inserted, false when it was removed.
func (s *Set) Toggle(p labapi.Parameter, testID int64, testName string, groupID int64, groupName string) (string, bool) {
	key := Key(groupID, p.ID)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[key]; ok {
		s.removeLocked(key)
		return key, false
	}
	s.insertLocked(buildItem(p, testID, testName, groupID, groupName))
	return key, true
}

// ToggleGroup applies the all-or-nothing group toggle: when every parameter
// of the group is already selected, exactly those keys are removed; otherwise
// the missing ones are inserted and existing selections are left untouched.
// It returns the keys that were removed so the owning form can drop their
// drafts alongside.
func (s *Set) ToggleGroup(g labapi.TestGroup, testID int64, testName string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	allPresent := true
	for _, p := range g.Parameters {
		if _, ok := s.items[Key(g.ID, p.ID)]; !ok {
			allPresent = false
			break
		}
	}

	if allPresent {
		removed := make([]string, 0, len(g.Parameters))
		for _, p := range g.Parameters {
			key := Key(g.ID, p.ID)
			s.removeLocked(key)
			removed = append(removed, key)
		}
		return removed
	}
	for _, p := range g.Parameters {
		if _, ok := s.items[Key(g.ID, p.ID)]; !ok {
			s.insertLocked(buildItem(p, testID, testName, g.ID, g.Name))
		}
	}
	return nil
}

// Remove deletes the item with the given key; it is a no-op when absent.
func (s *Set) Remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(key)
}

// Reset empties the working set. Called only after a confirmed save or an
// explicit session teardown.
func (s *Set) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make(map[string]*SelectedItem)
	s.order = nil
}

// Contains reports membership of a key.
func (s *Set) Contains(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.items[key]
	return ok
}

// Len returns the number of staged parameters.
func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Items returns the staged parameters in insertion order. The returned slice
// holds copies; mutating it does not affect the set.
func (s *Set) Items() []SelectedItem {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]SelectedItem, 0, len(s.order))
	for _, key := range s.order {
		if item, ok := s.items[key]; ok {
			out = append(out, *item)
		}
	}
	return out
}

func (s *Set) insertLocked(item *SelectedItem) {
	s.items[item.Key] = item
	s.order = append(s.order, item.Key)
}

func (s *Set) removeLocked(key string) {
	if _, ok := s.items[key]; !ok {
		return
	}
	delete(s.items, key)
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func buildItem(p labapi.Parameter, testID int64, testName string, groupID int64, groupName string) *SelectedItem {
	return &SelectedItem{
		Key:          Key(groupID, p.ID),
		TestID:       testID,
		TestName:     testName,
		GroupID:      groupID,
		GroupName:    groupName,
		ParameterID:  p.ID,
		Name:         p.Name,
		Unit:         p.Unit,
		NormalRange:  p.NormalRange(),
		IsApplicable: p.IsApplicable,
	}
}
