// Package workflow ties the catalog selector, the selection set and the
// entry form together into one report-entry session. A session belongs to
// the authenticated user who opened it and holds no state beyond its own
// lifetime; submitted reports live only in the upstream records service.
package workflow

import (
	"context"
	"fmt"

	"github.com/healthrec/labentry/internal/domain/catalog"
	"github.com/healthrec/labentry/internal/domain/entry"
	"github.com/healthrec/labentry/internal/domain/selection"
)

// ErrNoActiveTest is returned when a selection is attempted before a test
// type has been chosen.
var ErrNoActiveTest = fmt.Errorf("workflow: no active test type")

// Session is the state of one report-entry flow.
type Session struct {
	Selector *catalog.Selector
	Set      *selection.Set
	Form     *entry.Form
}

// Client is the full lab API surface a session needs.
type Client interface {
	catalog.Client
	entry.SubmitClient
}

// NewSession wires up a fresh session. The form's post-save reset also
// clears the selector's narrowing so the whole flow starts over together.
func NewSession(client Client, loader entry.AttachmentLoader, opts ...entry.FormOption) *Session {
	sel := catalog.NewSelector(client)
	set := selection.NewSet()

	opts = append([]entry.FormOption{entry.WithOnReset(sel.ClearNarrowing)}, opts...)
	form := entry.NewForm(set, client, loader, opts...)

	return &Session{
		Selector: sel,
		Set:      set,
		Form:     form,
	}
}

// Toggle flips one parameter in or out of the working set, resolving it
// against the loaded catalog. Toggling a parameter off drops its draft, so a
// later re-add starts blank.
func (s *Session) Toggle(ctx context.Context, groupID, parameterID int64) (key string, selected bool, err error) {
	test, ok := s.Selector.ActiveType()
	if !ok {
		return "", false, ErrNoActiveTest
	}
	group, ok := s.Selector.Group(groupID)
	if !ok {
		return "", false, catalog.ErrUnknownGroup
	}
	param, ok := s.Selector.Parameter(groupID, parameterID)
	if !ok {
		return "", false, fmt.Errorf("workflow: unknown parameter %d in group %d", parameterID, groupID)
	}
	key, selected = s.Set.Toggle(param, test.ID, test.Name, group.ID, group.Name)
	if !selected {
		s.Form.DropDraft(ctx, key)
	}
	return key, selected, nil
}

// ToggleGroup selects every parameter of a group, or deselects them all
// when every one is already selected. Deselected parameters lose their
// drafts.
func (s *Session) ToggleGroup(ctx context.Context, groupID int64) error {
	test, ok := s.Selector.ActiveType()
	if !ok {
		return ErrNoActiveTest
	}
	group, ok := s.Selector.Group(groupID)
	if !ok {
		return catalog.ErrUnknownGroup
	}
	if removed := s.Set.ToggleGroup(group, test.ID, test.Name); len(removed) > 0 {
		s.Form.DropDraft(ctx, removed...)
	}
	return nil
}

// Close releases session resources.
func (s *Session) Close() {
	s.Form.Close()
}

// View is the combined session state returned to clients.
type View struct {
	Catalog catalog.View `json:"catalog"`
	Form    entry.State  `json:"form"`
}

// Snapshot builds a combined view, filtering the catalog by search.
func (s *Session) Snapshot(search string) View {
	return View{
		Catalog: s.Selector.Snapshot(search),
		Form:    s.Form.Snapshot(),
	}
}

// Open loads the catalog for a new session. A failed load leaves the
// session usable with an empty catalog.
func (s *Session) Open(ctx context.Context) error {
	return s.Selector.LoadTestTypes(ctx)
}
