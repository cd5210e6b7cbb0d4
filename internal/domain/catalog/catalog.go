package catalog

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"github.com/healthrec/labentry/internal/labapi"
)

var (
	// ErrUnknownTestType is returned when a selection targets a test type
	// that is not in the loaded list.
	ErrUnknownTestType = errors.New("catalog: unknown test type")

	// ErrUnknownGroup is returned when a narrowing targets a group that is
	// not in the active test type.
	ErrUnknownGroup = errors.New("catalog: unknown test group")
)

// Client is the slice of the lab API the selector needs.
type Client interface {
	ListTestTypes(ctx context.Context) ([]labapi.TestType, error)
	GetTestGroups(ctx context.Context, testID int64) ([]labapi.TestGroup, error)
	GetGroupParameters(ctx context.Context, groupID int64) ([]labapi.Parameter, error)
}

// View is a point-in-time snapshot of the selector for rendering.
type View struct {
	Types             []labapi.TestType  `json:"types"`
	ActiveTypeID      int64              `json:"active_type_id,omitempty"`
	Groups            []labapi.TestGroup `json:"groups"`
	ActiveGroupID     int64              `json:"active_group_id,omitempty"`
	ActiveParameterID int64              `json:"active_parameter_id,omitempty"`
	Loading           bool               `json:"loading"`
}

// Selector drives the test-type and group browsing for one session. A
// selection replaces the whole group list; responses from superseded
// selections are discarded so a slow fetch can never overwrite a newer one.
// All methods are safe for concurrent use.
type Selector struct {
	mu     sync.Mutex
	client Client

	types             []labapi.TestType
	activeTypeID      int64
	groups            []labapi.TestGroup
	activeGroupID     int64
	activeParameterID int64
	loading           bool
	gen               uint64
}

// NewSelector builds a selector over the given client.
func NewSelector(client Client) *Selector {
	return &Selector{client: client}
}

// LoadTestTypes fetches the test-type list and auto-selects the default
// type. The default is the first type flagged as default, or the lowest
// priority value with ties broken by list order. On failure the list stays
// empty.
func (s *Selector) LoadTestTypes(ctx context.Context) error {
	types, err := s.client.ListTestTypes(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.types = types
	s.mu.Unlock()

	if def, ok := defaultTestType(types); ok {
		return s.SelectTestType(ctx, def.ID)
	}
	return nil
}

func defaultTestType(types []labapi.TestType) (labapi.TestType, bool) {
	if len(types) == 0 {
		return labapi.TestType{}, false
	}
	for _, t := range types {
		if t.IsDefault {
			return t, true
		}
	}
	best := types[0]
	for _, t := range types[1:] {
		if t.Priority < best.Priority {
			best = t
		}
	}
	return best, true
}

// SelectTestType fetches the groups for one test type and makes it active,
// clearing any earlier group or parameter narrowing. Groups come back sorted
// by priority ascending. If a newer selection starts before this one's
// response lands, the late response is dropped. On failure the previous
// state is kept intact.
func (s *Selector) SelectTestType(ctx context.Context, testID int64) error {
	s.mu.Lock()
	if !s.hasTypeLocked(testID) {
		s.mu.Unlock()
		return ErrUnknownTestType
	}
	s.gen++
	myGen := s.gen
	s.loading = true
	s.mu.Unlock()

	groups, err := s.fetchGroups(ctx, testID)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != myGen {
		// A newer selection owns the loading flag now.
		return nil
	}
	s.loading = false
	if err != nil {
		return err
	}
	s.activeTypeID = testID
	s.groups = groups
	s.activeGroupID = 0
	s.activeParameterID = 0
	return nil
}

func (s *Selector) hasTypeLocked(testID int64) bool {
	for _, t := range s.types {
		if t.ID == testID {
			return true
		}
	}
	return false
}

// fetchGroups loads the group list and fills in parameters for any group the
// listing endpoint returned without them.
func (s *Selector) fetchGroups(ctx context.Context, testID int64) ([]labapi.TestGroup, error) {
	groups, err := s.client.GetTestGroups(ctx, testID)
	if err != nil {
		return nil, err
	}
	for i := range groups {
		if len(groups[i].Parameters) > 0 {
			continue
		}
		params, err := s.client.GetGroupParameters(ctx, groups[i].ID)
		if err != nil {
			return nil, err
		}
		groups[i].Parameters = params
	}
	sort.SliceStable(groups, func(i, j int) bool {
		return groups[i].Priority < groups[j].Priority
	})
	return groups, nil
}

// SelectGroup narrows the catalog to one group of the active test type.
func (s *Selector) SelectGroup(groupID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range s.groups {
		if g.ID == groupID {
			s.activeGroupID = groupID
			s.activeParameterID = 0
			return nil
		}
	}
	return ErrUnknownGroup
}

// SelectParameter highlights one parameter within the active group.
func (s *Selector) SelectParameter(parameterID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeParameterID = parameterID
}

// ClearNarrowing drops the group and parameter focus while keeping the
// loaded catalog, as happens after a successful submission resets the form.
func (s *Selector) ClearNarrowing() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeGroupID = 0
	s.activeParameterID = 0
}

// ActiveType returns the currently selected test type.
func (s *Selector) ActiveType() (labapi.TestType, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.types {
		if t.ID == s.activeTypeID {
			return t, true
		}
	}
	return labapi.TestType{}, false
}

// Group returns one loaded group by ID.
func (s *Selector) Group(groupID int64) (labapi.TestGroup, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, g := range s.groups {
		if g.ID == groupID {
			return g, true
		}
	}
	return labapi.TestGroup{}, false
}

// Parameter returns one loaded parameter by group and parameter ID.
func (s *Selector) Parameter(groupID, parameterID int64) (labapi.Parameter, bool) {
	g, ok := s.Group(groupID)
	if !ok {
		return labapi.Parameter{}, false
	}
	for _, p := range g.Parameters {
		if p.ID == parameterID {
			return p, true
		}
	}
	return labapi.Parameter{}, false
}

// Snapshot returns the selector state with the group list optionally
// filtered by a case-insensitive search query.
func (s *Selector) Snapshot(query string) View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return View{
		Types:             append([]labapi.TestType(nil), s.types...),
		ActiveTypeID:      s.activeTypeID,
		Groups:            FilterGroups(s.groups, query),
		ActiveGroupID:     s.activeGroupID,
		ActiveParameterID: s.activeParameterID,
		Loading:           s.loading,
	}
}

// FilterGroups returns the groups matching query by group or parameter name,
// case-insensitively. A group whose own name matches keeps all of its
// parameters; otherwise it is narrowed to the parameters that match. An
// empty query returns the input unchanged.
func FilterGroups(groups []labapi.TestGroup, query string) []labapi.TestGroup {
	query = strings.TrimSpace(query)
	if query == "" {
		return append([]labapi.TestGroup(nil), groups...)
	}
	q := strings.ToLower(query)

	var out []labapi.TestGroup
	for _, g := range groups {
		if strings.Contains(strings.ToLower(g.Name), q) {
			out = append(out, g)
			continue
		}
		var params []labapi.Parameter
		for _, p := range g.Parameters {
			if strings.Contains(strings.ToLower(p.Name), q) {
				params = append(params, p)
			}
		}
		if len(params) > 0 {
			narrowed := g
			narrowed.Parameters = params
			out = append(out, narrowed)
		}
	}
	return out
}
