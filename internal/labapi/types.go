package labapi

import (
	"fmt"
)

// TestType is a top-level lab panel (e.g. "Blood Test"). The list is fetched
// once per session and treated as immutable.
type TestType struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Priority  int    `json:"priority"`
	IsDefault bool   `json:"is_default"`
}

// TestGroup is a named cluster of parameters belonging to exactly one
// test type.
type TestGroup struct {
	ID         int64       `json:"id"`
	Name       string      `json:"name"`
	Priority   int         `json:"priority"`
	Parameters []Parameter `json:"parameters"`
}

// Parameter is a single measurable lab value. StartRange/EndRange declare the
// normal band; IsApplicable=false means no numeric value is collected for it
// (only a report attachment and notes).
type Parameter struct {
	ID           int64  `json:"id"`
	GroupID      int64  `json:"group_id"`
	Name         string `json:"name"`
	Unit         string `json:"unit"`
	StartRange   string `json:"start_range"`
	EndRange     string `json:"end_range"`
	IsApplicable bool   `json:"is_applicable"`
}

// NormalRange joins the declared band as "{start}-{end}", or returns the
// empty string when the parameter declares no band.
func (p Parameter) NormalRange() string {
	if p.StartRange == "" && p.EndRange == "" {
		return ""
	}
	return p.StartRange + "-" + p.EndRange
}

func (t TestType) validate() error {
	if t.ID == 0 {
		return fmt.Errorf("test type: missing id")
	}
	if t.Name == "" {
		return fmt.Errorf("test type %d: missing name", t.ID)
	}
	return nil
}

func (g TestGroup) validate() error {
	if g.ID == 0 {
		return fmt.Errorf("test group: missing id")
	}
	if g.Name == "" {
		return fmt.Errorf("test group %d: missing name", g.ID)
	}
	for _, p := range g.Parameters {
		if err := p.validate(); err != nil {
			return fmt.Errorf("test group %d: %w", g.ID, err)
		}
	}
	return nil
}

func (p Parameter) validate() error {
	if p.ID == 0 {
		return fmt.Errorf("parameter: missing id")
	}
	if p.Name == "" {
		return fmt.Errorf("parameter %d: missing name", p.ID)
	}
	return nil
}
