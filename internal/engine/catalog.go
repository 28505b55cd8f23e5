package engine

import (
	"fmt"
	"strings"

	"complyline/internal/config"
	"complyline/internal/scoring"
	"complyline/internal/workflow"
)

// ChecklistBinding attaches a scored checklist to one step of a record type.
type ChecklistBinding struct {
	Step      workflow.StepKey
	Checklist scoring.Checklist
}

// Catalog is the validated, typed form of the configured record types.
type Catalog struct {
	Types      workflow.Registry
	Checklists map[string]ChecklistBinding
}

// NewCatalog builds the registry from config. Any schema error fails the
// whole catalog.
func NewCatalog(cfg *config.Config) (Catalog, error) {
	if cfg == nil {
		return Catalog{}, fmt.Errorf("config not loaded")
	}
	c := Catalog{Checklists: map[string]ChecklistBinding{}}
	types := make([]workflow.RecordType, 0, len(cfg.RecordTypes))
	for _, rt := range cfg.RecordTypes {
		key := strings.TrimSpace(rt.Key)
		schema, err := workflow.NewSchema(rt.StepDefinitions())
		if err != nil {
			return Catalog{}, fmt.Errorf("record type %s: %w", key, err)
		}
		label := rt.Label
		if label == "" {
			label = key
		}
		types = append(types, workflow.RecordType{Key: key, Label: label, Schema: schema, Lifecycle: rt.Lifecycle})
		if rt.Checklist == nil {
			continue
		}
		step := workflow.StepKey(rt.Checklist.Step)
		if err := schema.CheckStep(step); err != nil {
			return Catalog{}, fmt.Errorf("record type %s checklist: %w", key, err)
		}
		cl, err := scoring.NewChecklist(rt.Checklist.Questions, rt.Checklist.Risk)
		if err != nil {
			return Catalog{}, fmt.Errorf("record type %s: %w", key, err)
		}
		c.Checklists[key] = ChecklistBinding{Step: step, Checklist: cl}
	}
	reg, err := workflow.NewRegistry(types...)
	if err != nil {
		return Catalog{}, err
	}
	c.Types = reg
	return c, nil
}

func (c Catalog) RecordType(key string) (workflow.RecordType, error) {
	return c.Types.Lookup(key)
}

func (c Catalog) Checklist(recordType string) (ChecklistBinding, bool) {
	b, ok := c.Checklists[recordType]
	return b, ok
}
