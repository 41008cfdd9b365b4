package config

import (
	"fmt"
	"io"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/powermaster/energy-optimiser/core"
)

// loadsYAMLDocument is the YAML-native alternative shape for the loads
// section, for installations that prefer to manage their device list as a
// standalone YAML fragment rather than embedded in the main JSON document.
type loadsYAMLDocument struct {
	Loads []LoadConfig `yaml:"loads"`
}

// LoadLoadsYAML decodes a standalone YAML loads document into
// core.LoadDefinitions.
func LoadLoadsYAML(r io.Reader) ([]core.LoadDefinition, error) {
	var doc loadsYAMLDocument
	dec := yaml.NewDecoder(r)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("config: decode loads yaml: %w", err)
	}
	defs := make([]core.LoadDefinition, 0, len(doc.Loads))
	for _, l := range doc.Loads {
		defs = append(defs, l.ToDefinition())
	}
	return defs, nil
}

// ToDefinition converts the document shape into the domain type consumed by
// the planner and load scheduler.
func (l LoadConfig) ToDefinition() core.LoadDefinition {
	days := make(map[time.Weekday]struct{}, len(l.DaysOfWeek))
	for _, d := range l.DaysOfWeek {
		days[time.Weekday(d)] = struct{}{}
	}
	return core.LoadDefinition{
		Name:             l.Name,
		PowerW:           l.PowerW,
		PriorityClass:    l.PriorityClass,
		MinRuntimeMin:    l.MinRuntimeMin,
		IdealRuntimeMin:  l.IdealRuntimeMin,
		MaxRuntimeMin:    l.MaxRuntimeMin,
		EarliestH:        l.EarliestH,
		LatestH:          l.LatestH,
		DaysOfWeek:       days,
		PreferSolar:      l.PreferSolar,
		AllowSplitShifts: l.AllowSplitShifts,
		Enabled:          l.Enabled,
	}
}

// LoadDefinitions converts every configured load in the document to domain
// types, in document order.
func (c *Config) LoadDefinitions() []core.LoadDefinition {
	defs := make([]core.LoadDefinition, 0, len(c.Loads))
	for _, l := range c.Loads {
		defs = append(defs, l.ToDefinition())
	}
	return defs
}
