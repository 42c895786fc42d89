package config

import (
	"fmt"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nhalm/limitkit"
)

// LimitDefinition is one entry of a limits file.
//
//	- namespace: api
//	  max_value: 100
//	  window: 1m
//	  name: per-user
//	  conditions: ['method == "GET"']
//	  variables: [user_id]
type LimitDefinition struct {
	Namespace  string        `yaml:"namespace" validate:"required"`
	MaxValue   uint64        `yaml:"max_value"`
	Window     time.Duration `yaml:"window" validate:"gt=0"`
	Name       string        `yaml:"name"`
	Conditions []string      `yaml:"conditions" validate:"dive,required"`
	Variables  []string      `yaml:"variables" validate:"dive,required"`
}

// Limit builds the limitkit.Limit described by d.
func (d LimitDefinition) Limit() (limitkit.Limit, error) {
	return limitkit.NewLimit(d.Namespace, d.MaxValue, d.Window,
		limitkit.WithName(d.Name),
		limitkit.WithConditions(d.Conditions...),
		limitkit.WithVariables(d.Variables...),
	)
}

// LoadLimits reads and parses the limits file at path.
func LoadLimits(path string) ([]limitkit.Limit, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read limits file %q: %w", path, err)
	}
	limits, err := ParseLimits(data)
	if err != nil {
		return nil, fmt.Errorf("limits file %q: %w", path, err)
	}
	return limits, nil
}

// ParseLimits parses a YAML list of limit definitions.
func ParseLimits(data []byte) ([]limitkit.Limit, error) {
	var defs []LimitDefinition
	if err := yaml.Unmarshal(data, &defs); err != nil {
		return nil, fmt.Errorf("failed to parse limits: %w", err)
	}

	limits := make([]limitkit.Limit, 0, len(defs))
	for i, d := range defs {
		if err := validate.Struct(d); err != nil {
			return nil, fmt.Errorf("limit %d: %w", i, err)
		}
		l, err := d.Limit()
		if err != nil {
			return nil, fmt.Errorf("limit %d: %w", i, err)
		}
		limits = append(limits, l)
	}
	return limits, nil
}

// Namespaces returns the distinct namespaces of limits, sorted.
func Namespaces(limits []limitkit.Limit) []string {
	var out []string
	for _, l := range limits {
		out = append(out, l.Namespace())
	}
	slices.Sort(out)
	return slices.Compact(out)
}
