// Package config loads the one-shot, process-start collection
// configuration (spec.md §3's schema, plus the directory/recommend/
// log-server settings SPEC_FULL.md's expansion adds) from YAML,
// following the teacher's cmd/warren/apply.go YAML-resource idiom.
// Hot reload is an explicit Non-goal; Load is called exactly once at
// startup.
package config

import (
	"fmt"
	"os"

	"github.com/baby/sf1r-lite/pkg/types"
	"gopkg.in/yaml.v3"
)

// PropertyConfig is the YAML shape of one schema property.
type PropertyConfig struct {
	Name          string `yaml:"name"`
	Type          string `yaml:"type"` // string, int, float, nominal, date
	Index         bool   `yaml:"index,omitempty"`
	Analyzed      bool   `yaml:"analyzed,omitempty"`
	Filter        bool   `yaml:"filter,omitempty"`
	MultiValue    bool   `yaml:"multiValue,omitempty"`
	StoreDocLen   bool   `yaml:"storeDocLen,omitempty"`
	Analyzer      string `yaml:"analyzer,omitempty"`
	Granularity   string `yaml:"granularity,omitempty"`
	DisplayLength int    `yaml:"displayLength,omitempty"`
	SummaryNum    int    `yaml:"summaryNum,omitempty"`
}

// SchemaConfig is the YAML shape of a collection's schema block.
type SchemaConfig struct {
	Properties []PropertyConfig `yaml:"properties"`
}

// RecommendConfig configures the optional Recommend Task Service.
type RecommendConfig struct {
	Enabled  bool   `yaml:"enabled,omitempty"`
	DataDir  string `yaml:"dataDir,omitempty"`
	CronExpr string `yaml:"cronExpr,omitempty"`
}

// LogServerConfig configures the optional Log-Server Forwarder.
type LogServerConfig struct {
	Enabled bool   `yaml:"enabled,omitempty"`
	Addr    string `yaml:"addr,omitempty"`
}

// CollectionConfig is the top-level YAML document for one collection.
type CollectionConfig struct {
	APIVersion string `yaml:"apiVersion"`
	Kind       string `yaml:"kind"`

	Name          string          `yaml:"name"`
	DataDir       string          `yaml:"dataDir"`
	LiveDir       string          `yaml:"liveDir"`
	CurrentDir    string          `yaml:"currentDir"`
	NextDir       string          `yaml:"nextDir"`
	SourceField   string          `yaml:"sourceField,omitempty"`
	Schema        SchemaConfig    `yaml:"schema"`
	Recommend     RecommendConfig `yaml:"recommend,omitempty"`
	LogServer     LogServerConfig `yaml:"logServer,omitempty"`
}

// Load reads and parses a collection config from path.
func Load(path string) (*CollectionConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read collection config: %w", err)
	}

	var cfg CollectionConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse collection config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *CollectionConfig) validate() error {
	if c.Name == "" {
		return fmt.Errorf("collection config: name is required")
	}
	if c.Kind != "" && c.Kind != "Collection" {
		return fmt.Errorf("collection config: unsupported kind %q", c.Kind)
	}
	if len(c.Schema.Properties) == 0 {
		return fmt.Errorf("collection config %q: schema must declare at least one property", c.Name)
	}
	for _, p := range c.Schema.Properties {
		if p.Name == "" {
			return fmt.Errorf("collection config %q: property with empty name", c.Name)
		}
		if _, ok := propertyTypes[p.Type]; !ok {
			return fmt.Errorf("collection config %q: property %q has unknown type %q", c.Name, p.Name, p.Type)
		}
	}
	return nil
}

var propertyTypes = map[string]types.PropertyType{
	"string":  types.PropertyString,
	"int":     types.PropertyInt,
	"float":   types.PropertyFloat,
	"nominal": types.PropertyNominal,
	"date":    types.PropertyDate,
}

// ToSchema converts the YAML schema block into a compiled
// types.Schema, ready for Schema.Lookup.
func (c *CollectionConfig) ToSchema() *types.Schema {
	props := make([]*types.PropertyDef, 0, len(c.Schema.Properties))
	for i, p := range c.Schema.Properties {
		def := &types.PropertyDef{
			ID:            int32(i + 1),
			Name:          p.Name,
			Type:          propertyTypes[p.Type],
			IsIndex:       p.Index,
			IsAnalyzed:    p.Analyzed,
			IsFilter:      p.Filter,
			IsMultiValue:  p.MultiValue,
			IsStoreDocLen: p.StoreDocLen,
		}
		if p.Analyzer != "" {
			def.Analyzer = &types.AnalyzerInfo{Name: p.Analyzer, Granularity: p.Granularity}
		}
		if p.DisplayLength > 0 || p.SummaryNum > 0 {
			def.Summary = &types.SummaryInfo{DisplayLength: p.DisplayLength, SummaryNum: p.SummaryNum}
		}
		props = append(props, def)
	}

	schema := &types.Schema{CollectionName: c.Name, Properties: props}
	schema.Compile()
	return schema
}
