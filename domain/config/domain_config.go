package config

import (
	"fmt"
	"math"
)

// DomainConfig holds all configurable business rules and constraints
type DomainConfig struct {
	// Graph constraints
	MaxNodesPerGraph int    `yaml:"max_nodes_per_graph" json:"max_nodes_per_graph"`
	MaxEdgesPerGraph int    `yaml:"max_edges_per_graph" json:"max_edges_per_graph"`
	MaxTagsPerGraph  int    `yaml:"max_tags_per_graph" json:"max_tags_per_graph"`
	DefaultGraphName string `yaml:"default_graph_name" json:"default_graph_name"`

	// Node constraints
	MaxLabelLength   int `yaml:"max_label_length" json:"max_label_length"`
	MaxPropertyCount int `yaml:"max_property_count" json:"max_property_count"`

	// Edge constraints
	MinEdgeStrength     float64 `yaml:"min_edge_strength" json:"min_edge_strength"`
	MaxEdgeStrength     float64 `yaml:"max_edge_strength" json:"max_edge_strength"`
	DefaultEdgeStrength float64 `yaml:"default_edge_strength" json:"default_edge_strength"`

	// Validation settings
	AllowSelfLoops      bool `yaml:"allow_self_loops" json:"allow_self_loops"`
	AllowDuplicateEdges bool `yaml:"allow_duplicate_edges" json:"allow_duplicate_edges"`
}

// DefaultDomainConfig returns the default domain configuration
func DefaultDomainConfig() *DomainConfig {
	return &DomainConfig{
		MaxNodesPerGraph: 10000,
		MaxEdgesPerGraph: 100000,
		MaxTagsPerGraph:  64,
		DefaultGraphName: "Untitled Graph",

		MaxLabelLength:   255,
		MaxPropertyCount: 100,

		MinEdgeStrength:     -math.MaxFloat64,
		MaxEdgeStrength:     math.MaxFloat64,
		DefaultEdgeStrength: 1.0,

		AllowSelfLoops:      false,
		AllowDuplicateEdges: false,
	}
}

// ProductionDomainConfig returns production-specific configuration
func ProductionDomainConfig() *DomainConfig {
	config := DefaultDomainConfig()

	config.MaxNodesPerGraph = 5000
	config.MaxEdgesPerGraph = 50000
	config.MaxPropertyCount = 50

	return config
}

// DevelopmentDomainConfig returns development-specific configuration
func DevelopmentDomainConfig() *DomainConfig {
	config := DefaultDomainConfig()

	// More permissive for development
	config.MaxNodesPerGraph = 100000
	config.MaxEdgesPerGraph = 500000
	config.AllowSelfLoops = true
	config.AllowDuplicateEdges = true

	return config
}

// LoadDomainConfig loads domain configuration based on environment
func LoadDomainConfig(environment string) *DomainConfig {
	switch environment {
	case "production":
		return ProductionDomainConfig()
	case "development":
		return DevelopmentDomainConfig()
	default:
		return DefaultDomainConfig()
	}
}

// Validate checks if the configuration is valid
func (c *DomainConfig) Validate() error {
	if c.MaxNodesPerGraph <= 0 {
		return fmt.Errorf("max_nodes_per_graph must be positive, got %d", c.MaxNodesPerGraph)
	}
	if c.MaxEdgesPerGraph <= 0 {
		return fmt.Errorf("max_edges_per_graph must be positive, got %d", c.MaxEdgesPerGraph)
	}
	if c.MaxLabelLength <= 0 {
		return fmt.Errorf("max_label_length must be positive, got %d", c.MaxLabelLength)
	}
	if c.MaxPropertyCount < 0 {
		return fmt.Errorf("max_property_count must not be negative, got %d", c.MaxPropertyCount)
	}
	if c.MinEdgeStrength > c.MaxEdgeStrength {
		return fmt.Errorf("min_edge_strength %v exceeds max_edge_strength %v", c.MinEdgeStrength, c.MaxEdgeStrength)
	}
	return nil
}

// Clone returns an independent copy
func (c *DomainConfig) Clone() *DomainConfig {
	cp := *c
	return &cp
}

// Provider supplies the configuration in force when a command is handled
type Provider interface {
	Current() *DomainConfig
}

// StaticProvider always returns the same configuration
type StaticProvider struct {
	cfg *DomainConfig
}

func NewStaticProvider(cfg *DomainConfig) StaticProvider {
	if cfg == nil {
		cfg = DefaultDomainConfig()
	}
	return StaticProvider{cfg: cfg}
}

func (p StaticProvider) Current() *DomainConfig { return p.cfg }
