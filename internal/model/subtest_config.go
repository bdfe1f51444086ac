package model

// ResourceList is one resource category's declaration inside a subtest
// config.yaml: either an explicit name list or categories/levels to expand
// against the shared library directory (§4.3).
type ResourceList struct {
	Names      []string `yaml:"names,omitempty"`
	Categories []string `yaml:"categories,omitempty"`
	Levels     []string `yaml:"levels,omitempty"`
}

// Empty reports whether no names/categories/levels were declared.
func (r ResourceList) Empty() bool {
	return len(r.Names) == 0 && len(r.Categories) == 0 && len(r.Levels) == 0
}

// SubtestResources is the `resources` block of a subtest config.yaml.
type SubtestResources struct {
	Skills     ResourceList `yaml:"skills,omitempty"`
	Agents     ResourceList `yaml:"agents,omitempty"`
	MCPServers ResourceList `yaml:"mcp_servers,omitempty"`
	Tools      ResourceList `yaml:"tools,omitempty"`
}

// SubtestConfig is one `<TierId>/<SubtestId>/config.yaml` document (§4.3).
type SubtestConfig struct {
	Tier               TierID           `yaml:"-"`
	Subtest            SubtestID        `yaml:"-"`
	SystemPromptOverlay string          `yaml:"system_prompt_overlay,omitempty"`
	Resources          SubtestResources `yaml:"resources,omitempty"`
}
