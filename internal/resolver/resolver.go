// Package resolver implements C3, the Tier/Subtest Resolver: it enumerates
// subtests under a fixture directory and composes the per-run agent prompt
// by expanding declared resources against a shared library directory. Config
// loading follows kilroy's engine.LoadRunConfigFile idiom (os.ReadFile +
// yaml.v3.Unmarshal; unknown keys are rejected by the schema), validated against a compiled
// JSON Schema the same way kilroy's tool_registry.compileSchema validates
// tool-call arguments, and resource-pattern expansion uses doublestar the
// way TrellixVulnTeam-chromium-infra's pointless package matches glob
// patterns against candidate names.
package resolver

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/danshapiro/scylla/internal/model"
	"github.com/danshapiro/scylla/internal/scerr"
)

// subtestConfigSchema validates the shape of a subtest config.yaml once it
// has been decoded to generic YAML (maps come out string-keyed, so they
// round-trip through encoding/json without conversion). Compiled once at
// package init since the schema itself never varies across fixtures.
var subtestConfigSchema = mustCompileSchema(`{
	"type": "object",
	"properties": {
		"system_prompt_overlay": {"type": "string"},
		"resources": {
			"type": "object",
			"properties": {
				"skills": {"$ref": "#/$defs/resourceList"},
				"agents": {"$ref": "#/$defs/resourceList"},
				"mcp_servers": {"$ref": "#/$defs/resourceList"},
				"tools": {"$ref": "#/$defs/resourceList"}
			},
			"additionalProperties": false
		}
	},
	"additionalProperties": false,
	"$defs": {
		"resourceList": {
			"type": "object",
			"properties": {
				"names": {"type": "array", "items": {"type": "string"}},
				"categories": {"type": "array", "items": {"type": "string"}},
				"levels": {"type": "array", "items": {"type": "string"}}
			},
			"additionalProperties": false
		}
	}
}`)

func mustCompileSchema(schemaJSON string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("subtest_config.json", strings.NewReader(schemaJSON)); err != nil {
		panic(err)
	}
	schema, err := c.Compile("subtest_config.json")
	if err != nil {
		panic(err)
	}
	return schema
}

// genericResourceHint is appended when no resource name is listed for a
// subtest (none declared, or none resolved), so the resource suffix is never
// empty (§4.3).
const genericResourceHint = "No additional skills, agents, MCP servers, or tools were provisioned for this task; rely on general-purpose reasoning and the tools already available in your environment."

// Resolver enumerates subtests and composes prompts for one fixture
// directory.
type Resolver struct {
	FixtureDir string
	// LibraryDir holds the shared resource catalog:
	// <LibraryDir>/{skills,agents,mcp_servers,tools}/<category>/<level>/<name>.md
	// (category/level expansion only matches files exactly at
	// <category>/<level>/<file>, and names a match by its basename without
	// extension; explicit names are listed as given, without reading the
	// library).
	LibraryDir string
}

func New(fixtureDir string) *Resolver {
	return &Resolver{
		FixtureDir: fixtureDir,
		LibraryDir: filepath.Join(fixtureDir, "resources"),
	}
}

// ListSubtests implements list_subtests(tier_id): subtest directories whose
// name begins with two digits, in sorted order; others are ignored.
func (r *Resolver) ListSubtests(tier model.TierID) ([]model.SubtestConfig, error) {
	tierDir := filepath.Join(r.FixtureDir, string(tier))
	entries, err := os.ReadDir(tierDir)
	if err != nil {
		return nil, scerr.Wrap(scerr.TagWorkspaceSetupFailed, fmt.Sprintf("read tier dir %s", tierDir), err)
	}

	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		if len(name) < 2 || !isDigit(name[0]) || !isDigit(name[1]) {
			continue
		}
		ids = append(ids, name)
	}
	sort.Strings(ids)

	subtests := make([]model.SubtestConfig, 0, len(ids))
	for _, id := range ids {
		cfg, err := r.loadSubtestConfig(tier, model.SubtestID(id))
		if err != nil {
			return nil, err
		}
		subtests = append(subtests, cfg)
	}
	return subtests, nil
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

func (r *Resolver) loadSubtestConfig(tier model.TierID, subtest model.SubtestID) (model.SubtestConfig, error) {
	cfg := model.SubtestConfig{Tier: tier, Subtest: subtest}
	path := filepath.Join(r.FixtureDir, string(tier), string(subtest), "config.yaml")
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, scerr.Wrap(scerr.TagWorkspaceSetupFailed, fmt.Sprintf("read %s", path), err)
	}

	var generic any
	if err := yaml.Unmarshal(b, &generic); err != nil {
		return cfg, scerr.Wrap(scerr.TagWorkspaceSetupFailed, fmt.Sprintf("parse %s", path), err)
	}
	if err := subtestConfigSchema.Validate(generic); err != nil {
		return cfg, scerr.Wrap(scerr.TagWorkspaceSetupFailed, fmt.Sprintf("%s does not match the subtest config schema", path), err)
	}

	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return cfg, scerr.Wrap(scerr.TagWorkspaceSetupFailed, fmt.Sprintf("parse %s", path), err)
	}
	return cfg, nil
}

// resourceCategory is one {skills, agents, mcp_servers, tools} slot: its
// shared-library subdirectory name and its label in the composed prompt.
type resourceCategory struct {
	dir   string
	label string
	list  model.ResourceList
}

// ComposePrompt implements compose_prompt(subtest, task_prompt): append a
// resource suffix listing every resolved resource, grouped by category, or
// the generic hint when no resource name was listed.
func (r *Resolver) ComposePrompt(subtest model.SubtestConfig, taskPrompt string) (string, error) {
	categories := []resourceCategory{
		{dir: "skills", label: "Skills", list: subtest.Resources.Skills},
		{dir: "agents", label: "Agents", list: subtest.Resources.Agents},
		{dir: "mcp_servers", label: "MCP Servers", list: subtest.Resources.MCPServers},
		{dir: "tools", label: "Tools", list: subtest.Resources.Tools},
	}

	var b strings.Builder
	b.WriteString(taskPrompt)
	if subtest.SystemPromptOverlay != "" {
		b.WriteString("\n\n## Additional Instructions\n\n")
		b.WriteString(subtest.SystemPromptOverlay)
	}

	b.WriteString("\n\n## Available Resources\n")
	wroteAny := false
	for _, c := range categories {
		if c.list.Empty() {
			continue
		}
		names, err := r.expand(c.dir, c.list)
		if err != nil {
			return "", err
		}
		if len(names) == 0 {
			continue
		}
		wroteAny = true
		b.WriteString(fmt.Sprintf("\n### %s\n", c.label))
		for _, n := range names {
			b.WriteString(fmt.Sprintf("- %s\n", n))
		}
	}
	if !wroteAny {
		b.WriteString("\n")
		b.WriteString(genericResourceHint)
		b.WriteString("\n")
	}
	return b.String(), nil
}

// expand resolves one ResourceList into a deduplicated, sorted list of
// concrete resource names, by reading LibraryDir/<category>/... and matching
// explicit names directly, and categories/levels as doublestar glob
// fragments against the catalog's relative paths.
func (r *Resolver) expand(categoryDir string, list model.ResourceList) ([]string, error) {
	seen := map[string]bool{}
	var out []string
	add := func(name string) {
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		out = append(out, name)
	}

	for _, n := range list.Names {
		add(n)
	}

	if len(list.Categories) == 0 && len(list.Levels) == 0 {
		sort.Strings(out)
		return out, nil
	}

	root := filepath.Join(r.LibraryDir, categoryDir)
	catalog, err := r.catalogRelPaths(root)
	if err != nil {
		return nil, err
	}

	patterns := buildPatterns(list.Categories, list.Levels)
	for _, rel := range catalog {
		for _, pat := range patterns {
			ok, err := doublestar.Match(pat, rel)
			if err != nil {
				return nil, scerr.Wrap(scerr.TagWorkspaceSetupFailed, fmt.Sprintf("invalid resource pattern %q", pat), err)
			}
			if ok {
				add(resourceNameFromPath(rel))
				break
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

// buildPatterns turns declared categories/levels into doublestar patterns
// matched against catalog-relative paths. A category alone matches every
// level beneath it; a level alone matches that level under any category.
func buildPatterns(categories, levels []string) []string {
	if len(categories) == 0 && len(levels) == 0 {
		return nil
	}
	if len(categories) == 0 {
		categories = []string{"*"}
	}
	if len(levels) == 0 {
		levels = []string{"*"}
	}
	patterns := make([]string, 0, len(categories)*len(levels))
	for _, c := range categories {
		for _, l := range levels {
			patterns = append(patterns, filepath.Join(c, l, "*"))
		}
	}
	return patterns
}

func (r *Resolver) catalogRelPaths(root string) ([]string, error) {
	var rels []string
	entries, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, scerr.Wrap(scerr.TagWorkspaceSetupFailed, fmt.Sprintf("stat %s", root), err)
	}
	if !entries.IsDir() {
		return nil, nil
	}
	err = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}
		rels = append(rels, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, scerr.Wrap(scerr.TagWorkspaceSetupFailed, fmt.Sprintf("walk %s", root), err)
	}
	return rels, nil
}

func resourceNameFromPath(rel string) string {
	base := filepath.Base(rel)
	return strings.TrimSuffix(base, filepath.Ext(base))
}
