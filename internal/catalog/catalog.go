// Package catalog holds the closed, compile-time-reviewed set of operations
// the broker may execute. The manifest is loaded once at startup and is the
// single source of truth for capability metadata; anything malformed is
// fatal to startup, never degraded at execution time.
package catalog

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/sweepkit/broker/internal/logging"
)

var log = logging.L("catalog")

//go:embed manifest_schema.json
var manifestSchema string

//go:embed builtin_manifest.yaml
var builtinManifest []byte

// Manifest is the on-disk capability document.
type Manifest struct {
	Version      string       `yaml:"version" json:"version"`
	Capabilities []Capability `yaml:"capabilities" json:"capabilities"`
}

// PathAllowlist reports whether an executable path is permitted by the
// execution layer's own static list. The catalog and that list are
// deliberately maintained separately; both must agree for a capability to
// load, so a corrupted manifest alone cannot introduce a new executable.
type PathAllowlist func(path string) bool

// Catalog is the immutable capability registry.
type Catalog struct {
	version string
	byID    map[string]*Capability
	ordered []*Capability
}

// LoadFile reads a manifest from path and builds the catalog.
func LoadFile(path string, allowed PathAllowlist) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: read manifest: %w", err)
	}
	return Load(data, allowed)
}

// LoadBuiltin builds the catalog from the manifest bundled into the binary.
func LoadBuiltin(allowed PathAllowlist) (*Catalog, error) {
	return Load(builtinManifest, allowed)
}

// Load validates manifest bytes against the schema and the execution-layer
// allowlist and builds the catalog. Any violation fails the whole load.
func Load(data []byte, allowed PathAllowlist) (*Catalog, error) {
	if err := validateSchema(data); err != nil {
		return nil, err
	}

	var manifest Manifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&manifest); err != nil {
		return nil, fmt.Errorf("catalog: decode manifest: %w", err)
	}

	if manifest.Version == "" {
		return nil, fmt.Errorf("catalog: manifest version is required")
	}
	if len(manifest.Capabilities) == 0 {
		return nil, fmt.Errorf("catalog: manifest declares no capabilities")
	}

	cat := &Catalog{
		version: manifest.Version,
		byID:    make(map[string]*Capability, len(manifest.Capabilities)),
	}

	var errs []string
	for i := range manifest.Capabilities {
		cap := &manifest.Capabilities[i]

		if err := cap.validate(); err != nil {
			errs = append(errs, err.Error())
			continue
		}
		if _, dup := cat.byID[cap.ID]; dup {
			errs = append(errs, fmt.Sprintf("duplicate capability id %s", cap.ID))
			continue
		}
		if cap.Tier != TierAutomation {
			for _, tmpl := range cap.templates() {
				if allowed == nil || !allowed(tmpl.Path) {
					errs = append(errs, fmt.Sprintf("capability %s: executable %q is not in the execution allowlist", cap.ID, tmpl.Path))
				}
			}
		}

		cat.byID[cap.ID] = cap
		cat.ordered = append(cat.ordered, cap)
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("catalog: manifest rejected:\n  - %s", strings.Join(errs, "\n  - "))
	}

	log.Info("catalog loaded", "version", cat.version, "capabilities", len(cat.ordered))
	return cat, nil
}

// validateSchema checks the raw manifest against the embedded JSON Schema.
// The YAML is normalized through a JSON round-trip because the schema
// validator operates on JSON-decoded values.
func validateSchema(data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("catalog: manifest is not valid YAML: %w", err)
	}

	normalized, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("catalog: normalize manifest: %w", err)
	}
	var jsonDoc any
	if err := json.Unmarshal(normalized, &jsonDoc); err != nil {
		return fmt.Errorf("catalog: normalize manifest: %w", err)
	}

	schema, err := jsonschema.CompileString("manifest_schema.json", manifestSchema)
	if err != nil {
		return fmt.Errorf("catalog: compile manifest schema: %w", err)
	}
	if err := schema.Validate(jsonDoc); err != nil {
		return fmt.Errorf("catalog: manifest schema violation: %w", err)
	}
	return nil
}

// Version returns the manifest version the catalog was built from.
func (c *Catalog) Version() string {
	return c.version
}

// Lookup returns the capability with the given id.
func (c *Catalog) Lookup(id string) (*Capability, bool) {
	cap, ok := c.byID[id]
	return cap, ok
}

// All returns every capability in manifest order.
func (c *Catalog) All() []*Capability {
	out := make([]*Capability, len(c.ordered))
	copy(out, c.ordered)
	return out
}

// ByGroup returns the capabilities in the given group, in manifest order.
func (c *Catalog) ByGroup(group string) []*Capability {
	var out []*Capability
	for _, cap := range c.ordered {
		if cap.Group == group {
			out = append(out, cap)
		}
	}
	return out
}

// Groups returns the distinct group names, sorted.
func (c *Catalog) Groups() []string {
	seen := make(map[string]bool)
	var groups []string
	for _, cap := range c.ordered {
		if !seen[cap.Group] {
			seen[cap.Group] = true
			groups = append(groups, cap.Group)
		}
	}
	sort.Strings(groups)
	return groups
}

// Search returns capabilities whose id, title, description, or UI keywords
// contain the query, case-insensitively.
func (c *Catalog) Search(query string) []*Capability {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil
	}

	var out []*Capability
	for _, cap := range c.ordered {
		if strings.Contains(strings.ToLower(cap.ID), query) ||
			strings.Contains(strings.ToLower(cap.Title), query) ||
			strings.Contains(strings.ToLower(cap.Description), query) ||
			keywordMatch(cap.UI.Keywords, query) {
			out = append(out, cap)
		}
	}
	return out
}

func keywordMatch(keywords []string, query string) bool {
	for _, kw := range keywords {
		if strings.Contains(strings.ToLower(kw), query) {
			return true
		}
	}
	return false
}
