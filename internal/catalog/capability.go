package catalog

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Tier selects which executor backend runs a capability.
type Tier string

const (
	TierUser       Tier = "user"
	TierElevated   Tier = "elevated"
	TierAutomation Tier = "automation"
	TierFullDisk   Tier = "full-disk"
)

// RiskClass determines confirmation requirements.
type RiskClass string

const (
	RiskSafe        RiskClass = "safe"
	RiskModerate    RiskClass = "moderate"
	RiskDestructive RiskClass = "destructive"
)

// ParseStrategy describes how a capability's stdout is turned into
// structured output.
type ParseStrategy string

const (
	ParseNone  ParseStrategy = "none"
	ParseLines ParseStrategy = "lines"
	ParseJSON  ParseStrategy = "json"
)

// Preflight check types.
const (
	CheckPathExists           = "path_exists"
	CheckPathWritable         = "path_writable"
	CheckAppRunning           = "app_running"
	CheckAppNotRunning        = "app_not_running"
	CheckMinFreeDisk          = "min_free_disk"
	CheckAutomationPermission = "automation_permission"
)

// ArgSlot is a typed, validated argument position in a command template.
// Bound values are checked against the slot before ever reaching a command
// line; raw user text is never concatenated into a command.
type ArgSlot struct {
	Name     string   `yaml:"name" json:"name"`
	Type     string   `yaml:"type" json:"type"` // string, int, path, enum
	Required bool     `yaml:"required" json:"required"`
	Pattern  string   `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	Min      *int64   `yaml:"min,omitempty" json:"min,omitempty"`
	Max      *int64   `yaml:"max,omitempty" json:"max,omitempty"`
	Enum     []string `yaml:"enum,omitempty" json:"enum,omitempty"`

	compiledPattern *regexp.Regexp
}

// CommandTemplate is a fixed executable plus ordered argument tokens.
// A token of the form "{slot}" is replaced by a bound argument value;
// everything else is a literal. There is no shell anywhere.
type CommandTemplate struct {
	Path string   `yaml:"path" json:"path"`
	Args []string `yaml:"args,omitempty" json:"args,omitempty"`
}

// PreflightCheck declares one precondition with a human-readable failure
// message and remediation hint.
type PreflightCheck struct {
	Type        string `yaml:"type" json:"type"`
	Target      string `yaml:"target,omitempty" json:"target,omitempty"`
	MinBytes    int64  `yaml:"minBytes,omitempty" json:"minBytes,omitempty"`
	Message     string `yaml:"message" json:"message"`
	Remediation string `yaml:"remediation,omitempty" json:"remediation,omitempty"`
}

// UIHints carries presentation metadata the broker itself never interprets.
type UIHints struct {
	Icon     string   `yaml:"icon,omitempty" json:"icon,omitempty"`
	Keywords []string `yaml:"keywords,omitempty" json:"keywords,omitempty"`
}

// Capability is one immutable catalog entry. Instances are created at
// manifest load and never mutated afterwards.
type Capability struct {
	ID               string           `yaml:"id" json:"id"`
	Title            string           `yaml:"title" json:"title"`
	Description      string           `yaml:"description,omitempty" json:"description,omitempty"`
	Group            string           `yaml:"group" json:"group"`
	Tier             Tier             `yaml:"tier" json:"tier"`
	Risk             RiskClass        `yaml:"risk" json:"risk"`
	Command          CommandTemplate  `yaml:"command" json:"command"`
	Preview          *CommandTemplate `yaml:"preview,omitempty" json:"preview,omitempty"`
	ArgSlots         []ArgSlot        `yaml:"argSlots,omitempty" json:"argSlots,omitempty"`
	Parse            ParseStrategy    `yaml:"parse,omitempty" json:"parse,omitempty"`
	Preflight        []PreflightCheck `yaml:"preflight,omitempty" json:"preflight,omitempty"`
	TimeoutSeconds   int              `yaml:"timeoutSeconds,omitempty" json:"timeoutSeconds,omitempty"`
	AutomationTarget string           `yaml:"automationTarget,omitempty" json:"automationTarget,omitempty"`
	FullDisk         bool             `yaml:"fullDisk,omitempty" json:"fullDisk,omitempty"`
	UI               UIHints          `yaml:"ui,omitempty" json:"ui,omitempty"`
}

// shellMeta matches characters that would only ever appear in content meant
// for a shell interpreter. The broker never invokes a shell, so any of
// these in a template is a manifest defect and rejected at load time.
var shellMeta = regexp.MustCompile("[;|&$<>`\"'\\\\(){}\n\r*?~#]")

var slotRef = regexp.MustCompile(`^\{([a-zA-Z][a-zA-Z0-9_]*)\}$`)

var idPattern = regexp.MustCompile(`^[a-z0-9]+(\.[a-z0-9]+)+$`)

// validate checks a single capability definition for internal consistency.
// Called at load time only; a capability that fails here never enters the
// catalog.
func (c *Capability) validate() error {
	if !idPattern.MatchString(c.ID) {
		return fmt.Errorf("id %q must be dot-separated lowercase segments", c.ID)
	}
	if c.Title == "" {
		return fmt.Errorf("capability %s: title is required", c.ID)
	}

	switch c.Tier {
	case TierUser, TierElevated, TierAutomation, TierFullDisk:
	default:
		return fmt.Errorf("capability %s: unknown tier %q", c.ID, c.Tier)
	}

	switch c.Risk {
	case RiskSafe, RiskModerate, RiskDestructive:
	default:
		return fmt.Errorf("capability %s: unknown risk class %q", c.ID, c.Risk)
	}

	switch c.Parse {
	case "", ParseNone, ParseLines, ParseJSON:
	default:
		return fmt.Errorf("capability %s: unknown parse strategy %q", c.ID, c.Parse)
	}

	if c.Tier == TierAutomation {
		if c.AutomationTarget == "" {
			return fmt.Errorf("capability %s: automation tier requires automationTarget", c.ID)
		}
	} else {
		if err := c.validateTemplate(&c.Command); err != nil {
			return err
		}
		if c.Preview != nil {
			if err := c.validateTemplate(c.Preview); err != nil {
				return err
			}
		}
	}

	slots := make(map[string]bool, len(c.ArgSlots))
	for i := range c.ArgSlots {
		slot := &c.ArgSlots[i]
		if slots[slot.Name] {
			return fmt.Errorf("capability %s: duplicate arg slot %q", c.ID, slot.Name)
		}
		slots[slot.Name] = true

		switch slot.Type {
		case "string", "int", "path", "enum":
		default:
			return fmt.Errorf("capability %s: slot %s has unknown type %q", c.ID, slot.Name, slot.Type)
		}
		if slot.Type == "enum" && len(slot.Enum) == 0 {
			return fmt.Errorf("capability %s: enum slot %s has no values", c.ID, slot.Name)
		}
		if slot.Pattern != "" {
			re, err := regexp.Compile(slot.Pattern)
			if err != nil {
				return fmt.Errorf("capability %s: slot %s pattern: %w", c.ID, slot.Name, err)
			}
			slot.compiledPattern = re
		}
	}

	for _, check := range c.Preflight {
		switch check.Type {
		case CheckPathExists, CheckPathWritable, CheckAppRunning, CheckAppNotRunning,
			CheckMinFreeDisk, CheckAutomationPermission:
		default:
			return fmt.Errorf("capability %s: unknown preflight check type %q", c.ID, check.Type)
		}
		if check.Message == "" {
			return fmt.Errorf("capability %s: preflight check %s has no failure message", c.ID, check.Type)
		}
	}

	// Every template slot reference must name a declared slot.
	for _, tmpl := range c.templates() {
		for _, arg := range tmpl.Args {
			if m := slotRef.FindStringSubmatch(arg); m != nil && !slots[m[1]] {
				return fmt.Errorf("capability %s: template references undeclared slot %q", c.ID, m[1])
			}
		}
	}

	return nil
}

func (c *Capability) validateTemplate(tmpl *CommandTemplate) error {
	if tmpl.Path == "" {
		return fmt.Errorf("capability %s: command path is required", c.ID)
	}
	if !strings.HasPrefix(tmpl.Path, "/") && !strings.Contains(tmpl.Path, `:\`) {
		return fmt.Errorf("capability %s: command path %q must be absolute", c.ID, tmpl.Path)
	}
	if shellMeta.MatchString(tmpl.Path) || strings.ContainsAny(tmpl.Path, " \t") {
		return fmt.Errorf("capability %s: command path %q contains shell metacharacters", c.ID, tmpl.Path)
	}
	for _, arg := range tmpl.Args {
		if slotRef.MatchString(arg) {
			continue
		}
		if shellMeta.MatchString(arg) {
			return fmt.Errorf("capability %s: template argument %q contains shell metacharacters", c.ID, arg)
		}
	}
	return nil
}

func (c *Capability) templates() []*CommandTemplate {
	tmpls := []*CommandTemplate{&c.Command}
	if c.Preview != nil {
		tmpls = append(tmpls, c.Preview)
	}
	return tmpls
}

// Slot returns the declared arg slot with the given name.
func (c *Capability) Slot(name string) (ArgSlot, bool) {
	for _, slot := range c.ArgSlots {
		if slot.Name == name {
			return slot, true
		}
	}
	return ArgSlot{}, false
}

// SupportsPreview reports whether the capability declares a side-effect-free
// preview template.
func (c *Capability) SupportsPreview() bool {
	return c.Preview != nil
}

// BindArgs validates the supplied bindings against the declared slots and
// renders the command template into a concrete argv. Unknown names, missing
// required slots, and type/range/pattern violations all fail here, before
// anything is executed.
func (c *Capability) BindArgs(bindings map[string]string) ([]string, error) {
	return c.bind(&c.Command, bindings)
}

// BindPreviewArgs renders the preview template with the same validation as
// BindArgs. Fails if the capability has no preview.
func (c *Capability) BindPreviewArgs(bindings map[string]string) ([]string, error) {
	if c.Preview == nil {
		return nil, fmt.Errorf("capability %s: no preview template", c.ID)
	}
	return c.bind(c.Preview, bindings)
}

func (c *Capability) bind(tmpl *CommandTemplate, bindings map[string]string) ([]string, error) {
	for name := range bindings {
		if _, ok := c.Slot(name); !ok {
			return nil, fmt.Errorf("capability %s: unknown argument %q", c.ID, name)
		}
	}

	values := make(map[string]string, len(c.ArgSlots))
	for _, slot := range c.ArgSlots {
		value, ok := bindings[slot.Name]
		if !ok {
			if slot.Required {
				return nil, fmt.Errorf("capability %s: missing required argument %q", c.ID, slot.Name)
			}
			continue
		}
		if err := slot.check(value); err != nil {
			return nil, fmt.Errorf("capability %s: argument %q: %w", c.ID, slot.Name, err)
		}
		values[slot.Name] = value
	}

	argv := make([]string, 0, len(tmpl.Args))
	for _, arg := range tmpl.Args {
		m := slotRef.FindStringSubmatch(arg)
		if m == nil {
			argv = append(argv, arg)
			continue
		}
		value, ok := values[m[1]]
		if !ok {
			// Optional slot with no binding: the whole token is omitted.
			continue
		}
		argv = append(argv, value)
	}
	return argv, nil
}

// check validates a single bound value against the slot's constraints.
func (s *ArgSlot) check(value string) error {
	switch s.Type {
	case "int":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("value %q is not an integer", value)
		}
		if s.Min != nil && n < *s.Min {
			return fmt.Errorf("value %d is below minimum %d", n, *s.Min)
		}
		if s.Max != nil && n > *s.Max {
			return fmt.Errorf("value %d exceeds maximum %d", n, *s.Max)
		}
	case "enum":
		for _, allowed := range s.Enum {
			if value == allowed {
				return nil
			}
		}
		return fmt.Errorf("value %q is not one of %v", value, s.Enum)
	case "path":
		if !strings.HasPrefix(value, "/") && !strings.Contains(value, `:\`) {
			return fmt.Errorf("path %q must be absolute", value)
		}
		if strings.Contains(value, "..") {
			return fmt.Errorf("path %q must not contain '..'", value)
		}
		if shellMeta.MatchString(value) {
			return fmt.Errorf("path %q contains forbidden characters", value)
		}
	case "string":
		if shellMeta.MatchString(value) {
			return fmt.Errorf("value %q contains forbidden characters", value)
		}
	}

	pattern := s.compiledPattern
	if pattern == nil && s.Pattern != "" {
		// Slots constructed outside the loader (tests) compile lazily.
		re, err := regexp.Compile(s.Pattern)
		if err != nil {
			return fmt.Errorf("invalid slot pattern: %w", err)
		}
		pattern = re
	}
	if pattern != nil && !pattern.MatchString(value) {
		return fmt.Errorf("value %q does not match pattern %q", value, s.Pattern)
	}
	return nil
}
