// Package helperd implements the privileged helper daemon. The helper is
// the last line of defense for the elevated tier: it trusts nothing the
// broker sends beyond a capability id and named argument values, resolves
// both against its own compiled-in operation table, and keeps its own
// tamper-evident invocation log.
package helperd

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// Operation is one compiled-in privileged operation. The executable path
// and base arguments are fixed at build time; the broker can only select an
// operation by id and supply values for the declared parameters.
type Operation struct {
	CapabilityID string
	Path         string
	BaseArgs     []string
	Params       []Param
}

// Param declares one accepted argument for an operation.
type Param struct {
	Name string
	// Kind is "path" or "enum".
	Kind string
	// Pattern constrains path values (anchored regexp), empty for any
	// absolute path.
	Pattern string
	// Enum lists accepted values for enum params.
	Enum []string

	compiled *regexp.Regexp
}

// builtinOperations is the helper's own allowlist. It is intentionally
// narrower than the broker's catalog: only operations that genuinely need
// root appear here, and an id the broker sends that is absent from this
// table is refused no matter what the broker's catalog says.
var builtinOperations = map[string]Operation{
	"quick.memory.purge": {
		CapabilityID: "quick.memory.purge",
		Path:         "/usr/sbin/purge",
	},
	"quick.spotlight.reindex": {
		CapabilityID: "quick.spotlight.reindex",
		Path:         "/usr/bin/mdutil",
		BaseArgs:     []string{"-E"},
		Params: []Param{
			{Name: "volume", Kind: "path"},
		},
	},
	"quick.maintenance.periodic": {
		CapabilityID: "quick.maintenance.periodic",
		Path:         "/usr/sbin/periodic",
		Params: []Param{
			{Name: "task", Kind: "enum", Enum: []string{"daily", "weekly", "monthly"}},
		},
	},
	"deep.system.temp": {
		CapabilityID: "deep.system.temp",
		Path:         "/usr/bin/find",
		BaseArgs:     []string{"/private/tmp", "-mindepth", "1", "-delete"},
	},
	"deep.system.temp.preview": {
		CapabilityID: "deep.system.temp.preview",
		Path:         "/usr/bin/du",
		BaseArgs:     []string{"-sk", "/private/tmp"},
	},
}

var paramMeta = regexp.MustCompile("[;|&$<>`\"'\\\\(){}\n\r*?~#]")

// resolveArgv validates broker-supplied name=value arguments against the
// operation's declared params and produces the final argv. Unknown names,
// malformed values, and missing params are all refusals; the helper never
// guesses.
func resolveArgv(op Operation, args []string) ([]string, error) {
	values := make(map[string]string, len(args))
	for _, arg := range args {
		name, value, ok := strings.Cut(arg, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("malformed argument %q", arg)
		}
		if _, dup := values[name]; dup {
			return nil, fmt.Errorf("duplicate argument %q", name)
		}
		values[name] = value
	}

	argv := make([]string, 0, 1+len(op.BaseArgs)+len(op.Params))
	argv = append(argv, op.Path)
	argv = append(argv, op.BaseArgs...)

	for i := range op.Params {
		p := &op.Params[i]
		value, ok := values[p.Name]
		if !ok {
			return nil, fmt.Errorf("missing argument %q", p.Name)
		}
		delete(values, p.Name)

		if err := checkParam(p, value); err != nil {
			return nil, err
		}
		argv = append(argv, value)
	}

	for name := range values {
		return nil, fmt.Errorf("unexpected argument %q", name)
	}
	return argv, nil
}

func checkParam(p *Param, value string) error {
	if value == "" {
		return fmt.Errorf("argument %q is empty", p.Name)
	}
	if paramMeta.MatchString(value) {
		return fmt.Errorf("argument %q contains forbidden characters", p.Name)
	}

	switch p.Kind {
	case "path":
		if !filepath.IsAbs(value) {
			return fmt.Errorf("argument %q must be an absolute path", p.Name)
		}
		if strings.Contains(value, "..") {
			return fmt.Errorf("argument %q must not contain parent references", p.Name)
		}
		if p.Pattern != "" {
			if p.compiled == nil {
				re, err := regexp.Compile(p.Pattern)
				if err != nil {
					return fmt.Errorf("argument %q has an invalid constraint", p.Name)
				}
				p.compiled = re
			}
			if !p.compiled.MatchString(value) {
				return fmt.Errorf("argument %q does not match the allowed pattern", p.Name)
			}
		}
	case "enum":
		for _, allowed := range p.Enum {
			if value == allowed {
				return nil
			}
		}
		return fmt.Errorf("argument %q must be one of %v", p.Name, p.Enum)
	default:
		return fmt.Errorf("argument %q has unknown kind %q", p.Name, p.Kind)
	}
	return nil
}
