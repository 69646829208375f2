package executor

// allowedExecutables is the execution layer's own static allowlist. It is
// maintained separately from the capability manifest: both must agree
// before a capability loads, so a corrupted or malicious manifest cannot
// introduce a new executable on its own. Changing this list is a code
// change subject to review, not a data change.
var allowedExecutables = map[string]bool{
	"/usr/bin/dscacheutil": true,
	"/usr/bin/killall":     true,
	"/usr/bin/find":        true,
	"/usr/bin/du":          true,
	"/usr/bin/mdutil":      true,
	"/usr/sbin/purge":      true,
	"/usr/sbin/periodic":   true,
}

// Allowlisted reports whether an executable path may be spawned by the
// execution layer.
func Allowlisted(path string) bool {
	return allowedExecutables[path]
}
