// Package validate implements schema validation and {{var}} template
// extraction/interpolation, shared by the project, task-type, and task
// services. No third-party schema-validation library in the retrieval
// pack is imported directly by application code (go-playground/validator
// appears only as a transitive web-framework dependency elsewhere), so
// these checks are plain regular expressions and bound comparisons.
package validate

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/taskdriver/taskdriver/internal/stringutils"
)

var slugPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

const (
	minNameLen = 1
	maxNameLen = 128
)

// Name validates a project/task-type name: slug-like, bounded length.
func Name(field, name string) error {
	if stringutils.IsEmpty(name) {
		return fmt.Errorf("%s: must not be empty", field)
	}
	if len(name) < minNameLen || len(name) > maxNameLen {
		return fmt.Errorf("%s: must be between %d and %d characters", field, minNameLen, maxNameLen)
	}
	if !slugPattern.MatchString(name) {
		return fmt.Errorf("%s: must contain only letters, digits, '-' and '_'", field)
	}
	return nil
}

// NonNegative validates a retry-count style field.
func NonNegative(field string, v int) error {
	if v < 0 {
		return fmt.Errorf("%s: must be >= 0", field)
	}
	return nil
}

// AtLeastOne validates a duration-minutes style field.
func AtLeastOne(field string, v int) error {
	if v < 1 {
		return fmt.Errorf("%s: must be >= 1", field)
	}
	return nil
}

// ExtractPlaceholders returns the distinct {{name}} placeholders in
// template, in order of first appearance.
func ExtractPlaceholders(template string) []string {
	matches := placeholderPattern.FindAllStringSubmatch(template, -1)
	seen := make(map[string]bool, len(matches))
	var out []string
	for _, m := range matches {
		name := m[1]
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}

// ReconcileVariables checks that an explicit variables list matches the
// placeholders extracted from template exactly, when variables is
// non-empty; otherwise it returns the derived set.
func ReconcileVariables(template string, variables []string) ([]string, error) {
	derived := ExtractPlaceholders(template)
	if len(variables) == 0 {
		return derived, nil
	}
	derivedSet := make(map[string]bool, len(derived))
	for _, d := range derived {
		derivedSet[d] = true
	}
	givenSet := make(map[string]bool, len(variables))
	for _, v := range variables {
		givenSet[v] = true
	}
	var missing, extra []string
	for d := range derivedSet {
		if !givenSet[d] {
			missing = append(missing, d)
		}
	}
	for g := range givenSet {
		if !derivedSet[g] {
			extra = append(extra, g)
		}
	}
	if len(missing) > 0 || len(extra) > 0 {
		sort.Strings(missing)
		sort.Strings(extra)
		return nil, fmt.Errorf("variables do not match template placeholders (missing=%v, extra=%v)", missing, extra)
	}
	return variables, nil
}

// Interpolate replaces every {{name}} occurrence in template with the
// corresponding value from vars. Missing variables produce an error
// listing the missing names; extra entries in vars are ignored.
func Interpolate(template string, vars map[string]string) (string, error) {
	placeholders := ExtractPlaceholders(template)
	var missing []string
	for _, name := range placeholders {
		if _, ok := vars[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return "", fmt.Errorf("missing template variables: %s", strings.Join(missing, ", "))
	}
	return placeholderPattern.ReplaceAllStringFunc(template, func(m string) string {
		sub := placeholderPattern.FindStringSubmatch(m)
		return vars[sub[1]]
	}), nil
}
