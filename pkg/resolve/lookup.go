package resolve

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
)

// ResourceType names a resolvable remote entity.
type ResourceType string

// Resolvable resource types.
const (
	Person  ResourceType = "person"
	Project ResourceType = "project"
	Company ResourceType = "company"
	Deal    ResourceType = "deal"
	Service ResourceType = "service"
	Task    ResourceType = "task"
)

const lookupPageSize = "10"

var (
	canonicalRe = regexp.MustCompile(`^\d+$`)
	// Project and deal numbers look like "PRJ-12" or "2024-7".
	numberRe = regexp.MustCompile(`^[A-Za-z0-9]{1,12}-\d+$`)
	// Task numbers are written "#123".
	taskNumberRe = regexp.MustCompile(`^#(\d+)$`)
)

// lookup describes how candidates for one resource type are searched.
type lookup struct {
	path   string
	query  func(input string, o *options) url.Values
	labels []string
}

var lookups = map[ResourceType]lookup{
	Person: {
		path: "people",
		query: func(input string, _ *options) url.Values {
			if strings.Contains(input, "@") {
				return url.Values{"filter[email]": {input}}
			}

			return url.Values{"filter[query]": {input}}
		},
		labels: []string{"name", "email"},
	},
	Project: {
		path: "projects",
		query: func(input string, _ *options) url.Values {
			if numberRe.MatchString(input) {
				return url.Values{"filter[project_number]": {input}}
			}

			return url.Values{"filter[query]": {input}}
		},
		labels: []string{"name", "project_number"},
	},
	Company: {
		path: "companies",
		query: func(input string, _ *options) url.Values {
			return url.Values{"filter[name]": {input}}
		},
		labels: []string{"name"},
	},
	Deal: {
		path: "deals",
		query: func(input string, _ *options) url.Values {
			if numberRe.MatchString(input) {
				return url.Values{"filter[number]": {input}}
			}

			return url.Values{"filter[query]": {input}}
		},
		labels: []string{"name", "number"},
	},
	Service: {
		path: "services",
		query: func(input string, o *options) url.Values {
			q := url.Values{"filter[name]": {input}}
			if o.projectID != "" {
				q.Set("filter[project_id]", o.projectID)
			}

			return q
		},
		labels: []string{"name"},
	},
	Task: {
		path: "tasks",
		query: func(input string, _ *options) url.Values {
			if m := taskNumberRe.FindStringSubmatch(input); m != nil {
				return url.Values{"filter[task_number]": {m[1]}}
			}

			return url.Values{"filter[title]": {input}}
		},
		labels: []string{"title", "task_number"},
	},
}

// Types returns every resolvable resource type, sorted.
func Types() []ResourceType {
	types := make([]ResourceType, 0, len(lookups))
	for t := range lookups {
		types = append(types, t)
	}

	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	return types
}

// ParseResourceType validates s as a resource type.
func ParseResourceType(s string) (ResourceType, error) {
	rt := ResourceType(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := lookups[rt]; !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownType, s)
	}

	return rt, nil
}

// NeedsResolution reports whether value is not already a canonical numeric ID.
// Empty values need no resolution.
func NeedsResolution(value string) bool {
	if value == "" {
		return false
	}

	return !canonicalRe.MatchString(value)
}
