package cache

import (
	"strings"
	"time"
)

// TTL classes.
const (
	ClassReference = "reference"
	ClassStandard  = "standard"
	ClassVolatile  = "volatile"
)

// Default TTLs per class.
const (
	DefaultReferenceTTL = time.Hour
	DefaultStandardTTL  = 15 * time.Minute
	DefaultVolatileTTL  = 5 * time.Minute
)

// resourceClasses maps a resource name (first endpoint path segment) to its
// TTL class. Unlisted resources use ClassStandard.
var resourceClasses = map[string]string{
	// Reference data, rarely edited.
	"projects":                 ClassReference,
	"people":                   ClassReference,
	"companies":                ClassReference,
	"services":                 ClassReference,
	"organization_memberships": ClassReference,
	"workflows":                ClassReference,
	"workflow_statuses":        ClassReference,
	"task_lists":               ClassReference,

	"deals":    ClassStandard,
	"budgets":  ClassStandard,
	"tasks":    ClassStandard,
	"pages":    ClassStandard,
	"comments": ClassStandard,
	"bookings": ClassStandard,

	// Changes throughout the working day.
	"time_entries": ClassVolatile,
	"reports":      ClassVolatile,
	"timers":       ClassVolatile,
	"activities":   ClassVolatile,
}

// Resource returns the resource name of an endpoint, e.g. "time_entries" for
// "/time_entries/12".
func Resource(endpoint string) string {
	trimmed := strings.Trim(endpoint, "/")

	if idx := strings.IndexByte(trimmed, '/'); idx >= 0 {
		trimmed = trimmed[:idx]
	}

	if idx := strings.IndexByte(trimmed, '?'); idx >= 0 {
		trimmed = trimmed[:idx]
	}

	return trimmed
}

// ClassFor returns the TTL class of an endpoint.
func ClassFor(endpoint string) string {
	if class, ok := resourceClasses[Resource(endpoint)]; ok {
		return class
	}

	return ClassStandard
}

// ttlFor returns the TTL class and duration used for endpoint.
func (o *Options) ttlFor(endpoint string) (string, time.Duration) {
	resource := Resource(endpoint)
	class := ClassFor(endpoint)

	if ttl, ok := o.ResourceTTL[resource]; ok && ttl > 0 {
		return class, ttl
	}

	switch class {
	case ClassReference:
		return class, o.ReferenceTTL
	case ClassVolatile:
		return class, o.VolatileTTL
	default:
		return class, o.StandardTTL
	}
}
