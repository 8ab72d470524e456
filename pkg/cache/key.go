package cache

import (
	"encoding/hex"
	"net/url"
	"sort"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// DefaultNamespace is used when no organization is known.
const DefaultNamespace = "default"

// Key derives the cache key for (endpoint, query, orgID). Queries that differ
// only in parameter or value order produce the same key.
func Key(endpoint string, query url.Values, orgID string) string {
	h, _ := blake2b.New256(nil)

	h.Write([]byte(strings.Trim(endpoint, "/")))
	h.Write([]byte{0})
	h.Write([]byte(normalizeQuery(query)))
	h.Write([]byte{0})
	h.Write([]byte(orgID))

	return namespaceFor(orgID) + ":" + hex.EncodeToString(h.Sum(nil))
}

// normalizeQuery encodes query with keys and values sorted. Empty keys and
// keys without values are dropped.
func normalizeQuery(query url.Values) string {
	if len(query) == 0 {
		return ""
	}

	normalized := make(url.Values, len(query))

	for k, vs := range query {
		if k == "" || len(vs) == 0 {
			continue
		}

		sorted := append([]string(nil), vs...)
		sort.Strings(sorted)
		normalized[k] = sorted
	}

	// Encode sorts by key.
	return normalized.Encode()
}

func namespaceFor(orgID string) string {
	if orgID == "" {
		return DefaultNamespace
	}

	return orgID
}
