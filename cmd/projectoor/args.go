package main

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/ethpandaops/projectoor/pkg/resolve"
)

// parseQuery turns repeated key=value flags into query values. Repeating a
// key adds another value.
func parseQuery(pairs []string) (url.Values, error) {
	query := make(url.Values, len(pairs))

	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid query %q: expected key=value", pair)
		}

		query.Add(key, value)
	}

	return query, nil
}

// parseResolve turns name=type flags into a resolution mapping.
func parseResolve(pairs []string) (map[string]resolve.ResourceType, error) {
	mapping := make(map[string]resolve.ResourceType, len(pairs))

	for _, pair := range pairs {
		name, typ, ok := strings.Cut(pair, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid resolve %q: expected name=type", pair)
		}

		rt, err := resolve.ParseResourceType(typ)
		if err != nil {
			return nil, err
		}

		mapping[name] = rt
	}

	return mapping, nil
}

// readBody returns the request body from --data or --data-file. A data file
// of "-" reads stdin.
func readBody(data, dataFile string) ([]byte, error) {
	if data != "" && dataFile != "" {
		return nil, fmt.Errorf("--data and --data-file are mutually exclusive")
	}

	if data != "" {
		return []byte(data), nil
	}

	if dataFile == "" {
		return nil, nil
	}

	if dataFile == "-" {
		body, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("reading stdin: %w", err)
		}

		return body, nil
	}

	body, err := os.ReadFile(dataFile)
	if err != nil {
		return nil, fmt.Errorf("reading data file: %w", err)
	}

	return body, nil
}
