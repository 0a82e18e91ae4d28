// Package extract derives named fields from JSON values with path queries.
//
// Queries use gjson syntax (a.b, items.#.id, items.1, key globs) plus a
// translated JSONPath subset. A bare * segment iterates object members and
// array elements alike. A descriptor source of "-" copies the whole
// input.
package extract

import (
	"fmt"

	"github.com/polisai/polis-flow/pkg/domain"
)

// Extract applies descriptors to value. Only application/json is supported.
// With no descriptors the value is returned unchanged. A malformed query
// fails the whole extraction; blank sources or destinations are skipped.
func Extract(contentType string, value any, descriptors []domain.ExtractDescriptor) (any, error) {
	if mt := domain.MediaType(contentType); mt != domain.ContentTypeJSON {
		return nil, fmt.Errorf("%w: unsupported content type %q", domain.ErrExtraction, contentType)
	}
	if len(descriptors) == 0 {
		return value, nil
	}

	type compiled struct {
		dest string
		path Path
	}
	plan := make([]compiled, 0, len(descriptors))
	for _, d := range descriptors {
		if d.Source == "" || d.Destination == "" {
			continue
		}
		p, err := Compile(d.Source)
		if err != nil {
			return nil, err
		}
		plan = append(plan, compiled{dest: d.Destination, path: p})
	}

	result := make(map[string]any, len(plan))
	var doc []byte
	for _, c := range plan {
		if c.path.whole {
			result[c.dest] = value
			continue
		}
		if doc == nil {
			encoded, err := encode(value)
			if err != nil {
				return nil, &QueryError{Query: c.path.source, Message: "value is not JSON encodable", Cause: err}
			}
			doc = encoded
		}
		result[c.dest] = c.path.Eval(doc)
	}
	return result, nil
}
