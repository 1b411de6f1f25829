package cursor

import (
	"encoding/json"
	"fmt"

	"github.com/syncrouter/syncrouter/internal/value"
)

// DefaultPollingIntervalMs is the re-fetch cadence for polling-mode cursors
// when the description does not set one.
const DefaultPollingIntervalMs uint64 = 10_000

// Description is what a cursor watches: a collection, a selector, and the
// query options. Two descriptions that are structurally equal share one
// cursor process-wide.
type Description struct {
	Collection        string
	Selector          *value.Document
	DisableOplog      bool
	Limit             *int64
	PollingIntervalMs uint64
	Projection        *value.Document
	Skip              *uint64
	Sort              *value.Document
}

// ParseDescription decodes the wire form:
//
//	{"collectionName": ..., "selector": {...}, "options": {...}}
//
// Unknown keys anywhere are rejected.
func ParseDescription(v value.Value) (*Description, error) {
	doc, ok := v.(*value.Document)
	if !ok {
		return nil, fmt.Errorf("cursor description must be an object, got %T", v)
	}

	d := &Description{PollingIntervalMs: DefaultPollingIntervalMs}
	var parseErr error
	doc.Range(func(key string, field value.Value) bool {
		switch key {
		case "collectionName":
			name, ok := field.(string)
			if !ok {
				parseErr = fmt.Errorf("collectionName must be a string")
				return false
			}
			d.Collection = name
		case "selector":
			selector, ok := field.(*value.Document)
			if !ok {
				parseErr = fmt.Errorf("selector must be an object")
				return false
			}
			d.Selector = selector
		case "options":
			options, ok := field.(*value.Document)
			if !ok {
				parseErr = fmt.Errorf("options must be an object")
				return false
			}
			parseErr = d.parseOptions(options)
		default:
			parseErr = fmt.Errorf("unknown cursor description key %q", key)
		}
		return parseErr == nil
	})
	if parseErr != nil {
		return nil, parseErr
	}
	if d.Collection == "" {
		return nil, fmt.Errorf("missing collectionName")
	}
	if d.Selector == nil {
		return nil, fmt.Errorf("missing selector")
	}
	return d, nil
}

func (d *Description) parseOptions(options *value.Document) error {
	var parseErr error
	options.Range(func(key string, field value.Value) bool {
		switch key {
		case "disableOplog":
			b, ok := field.(bool)
			if !ok {
				parseErr = fmt.Errorf("disableOplog must be a boolean")
				return false
			}
			d.DisableOplog = b
		case "limit":
			n, ok := value.AsInt(field)
			if !ok {
				parseErr = fmt.Errorf("invalid limit %v", field)
				return false
			}
			d.Limit = &n
		case "pollingIntervalMs":
			n, ok := value.AsInt(field)
			if !ok || n < 0 {
				parseErr = fmt.Errorf("invalid pollingIntervalMs %v", field)
				return false
			}
			d.PollingIntervalMs = uint64(n)
		case "projection":
			projection, ok := field.(*value.Document)
			if !ok {
				parseErr = fmt.Errorf("projection must be an object")
				return false
			}
			d.Projection = projection
		case "skip":
			n, ok := value.AsInt(field)
			if !ok || n < 0 {
				parseErr = fmt.Errorf("invalid skip %v", field)
				return false
			}
			skip := uint64(n)
			d.Skip = &skip
		case "sort":
			sort, ok := field.(*value.Document)
			if !ok {
				parseErr = fmt.Errorf("sort must be an object")
				return false
			}
			d.Sort = sort
		case "transform":
			if field != nil {
				parseErr = fmt.Errorf("transform is not supported")
				return false
			}
		default:
			parseErr = fmt.Errorf("unknown cursor option %q", key)
		}
		return parseErr == nil
	})
	return parseErr
}

// ParseDescriptions decodes the payload of a rewritten subscription's result:
// either a JSON array of descriptions, or a JSON string that itself encodes
// such an array.
func ParseDescriptions(result json.RawMessage) ([]*Description, error) {
	if len(result) == 0 {
		return nil, fmt.Errorf("missing result payload")
	}

	decoded, err := value.DecodeJSON(result)
	if err != nil {
		return nil, fmt.Errorf("malformed result payload: %w", err)
	}

	if text, ok := decoded.(string); ok {
		decoded, err = value.DecodeJSON([]byte(text))
		if err != nil {
			return nil, fmt.Errorf("malformed string-encoded result payload: %w", err)
		}
	}

	arr, ok := decoded.(value.Array)
	if !ok {
		return nil, fmt.Errorf("result payload is not an array of cursor descriptions")
	}

	descriptions := make([]*Description, 0, len(arr))
	for _, el := range arr {
		d, err := ParseDescription(el)
		if err != nil {
			return nil, err
		}
		descriptions = append(descriptions, d)
	}
	return descriptions, nil
}

// Equal reports structural equality of two descriptions.
func (d *Description) Equal(other *Description) bool {
	if d.Collection != other.Collection ||
		d.DisableOplog != other.DisableOplog ||
		d.PollingIntervalMs != other.PollingIntervalMs {
		return false
	}
	if (d.Limit == nil) != (other.Limit == nil) || (d.Limit != nil && *d.Limit != *other.Limit) {
		return false
	}
	if (d.Skip == nil) != (other.Skip == nil) || (d.Skip != nil && *d.Skip != *other.Skip) {
		return false
	}
	return value.Equal(d.Selector, other.Selector) &&
		optionalEqual(d.Projection, other.Projection) &&
		optionalEqual(d.Sort, other.Sort)
}

func optionalEqual(a, b *value.Document) bool {
	if (a == nil) != (b == nil) {
		return false
	}
	return a == nil || value.Equal(a, b)
}

// limitLen returns the window size as a slice length, or -1 when unbounded.
func (d *Description) limitLen() int {
	if d.Limit == nil {
		return -1
	}
	n := *d.Limit
	if n < 0 {
		n = -n
	}
	return int(n)
}
