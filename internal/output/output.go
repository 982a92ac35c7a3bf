// Package output provides output formatters for provider data.
package output

import (
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Formatter writes a value to w.
type Formatter interface {
	Format(w io.Writer, v any) error
}

// FormatType represents an output format type.
type FormatType string

const (
	FormatJSON  FormatType = "json"
	FormatYAML  FormatType = "yaml"
	FormatPlain FormatType = "plain"
)

// FormatterOptions configures formatter behavior.
type FormatterOptions struct {
	Template string // Custom template for plain format
	Field    string // Dotted path of the single value to print
}

// ParseFormat validates a format name.
func ParseFormat(s string) (FormatType, error) {
	switch FormatType(strings.ToLower(s)) {
	case FormatJSON:
		return FormatJSON, nil
	case FormatYAML:
		return FormatYAML, nil
	case FormatPlain:
		return FormatPlain, nil
	default:
		return "", fmt.Errorf("invalid output format %q, must be one of: json, yaml, plain", s)
	}
}

// NewFormatter creates a formatter for the specified format type. A Field
// option narrows the value before it is formatted.
func NewFormatter(format FormatType, opts FormatterOptions) Formatter {
	var f Formatter
	switch format {
	case FormatYAML:
		f = NewYAMLFormatter()
	case FormatPlain:
		f = NewPlainFormatter(opts)
	default:
		f = NewJSONFormatter()
	}
	if opts.Field != "" {
		return &fieldFormatter{path: opts.Field, next: f}
	}
	return f
}

// fieldFormatter formats one value picked by Lookup.
type fieldFormatter struct {
	path string
	next Formatter
}

func (f *fieldFormatter) Format(w io.Writer, v any) error {
	field, ok := Lookup(v, f.path)
	if !ok {
		return fmt.Errorf("field %q not found", f.path)
	}
	return f.next.Format(w, field)
}

// Lookup walks a dotted path such as "dynamic.memory.used" through nested
// maps. Slice elements are addressed by index.
func Lookup(v any, path string) (any, bool) {
	if path == "" {
		return v, true
	}
	cur := v
	for _, part := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[part]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			i, err := strconv.Atoi(part)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			if m, ok := asMap(cur); ok {
				next, found := m[part]
				if !found {
					return nil, false
				}
				cur = next
				continue
			}
			return nil, false
		}
	}
	return cur, true
}
