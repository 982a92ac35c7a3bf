package output

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"text/template"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/jmylchreest/widgetinfo/internal/provider"
)

// PlainFormatter writes one "path=value" line per leaf, sorted by path, or
// executes a custom template against the value.
type PlainFormatter struct {
	opts     FormatterOptions
	template *template.Template
	err      error
}

// NewPlainFormatter creates a new plain text formatter. A template that
// fails to parse is reported by Format.
func NewPlainFormatter(opts FormatterOptions) *PlainFormatter {
	f := &PlainFormatter{opts: opts}
	if opts.Template != "" {
		f.template, f.err = template.New("plain").Funcs(templateFuncs()).Parse(opts.Template)
	}
	return f
}

// Format writes v as plain text.
func (f *PlainFormatter) Format(w io.Writer, v any) error {
	if f.err != nil {
		return fmt.Errorf("invalid template: %w", f.err)
	}
	if f.template != nil {
		if err := f.template.Execute(w, normalise(v)); err != nil {
			return err
		}
		_, err := io.WriteString(w, "\n")
		return err
	}

	lines := make(map[string]string)
	flatten("", v, lines)
	if len(lines) == 1 {
		// A bare scalar prints without its path.
		if s, ok := lines[""]; ok {
			_, err := fmt.Fprintln(w, s)
			return err
		}
	}

	keys := make([]string, 0, len(lines))
	for k := range lines {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteString("=")
		sb.WriteString(lines[k])
		sb.WriteString("\n")
	}
	_, err := io.WriteString(w, sb.String())
	return err
}

// flatten collects the leaves of v under dotted paths.
func flatten(prefix string, v any, out map[string]string) {
	join := func(k string) string {
		if prefix == "" {
			return k
		}
		return prefix + "." + k
	}

	if m, ok := asMap(v); ok {
		if len(m) == 0 {
			out[prefix] = "{}"
			return
		}
		for k, child := range m {
			flatten(join(k), child, out)
		}
		return
	}

	switch val := v.(type) {
	case []any:
		if len(val) == 0 {
			out[prefix] = "[]"
			return
		}
		for i, child := range val {
			flatten(join(fmt.Sprint(i)), child, out)
		}
	case []string:
		out[prefix] = strings.Join(val, ",")
	case []byte:
		out[prefix] = fmt.Sprintf("<%s>", humanize.Bytes(uint64(len(val))))
	case nil:
		out[prefix] = ""
	default:
		out[prefix] = fmt.Sprint(val)
	}
}

// asMap accepts plain maps and provider snapshots.
func asMap(v any) (map[string]any, bool) {
	switch val := v.(type) {
	case map[string]any:
		return val, true
	case provider.Properties:
		return map[string]any(val), true
	case provider.Data:
		return val.ToMap(), true
	default:
		return nil, false
	}
}

// normalise turns provider snapshots into plain maps so templates can index
// them.
func normalise(v any) any {
	if m, ok := asMap(v); ok {
		out := make(map[string]any, len(m))
		for k, child := range m {
			out[k] = normalise(child)
		}
		return out
	}
	return v
}

// templateFuncs returns custom template functions.
func templateFuncs() template.FuncMap {
	return template.FuncMap{
		"truncate": func(s string, maxLen int) string {
			if maxLen <= 0 || len(s) <= maxLen {
				return s
			}
			if maxLen <= 3 {
				return s[:maxLen]
			}
			return s[:maxLen-3] + "..."
		},
		"bytes": func(v any) string {
			n, ok := toFloat(v)
			if !ok {
				return fmt.Sprint(v)
			}
			return humanize.IBytes(uint64(n))
		},
		"megabytes": func(v any) string {
			n, ok := toFloat(v)
			if !ok {
				return fmt.Sprint(v)
			}
			return humanize.IBytes(uint64(n * 1024 * 1024))
		},
		"comma": func(v any) string {
			n, ok := toFloat(v)
			if !ok {
				return fmt.Sprint(v)
			}
			return humanize.Commaf(n)
		},
		"reltime": func(v any) string {
			n, ok := toFloat(v)
			if !ok || n == 0 {
				return "unknown"
			}
			return humanize.Time(time.Unix(int64(n), 0))
		},
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	default:
		return 0, false
	}
}
