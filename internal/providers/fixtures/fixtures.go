// Package fixtures serves namespaces from JSONC files. It stands in for
// collectors that are not implemented natively (weather, location, media,
// communications) and lets widgets be developed against fixed data.
package fixtures

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/tidwall/jsonc"

	"github.com/jmylchreest/widgetinfo/internal/protocol"
	"github.com/jmylchreest/widgetinfo/internal/provider"
)

// Message functions.
const (
	FunctionSetDynamic   = "setDynamic"
	FunctionMergeDynamic = "mergeDynamic"
)

// File is the fixture file format:
//
//	{
//	  // comments and trailing commas are allowed
//	  "namespace": "weather",
//	  "static":  {"units": "metric"},
//	  "dynamic": {"temp": 20},
//	}
type File struct {
	Namespace provider.Namespace `json:"namespace"`
	Static    map[string]any     `json:"static"`
	Dynamic   map[string]any     `json:"dynamic"`
}

// Parse strips JSONC comments and trailing commas from data, then
// unmarshals the result.
func Parse(data []byte) (*File, error) {
	stripped := jsonc.ToJSON(data)

	var f File
	if err := json.Unmarshal(stripped, &f); err != nil {
		return nil, fmt.Errorf("parsing fixture: %w", err)
	}
	if !f.Namespace.Valid() {
		return nil, fmt.Errorf("fixture namespace %q is not valid", f.Namespace)
	}
	return &f, nil
}

// ReadFile reads and parses a fixture file.
func ReadFile(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	f, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Provider serves one fixture namespace.
type Provider struct {
	*provider.Base

	file *File
}

// New creates a provider serving f.
func New(f *File, logger *slog.Logger) *Provider {
	return &Provider{
		Base: provider.NewBase(f.Namespace, logger),
		file: f,
	}
}

// Load reads every path and returns one provider per file. Files that fail
// to parse are skipped and reported in the returned error.
func Load(paths []string, logger *slog.Logger) ([]*Provider, error) {
	var out []*Provider
	var errs []error
	for _, path := range paths {
		f, err := ReadFile(path)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, New(f, logger))
	}
	if len(errs) > 0 {
		return out, fmt.Errorf("failed to load %d fixture(s): %w", len(errs), errors.Join(errs...))
	}
	return out, nil
}

// Initialise publishes the fixture data.
func (p *Provider) Initialise(_ context.Context, pub provider.Publisher) error {
	p.Attach(pub)
	if err := p.SetStatic(normalise(p.file.Static)); err != nil {
		return err
	}
	return p.SetDynamic(normalise(p.file.Dynamic))
}

// HandleMessage supports setDynamic, which replaces the dynamic snapshot
// with the message data, and mergeDynamic, which overlays it. Both reply
// with the resulting snapshot.
func (p *Provider) HandleMessage(ctx context.Context, msg provider.Message, reply *provider.Reply) {
	var err error
	switch msg.Function {
	case FunctionSetDynamic:
		err = p.SetDynamic(msg.Data)
	case FunctionMergeDynamic:
		err = p.UpdateDynamic(func(d provider.Properties) {
			for k, v := range msg.Data {
				d[k] = v
			}
		})
	default:
		p.Base.HandleMessage(ctx, msg, reply)
		return
	}

	if err != nil {
		reply.Fail(protocol.NewError(protocol.CodeMalformedPayload, p.Namespace(), err))
		return
	}
	reply.Send(p.CurrentData().Dynamic)
}

// normalise turns JSON numbers that are whole into int64 so fixtures and
// natively collected data look alike on the wire.
func normalise(m map[string]any) provider.Properties {
	if m == nil {
		return provider.Properties{}
	}
	out := make(provider.Properties, len(m))
	for k, v := range m {
		out[k] = normaliseValue(v)
	}
	return out
}

func normaliseValue(v any) any {
	switch val := v.(type) {
	case float64:
		if val == float64(int64(val)) {
			return int64(val)
		}
		return val
	case map[string]any:
		return map[string]any(normalise(val))
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = normaliseValue(item)
		}
		return out
	default:
		return v
	}
}
