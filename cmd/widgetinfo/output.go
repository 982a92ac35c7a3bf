package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tidwall/jsonc"

	"github.com/jmylchreest/widgetinfo/internal/output"
	"github.com/jmylchreest/widgetinfo/internal/provider"
)

// writeOutput renders v to stdout using the --output, --field and
// --template flags.
func writeOutput(v any) error {
	format, err := output.ParseFormat(globalOpts.output)
	if err != nil {
		return err
	}
	f := output.NewFormatter(format, output.FormatterOptions{
		Template: globalOpts.template,
		Field:    globalOpts.field,
	})
	return f.Format(os.Stdout, v)
}

// parseMessageData parses a --data argument. Comments and trailing commas
// are accepted.
func parseMessageData(raw string) (provider.Properties, error) {
	if raw == "" {
		return provider.Properties{}, nil
	}
	var data map[string]any
	if err := json.Unmarshal(jsonc.ToJSON([]byte(raw)), &data); err != nil {
		return nil, fmt.Errorf("invalid --data: %w", err)
	}
	props := provider.Properties(data)
	if err := props.Validate(); err != nil {
		return nil, fmt.Errorf("invalid --data: %w", err)
	}
	return props, nil
}
