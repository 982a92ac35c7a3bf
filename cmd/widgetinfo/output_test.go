package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMessageData(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    map[string]any
		wantErr bool
	}{
		{"empty", "", map[string]any{}, false},
		{"object", `{"identifier": "firefox"}`, map[string]any{"identifier": "firefox"}, false},
		{"comments", "{\n  // which app\n  \"identifier\": \"firefox\",\n}", map[string]any{"identifier": "firefox"}, false},
		{"array", `[1, 2]`, nil, true},
		{"garbage", `{not json`, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseMessageData(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, map[string]any(got))
		})
	}
}
