package tui

import (
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/widgetinfo/internal/protocol"
	"github.com/jmylchreest/widgetinfo/internal/provider"
)

func update(t *testing.T, m Model, msg tea.Msg) Model {
	t.Helper()
	next, _ := m.Update(msg)
	out, ok := next.(Model)
	require.True(t, ok)
	return out
}

func runes(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func weatherData() provider.Data {
	return provider.Data{
		Static:  provider.Properties{"units": "metric"},
		Dynamic: provider.Properties{"temp": int64(20)},
	}
}

func TestModelInitializing(t *testing.T) {
	m := New(nil, []provider.Namespace{provider.Weather})
	assert.Equal(t, "Initializing...", m.View())
}

func TestModelListAndDetail(t *testing.T) {
	m := New(nil, []provider.Namespace{provider.Weather, provider.Media})
	m = update(t, m, tea.WindowSizeMsg{Width: 80, Height: 24})

	view := m.View()
	assert.Contains(t, view, "weather")
	assert.Contains(t, view, "waiting for data")

	m = update(t, m, dataMsg{ns: provider.Weather, data: weatherData()})
	assert.Contains(t, m.View(), "1 static, 1 dynamic")

	// Enter on the first item opens its properties.
	m = update(t, m, tea.KeyMsg{Type: tea.KeyEnter})
	require.Equal(t, ModeDetail, m.mode)
	assert.Equal(t, provider.Weather, m.selected)
	assert.Contains(t, m.View(), `"temp": 20`)

	m = update(t, m, runes("y"))
	assert.True(t, m.asYAML)
	assert.Contains(t, m.View(), "temp: 20")

	// Updates to the open namespace re-render it.
	m = update(t, m, dataMsg{ns: provider.Weather, data: provider.Data{
		Static:  provider.Properties{"units": "metric"},
		Dynamic: provider.Properties{"temp": int64(25)},
	}})
	assert.Contains(t, m.View(), "temp: 25")

	m = update(t, m, tea.KeyMsg{Type: tea.KeyEsc})
	assert.Equal(t, ModeList, m.mode)
	assert.Equal(t, provider.Namespace(""), m.selected)
}

func TestModelIgnoresUnknownNamespace(t *testing.T) {
	m := New(nil, []provider.Namespace{provider.Weather})
	m = update(t, m, dataMsg{ns: provider.Media, data: weatherData()})

	_, ok := m.entries[provider.Media]
	assert.False(t, ok)
	assert.False(t, m.entries[provider.Weather].hasData)
}

func TestModelRefreshErrors(t *testing.T) {
	m := New(nil, []provider.Namespace{provider.Weather})
	m = update(t, m, tea.WindowSizeMsg{Width: 80, Height: 24})

	notFound := protocol.Errorf(protocol.CodeNamespaceNotFound, provider.Weather, "no provider")

	next, cmd := m.Update(refreshResultMsg{ns: provider.Weather, err: notFound, quiet: true})
	m = next.(Model)
	assert.Nil(t, cmd)
	assert.Contains(t, m.View(), "no provider registered")

	_, cmd = m.Update(refreshResultMsg{ns: provider.Weather, err: notFound})
	require.NotNil(t, cmd)
	status, ok := cmd().(statusMsg)
	require.True(t, ok)
	assert.True(t, status.isErr)
	assert.Contains(t, status.text, "weather")
}

func TestModelEventAndStatus(t *testing.T) {
	m := New(nil, []provider.Namespace{provider.Weather})
	m = update(t, m, tea.WindowSizeMsg{Width: 120, Height: 24})

	m = update(t, m, eventMsg{ev: provider.EventDeviceWake})
	assert.Contains(t, m.View(), "last event: device_wake")

	m = update(t, m, statusMsg{text: "Copied to clipboard"})
	assert.Contains(t, m.View(), "Copied to clipboard")

	m = update(t, m, clearStatusMsg{})
	assert.NotContains(t, m.View(), "Copied to clipboard")
}

func TestModelCopyWithoutData(t *testing.T) {
	m := New(nil, []provider.Namespace{provider.Weather})
	m = update(t, m, tea.WindowSizeMsg{Width: 80, Height: 24})

	_, cmd := m.Update(runes("c"))
	require.NotNil(t, cmd)
	status, ok := cmd().(statusMsg)
	require.True(t, ok)
	assert.Equal(t, "No data to copy", status.text)
}

func TestModelHelpToggle(t *testing.T) {
	m := New(nil, []provider.Namespace{provider.Weather})
	m = update(t, m, tea.WindowSizeMsg{Width: 80, Height: 24})

	m = update(t, m, runes("?"))
	assert.Equal(t, ModeHelp, m.mode)
	assert.Contains(t, m.View(), "Press ? or esc to return")

	m = update(t, m, tea.KeyMsg{Type: tea.KeyEsc})
	assert.Equal(t, ModeList, m.mode)
}

func TestNamespaceItemDescription(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name  string
		entry entry
		want  string
	}{
		{"waiting", entry{}, "waiting for data"},
		{"lost", entry{err: protocol.Errorf(protocol.CodeConnectionLost, "", "gone")}, "daemon unreachable"},
		{"data", entry{data: weatherData(), hasData: true, updatedAt: now.Add(-3 * time.Second)}, "updated 3 seconds ago"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			item := namespaceItem{ns: provider.Weather, entry: tt.entry, now: now}
			assert.Contains(t, item.Description(), tt.want)
		})
	}
}

func TestFormatData(t *testing.T) {
	out, err := formatData(weatherData(), false)
	require.NoError(t, err)
	assert.Contains(t, out, `"units": "metric"`)

	out, err = formatData(weatherData(), true)
	require.NoError(t, err)
	assert.Contains(t, out, "units: metric")
}
