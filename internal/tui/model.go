// Package tui provides the BubbleTea-based live view of provider data.
package tui

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/jmylchreest/widgetinfo/internal/protocol"
	"github.com/jmylchreest/widgetinfo/internal/provider"
	"github.com/jmylchreest/widgetinfo/internal/proxy"
)

// Mode represents the current UI mode.
type Mode int

const (
	ModeList Mode = iota
	ModeDetail
	ModeHelp
)

const tickInterval = time.Second

// Model is the watch view.
type Model struct {
	manager   *proxy.Manager
	clipboard string

	mode Mode

	list     list.Model
	viewport viewport.Model
	help     help.Model
	keys     KeyMap

	namespaces []provider.Namespace
	entries    map[provider.Namespace]*entry
	selected   provider.Namespace
	asYAML     bool
	lastEvent  string
	width      int
	height     int
	ready      bool

	statusMsg string
	statusErr bool

	// updates carries observer callbacks into the program.
	updates chan tea.Msg
}

// entry is what the view knows about one namespace.
type entry struct {
	data      provider.Data
	hasData   bool
	updatedAt time.Time
	err       error
}

// namespaceItem wraps a namespace for the list component.
type namespaceItem struct {
	ns    provider.Namespace
	entry entry
	now   time.Time
}

func (i namespaceItem) Title() string {
	return i.ns.String()
}

func (i namespaceItem) Description() string {
	switch {
	case i.entry.err != nil && !i.entry.hasData:
		return describeError(i.entry.err)
	case !i.entry.hasData:
		return "waiting for data"
	default:
		return fmt.Sprintf("%d static, %d dynamic - updated %s",
			len(i.entry.data.Static),
			len(i.entry.data.Dynamic),
			humanize.RelTime(i.entry.updatedAt, i.now, "ago", "from now"))
	}
}

func (i namespaceItem) FilterValue() string {
	return i.ns.String()
}

// namespaceDelegate dims namespaces that have no data.
type namespaceDelegate struct {
	list.DefaultDelegate
}

func newNamespaceDelegate() namespaceDelegate {
	return namespaceDelegate{DefaultDelegate: list.NewDefaultDelegate()}
}

func (d namespaceDelegate) Render(w io.Writer, m list.Model, index int, item list.Item) {
	ni, ok := item.(namespaceItem)
	if !ok || ni.entry.hasData {
		d.DefaultDelegate.Render(w, m, index, item)
		return
	}

	titleStyle := d.DefaultDelegate.Styles.NormalTitle.Foreground(lipgloss.Color("8"))
	descStyle := d.DefaultDelegate.Styles.NormalDesc.Foreground(lipgloss.Color("8"))
	if index == m.Index() {
		titleStyle = d.DefaultDelegate.Styles.SelectedTitle.Foreground(lipgloss.Color("8"))
		descStyle = d.DefaultDelegate.Styles.SelectedDesc.Foreground(lipgloss.Color("8"))
	}

	fmt.Fprint(w, titleStyle.Render(ni.Title()))
	fmt.Fprint(w, "\n")
	fmt.Fprint(w, descStyle.Render(ni.Description()))
}

func describeError(err error) string {
	switch {
	case errors.Is(err, protocol.ErrNamespaceNotFound):
		return "no provider registered"
	case errors.Is(err, protocol.ErrConnectionLost):
		return "daemon unreachable"
	default:
		return err.Error()
	}
}

// New creates a watch view over namespaces. manager may be nil, in which
// case data only arrives through Update.
func New(manager *proxy.Manager, namespaces []provider.Namespace) Model {
	l := list.New(nil, newNamespaceDelegate(), 0, 0)
	l.Title = "Widget Info"
	l.SetShowStatusBar(false)
	l.SetShowHelp(false)
	l.SetFilteringEnabled(false)
	l.DisableQuitKeybindings()

	m := Model{
		manager:    manager,
		mode:       ModeList,
		list:       l,
		help:       help.New(),
		keys:       DefaultKeyMap(),
		namespaces: namespaces,
		entries:    make(map[provider.Namespace]*entry, len(namespaces)),
		updates:    make(chan tea.Msg, 64),
	}
	for _, ns := range namespaces {
		m.entries[ns] = &entry{}
	}
	m.list.SetItems(m.buildListItems(time.Now()))
	return m
}

// SetClipboardCommand overrides clipboard detection.
func (m *Model) SetClipboardCommand(command string) {
	m.clipboard = command
}

// Init subscribes to every proxy and starts the clock.
func (m Model) Init() tea.Cmd {
	m.subscribe()
	cmds := []tea.Cmd{m.waitForUpdate, tick()}
	for _, ns := range m.namespaces {
		cmds = append(cmds, m.probe(ns))
	}
	return tea.Batch(cmds...)
}

type dataMsg struct {
	ns   provider.Namespace
	data provider.Data
}

type eventMsg struct {
	ev provider.Event
}

type refreshResultMsg struct {
	ns  provider.Namespace
	err error
	// quiet results update the list without a status message.
	quiet bool
}

type tickMsg time.Time

type statusMsg struct {
	text  string
	isErr bool
}

type clearStatusMsg struct{}

type copyResultMsg struct {
	err error
}

func tick() tea.Cmd {
	return tea.Tick(tickInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// subscribe forwards proxy callbacks to the updates channel. A full channel
// drops the message; the next tick re-reads the caches.
func (m Model) subscribe() {
	if m.manager == nil {
		return
	}
	send := func(msg tea.Msg) {
		select {
		case m.updates <- msg:
		default:
		}
	}
	m.manager.OnEvent(func(ev provider.Event) {
		send(eventMsg{ev: ev})
	})
	for _, ns := range m.namespaces {
		p := m.manager.Proxy(ns)
		p.Observe(func(data provider.Data) {
			send(dataMsg{ns: ns, data: data})
		})
	}
}

// waitForUpdate blocks until an observer fires.
func (m Model) waitForUpdate() tea.Msg {
	return <-m.updates
}

func (m Model) refresh(ns provider.Namespace) tea.Cmd {
	if m.manager == nil {
		return nil
	}
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return refreshResultMsg{ns: ns, err: m.manager.Proxy(ns).Refresh(ctx)}
	}
}

// probe is a refresh whose failure only shows in the list.
func (m Model) probe(ns provider.Namespace) tea.Cmd {
	refresh := m.refresh(ns)
	if refresh == nil {
		return nil
	}
	return func() tea.Msg {
		res := refresh().(refreshResultMsg)
		res.quiet = true
		return res
	}
}

// syncFromCache copies every proxy cache into the view.
func (m *Model) syncFromCache() {
	if m.manager == nil {
		return
	}
	for _, ns := range m.namespaces {
		p := m.manager.Proxy(ns)
		data, ok := p.CachedData()
		if !ok {
			continue
		}
		e := m.entries[ns]
		e.data = data
		e.hasData = true
		e.updatedAt = p.UpdatedAt()
	}
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.ready = true
		m.list.SetSize(msg.Width, msg.Height-2)
		m.viewport = viewport.New(msg.Width, msg.Height-4)
		m.viewport.YPosition = 2
		m.help.Width = msg.Width
		m.renderSelected()
		return m, nil

	case dataMsg:
		if e, ok := m.entries[msg.ns]; ok {
			e.data = msg.data
			e.hasData = true
			e.err = nil
			e.updatedAt = time.Now()
		}
		m.list.SetItems(m.buildListItems(time.Now()))
		if m.mode == ModeDetail && m.selected == msg.ns {
			m.renderSelected()
		}
		return m, m.waitForUpdate

	case eventMsg:
		m.lastEvent = msg.ev.String()
		return m, m.waitForUpdate

	case refreshResultMsg:
		if e, ok := m.entries[msg.ns]; ok {
			e.err = msg.err
		}
		m.syncFromCache()
		m.list.SetItems(m.buildListItems(time.Now()))
		if msg.err != nil && !msg.quiet {
			return m, func() tea.Msg {
				return statusMsg{text: fmt.Sprintf("%s: %s", msg.ns, describeError(msg.err)), isErr: true}
			}
		}
		return m, nil

	case tickMsg:
		m.syncFromCache()
		m.list.SetItems(m.buildListItems(time.Time(msg)))
		return m, tick()

	case statusMsg:
		m.statusMsg = msg.text
		m.statusErr = msg.isErr
		return m, tea.Tick(3*time.Second, func(time.Time) tea.Msg {
			return clearStatusMsg{}
		})

	case clearStatusMsg:
		m.statusMsg = ""
		m.statusErr = false
		return m, nil

	case copyResultMsg:
		if msg.err != nil {
			return m, func() tea.Msg {
				return statusMsg{text: "Copy failed: " + msg.err.Error(), isErr: true}
			}
		}
		return m, func() tea.Msg {
			return statusMsg{text: "Copied to clipboard"}
		}
	}

	var cmd tea.Cmd
	switch m.mode {
	case ModeList:
		m.list, cmd = m.list.Update(msg)
	case ModeDetail:
		m.viewport, cmd = m.viewport.Update(msg)
	}
	return m, cmd
}

// handleKey handles key presses.
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit
	case key.Matches(msg, m.keys.Help):
		if m.mode == ModeHelp {
			m.mode = ModeList
		} else {
			m.mode = ModeHelp
		}
		return m, nil
	}

	switch m.mode {
	case ModeList:
		return m.handleListKey(msg)
	case ModeDetail:
		return m.handleDetailKey(msg)
	case ModeHelp:
		if key.Matches(msg, m.keys.Back) {
			m.mode = ModeList
		}
	}
	return m, nil
}

func (m Model) handleListKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	item, ok := m.list.SelectedItem().(namespaceItem)

	switch {
	case key.Matches(msg, m.keys.Enter):
		if ok {
			m.selected = item.ns
			m.mode = ModeDetail
			m.renderSelected()
			m.viewport.GotoTop()
		}
		return m, nil

	case key.Matches(msg, m.keys.Refresh):
		if ok {
			return m, m.refresh(item.ns)
		}
		return m, nil

	case key.Matches(msg, m.keys.CopyJSON), key.Matches(msg, m.keys.CopyYAML):
		if ok {
			return m, m.copyData(item.ns, key.Matches(msg, m.keys.CopyYAML))
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

func (m Model) handleDetailKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Back):
		m.mode = ModeList
		m.selected = ""
		return m, nil

	case key.Matches(msg, m.keys.ToggleYAML):
		m.asYAML = !m.asYAML
		m.renderSelected()
		return m, nil

	case key.Matches(msg, m.keys.Refresh):
		return m, m.refresh(m.selected)

	case key.Matches(msg, m.keys.CopyJSON), key.Matches(msg, m.keys.CopyYAML):
		return m, m.copyData(m.selected, key.Matches(msg, m.keys.CopyYAML))
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m Model) copyData(ns provider.Namespace, asYAML bool) tea.Cmd {
	e, ok := m.entries[ns]
	if !ok || !e.hasData {
		return func() tea.Msg {
			return statusMsg{text: "No data to copy", isErr: true}
		}
	}
	text, err := formatData(e.data, asYAML)
	command := m.clipboard
	return func() tea.Msg {
		if err != nil {
			return copyResultMsg{err: err}
		}
		return copyResultMsg{err: copyText(text, command)}
	}
}

// buildListItems creates list items for every namespace, in the order given
// to New.
func (m Model) buildListItems(now time.Time) []list.Item {
	items := make([]list.Item, len(m.namespaces))
	for i, ns := range m.namespaces {
		items[i] = namespaceItem{ns: ns, entry: *m.entries[ns], now: now}
	}
	return items
}

func (m *Model) renderSelected() {
	if m.selected == "" {
		return
	}
	m.viewport.SetContent(m.renderDetail(m.selected))
}

// renderDetail renders the properties of ns.
func (m Model) renderDetail(ns provider.Namespace) string {
	headerStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("12"))
	labelStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("8"))

	e := m.entries[ns]
	s := headerStyle.Render(ns.String()) + "\n\n"
	if e == nil || !e.hasData {
		s += labelStyle.Render("No data received yet.") + "\n"
		if e != nil && e.err != nil {
			s += labelStyle.Render("Error: ") + describeError(e.err) + "\n"
		}
		return s
	}

	s += labelStyle.Render("Updated: ") + humanize.Time(e.updatedAt) + "\n\n"
	text, err := formatData(e.data, m.asYAML)
	if err != nil {
		return s + labelStyle.Render("Error: ") + err.Error() + "\n"
	}
	return s + text
}

// formatData renders data as indented JSON or YAML.
func formatData(data provider.Data, asYAML bool) (string, error) {
	if asYAML {
		out, err := yaml.Marshal(data.ToMap())
		if err != nil {
			return "", fmt.Errorf("failed to marshal YAML: %w", err)
		}
		return string(out), nil
	}
	out, err := json.MarshalIndent(data.ToMap(), "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return string(out) + "\n", nil
}

// View renders the TUI.
func (m Model) View() string {
	if !m.ready {
		return "Initializing..."
	}

	switch m.mode {
	case ModeList:
		return m.list.View() + "\n" + m.statusBar()
	case ModeDetail:
		header := lipgloss.NewStyle().Bold(true).Padding(0, 1).Render("Properties")
		return header + "\n" + m.viewport.View() + "\n" + m.statusBar()
	case ModeHelp:
		return m.help.FullHelpView(m.keys.FullHelp()) + "\n\n" +
			lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Render("Press ? or esc to return")
	default:
		return ""
	}
}

func (m Model) statusBar() string {
	if m.statusMsg != "" {
		style := lipgloss.NewStyle().Foreground(lipgloss.Color("7"))
		if m.statusErr {
			style = style.Foreground(lipgloss.Color("9"))
		}
		return style.Render(m.statusMsg)
	}

	bar := m.help.ShortHelpView(m.keys.ShortHelp())
	if m.lastEvent != "" {
		bar += lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Render("  last event: " + m.lastEvent)
	}
	return bar
}

// RunOptions configures the watch view.
type RunOptions struct {
	Manager    *proxy.Manager
	Namespaces []provider.Namespace
	Clipboard  string
}

// Run starts the watch view and blocks until the user quits.
func Run(opts RunOptions) error {
	if opts.Manager == nil {
		return errors.New("no proxy manager")
	}
	namespaces := opts.Namespaces
	if len(namespaces) == 0 {
		namespaces = provider.WellKnown
	}

	m := New(opts.Manager, namespaces)
	m.SetClipboardCommand(opts.Clipboard)

	_, err := tea.NewProgram(m, tea.WithAltScreen()).Run()
	return err
}
