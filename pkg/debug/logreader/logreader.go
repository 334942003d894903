// Package logreader is a terminal browser for recstore log files. It reads
// the log without opening it for writing, so it is safe to point at the log
// of a stopped engine.
package logreader

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"recstore/pkg/debug/ui"
	"recstore/pkg/log/record"
	"recstore/pkg/log/wal"
	"recstore/pkg/operation"
	"recstore/pkg/primitives"
	"recstore/pkg/storage/disk"
)

const pageRows = 20

type Model struct {
	fs      disk.FileSystem
	logPath string
	ops     *operation.Registry

	header  wal.Header
	records []*record.LogRecord
	loaded  bool

	// visible indexes into records; it narrows when following one
	// transaction.
	visible []int
	follow  primitives.TransactionID

	cursor     int
	viewport   viewport.Model
	width      int
	height     int
	detailMode bool
	err        error
}

// New returns a model that loads the log at logPath when started. ops names
// the operation kinds found in update records; nil means the built-ins.
func New(fs disk.FileSystem, logPath string, ops *operation.Registry) Model {
	if ops == nil {
		ops = operation.NewRegistry()
	}
	return Model{fs: fs, logPath: logPath, ops: ops, viewport: viewport.New(80, 20)}
}

// Run browses the log at logPath until the user quits.
func Run(fs disk.FileSystem, logPath string, ops *operation.Registry) error {
	p := tea.NewProgram(New(fs, logPath, ops), tea.WithAltScreen())
	final, err := p.Run()
	if err != nil {
		return err
	}
	if m, ok := final.(Model); ok && m.err != nil {
		return m.err
	}
	return nil
}

func (m Model) Init() tea.Cmd {
	return loadRecords(m.fs, m.logPath)
}

type recordsLoadedMsg struct {
	header  wal.Header
	records []*record.LogRecord
	err     error
}

func loadRecords(fs disk.FileSystem, logPath string) tea.Cmd {
	return func() tea.Msg {
		reader, err := wal.NewLogReader(fs, logPath)
		if err != nil {
			return recordsLoadedMsg{err: err}
		}
		defer reader.Close()

		records, err := reader.ReadAll()
		return recordsLoadedMsg{header: reader.Header(), records: records, err: err}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case recordsLoadedMsg:
		// A corrupt record stops the scan; what was read before it is
		// still shown.
		m.err = msg.err
		m.header = msg.header
		m.records = msg.records
		m.loaded = true
		m.refilter()
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.viewport = viewport.New(max(msg.Width-4, 20), max(msg.Height-10, 5))
		if m.detailMode {
			m.viewport.SetContent(m.renderDetailView())
		}
		return m, nil

	case tea.KeyMsg:
		if key.Matches(msg, ui.Keys.Quit) {
			return m, tea.Quit
		}
		if m.detailMode {
			if key.Matches(msg, ui.Keys.Back) {
				m.detailMode = false
				return m, nil
			}
			break
		}
		switch {
		case key.Matches(msg, ui.Keys.Up):
			m.move(-1)
		case key.Matches(msg, ui.Keys.Down):
			m.move(1)
		case key.Matches(msg, ui.Keys.PageUp):
			m.move(-pageRows)
		case key.Matches(msg, ui.Keys.PageDown):
			m.move(pageRows)
		case key.Matches(msg, ui.Keys.Top):
			m.cursor = 0
		case key.Matches(msg, ui.Keys.Bottom):
			m.cursor = max(len(m.visible)-1, 0)
		case key.Matches(msg, ui.Keys.Filter):
			m.toggleFollow()
		case key.Matches(msg, ui.Keys.Select):
			if m.selected() != nil {
				m.detailMode = true
				m.viewport.SetContent(m.renderDetailView())
				m.viewport.GotoTop()
			}
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m *Model) move(n int) {
	m.cursor = min(max(m.cursor+n, 0), max(len(m.visible)-1, 0))
}

func (m *Model) selected() *record.LogRecord {
	if m.cursor < 0 || m.cursor >= len(m.visible) {
		return nil
	}
	return m.records[m.visible[m.cursor]]
}

// toggleFollow narrows the list to the transaction under the cursor, or
// widens it back to the whole log.
func (m *Model) toggleFollow() {
	var keep *record.LogRecord
	if m.follow != primitives.InvalidTransactionID {
		keep = m.selected()
		m.follow = primitives.InvalidTransactionID
	} else if rec := m.selected(); rec != nil && rec.TID != primitives.InvalidTransactionID {
		keep = rec
		m.follow = rec.TID
	} else {
		return
	}
	m.refilter()
	for i, idx := range m.visible {
		if m.records[idx] == keep {
			m.cursor = i
			return
		}
	}
}

func (m *Model) refilter() {
	m.visible = make([]int, 0, len(m.records))
	for i, rec := range m.records {
		if m.follow == primitives.InvalidTransactionID || rec.TID == m.follow {
			m.visible = append(m.visible, i)
		}
	}
	m.move(0)
}

func (m Model) View() string {
	if !m.loaded {
		return "Loading log records...\n"
	}
	if m.err != nil && len(m.records) == 0 {
		return ui.RenderError(m.err)
	}

	var b strings.Builder
	b.WriteString(ui.TitleStyle.Render("recstore write-ahead log") + "\n")

	if m.detailMode {
		b.WriteString(m.viewport.View())
		b.WriteString("\n")
		b.WriteString(ui.HelpStyle.Render("↑/↓: scroll | esc: back | q: quit"))
	} else {
		b.WriteString(m.renderListView())
	}

	b.WriteString("\n" + m.renderStatusBar())
	return b.String()
}

func (m Model) renderListView() string {
	var b strings.Builder

	summary := fmt.Sprintf(" %d records | base %d | checkpoint %d | log %s ",
		len(m.records), m.header.BaseLSN, m.header.CheckpointLSN, m.header.LogID)
	if m.follow != primitives.InvalidTransactionID {
		summary += fmt.Sprintf("| following %s ", m.follow)
	}
	b.WriteString(ui.HeaderStyle.Render(summary) + "\n\n")

	start := max(0, m.cursor-pageRows/2)
	end := min(len(m.visible), start+pageRows)
	for i := start; i < end; i++ {
		line := m.formatRecordLine(m.records[m.visible[i]])
		if i == m.cursor {
			line = ui.SelectedItemStyle.Render("▶ " + line)
		} else {
			line = ui.ItemStyle.Render("  " + line)
		}
		b.WriteString(line + "\n")
	}
	if m.err != nil {
		b.WriteString(lipgloss.NewStyle().Foreground(ui.ErrorColor).Render("scan stopped: "+m.err.Error()) + "\n")
	}

	b.WriteString(ui.HelpStyle.Render("↑/↓: navigate | n/p: page | t: follow transaction | enter: details | q: quit"))
	return b.String()
}

func (m Model) formatRecordLine(rec *record.LogRecord) string {
	fields := []string{
		colorizeRecordType(rec.Type),
		fmt.Sprintf("%8d", rec.LSN),
	}
	if rec.TID != primitives.InvalidTransactionID {
		fields = append(fields, fmt.Sprintf("%-6s", rec.TID))
	}
	switch rec.Type {
	case record.UpdateRecord, record.CLRRecord:
		fields = append(fields, fmt.Sprintf("%-10s %s", m.ops.Name(rec.Op), rec.RecordID))
	case record.CheckpointEnd:
		if cp := rec.Checkpoint; cp != nil {
			fields = append(fields, fmt.Sprintf("txns=%d dirty=%d", len(cp.Transactions), len(cp.DirtyPages)))
		}
	}
	fields = append(fields, lipgloss.NewStyle().Foreground(ui.MutedColor).Render(rec.Timestamp.Format("15:04:05.000")))
	return strings.Join(fields, " │ ")
}

func colorizeRecordType(t record.LogRecordType) string {
	var color lipgloss.AdaptiveColor
	var icon string

	switch t {
	case record.BeginRecord:
		color, icon = ui.SuccessColor, "▶"
	case record.CommitRecord:
		color, icon = ui.SuccessColor, "✓"
	case record.AbortRecord:
		color, icon = ui.ErrorColor, "✗"
	case record.EndRecord:
		color, icon = ui.MutedColor, "■"
	case record.UpdateRecord:
		color, icon = ui.WarningColor, "⟳"
	case record.CLRRecord:
		color, icon = ui.MutedColor, "↶"
	case record.CheckpointBegin:
		color, icon = ui.SecondaryColor, "◆"
	case record.CheckpointEnd:
		color, icon = ui.SecondaryColor, "◇"
	default:
		color, icon = ui.MutedColor, "?"
	}

	return lipgloss.NewStyle().Foreground(color).Render(fmt.Sprintf("%s %-16s", icon, t))
}

func (m Model) renderDetailView() string {
	re := m.selected()
	if re == nil {
		return "No record selected"
	}

	var b strings.Builder
	b.WriteString(ui.LabelStyle.Render("Type: ") + colorizeRecordType(re.Type) + "\n\n")
	b.WriteString(ui.KeyValue("LSN", fmt.Sprintf("%d", re.LSN)))
	b.WriteString(ui.KeyValue("Timestamp", re.Timestamp.Format("2006-01-02 15:04:05.000")))
	if re.TID != primitives.InvalidTransactionID {
		b.WriteString(ui.KeyValue("Transaction", re.TID.String()))
		b.WriteString(ui.KeyValue("Previous LSN", fmt.Sprintf("%d", re.PrevLSN)))
	}

	switch re.Type {
	case record.UpdateRecord, record.CLRRecord:
		b.WriteString("\n")
		b.WriteString(ui.KeyValue("Operation", fmt.Sprintf("%s (kind %d)", m.ops.Name(re.Op), re.Op)))
		b.WriteString(ui.KeyValue("Record", re.RecordID.String()))
		if re.Type == record.CLRRecord {
			b.WriteString(ui.KeyValue("Undo next LSN", fmt.Sprintf("%d", re.UndoNextLSN)))
		}
		b.WriteString(renderImage("Before image", re.BeforeImage))
		b.WriteString(renderImage("Arguments", re.AfterImage))

	case record.CheckpointEnd:
		cp := re.Checkpoint
		if cp == nil {
			break
		}
		b.WriteString("\n")
		b.WriteString(ui.KeyValue("Begin LSN", fmt.Sprintf("%d", cp.BeginLSN)))
		b.WriteString(ui.KeyValue("Next transaction", cp.NextTID.String()))
		b.WriteString("\n" + ui.LabelStyle.Render("Transactions:") + "\n")
		for _, txn := range cp.Transactions {
			fmt.Fprintf(&b, "  %-6s %-9s last=%d undoNext=%d\n", txn.TID, txn.State, txn.LastLSN, txn.UndoNextLSN)
		}
		b.WriteString("\n" + ui.LabelStyle.Render("Dirty pages:") + "\n")
		for _, dp := range cp.DirtyPages {
			fmt.Fprintf(&b, "  page %-6d recLSN=%d\n", dp.Page, dp.RecLSN)
		}
	}

	return ui.DetailStyle.Render(b.String())
}

func renderImage(label string, image []byte) string {
	if len(image) == 0 {
		return ui.KeyValue(label, "none")
	}
	return ui.KeyValue(label, fmt.Sprintf("%d bytes", len(image))) + hex.Dump(image)
}

func (m Model) renderStatusBar() string {
	position := fmt.Sprintf("%d/%d", min(m.cursor+1, len(m.visible)), len(m.visible))
	if m.detailMode {
		return ui.StatusBarStyle.Render(fmt.Sprintf(" Detail | %s ", position))
	}
	return ui.StatusBarStyle.Render(fmt.Sprintf(" List | %s | %s ", position, m.logPath))
}
