// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/AleutianAI/AleutianOps/services/proposer/datatypes"
	"github.com/AleutianAI/AleutianOps/services/proposer/publisher"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// =============================================================================
// View Mode
// =============================================================================

// reviewViewMode determines what the content pane shows.
type reviewViewMode int

const (
	// viewOverview shows the change preview or pipeline progress.
	viewOverview reviewViewMode = iota

	// viewFiles shows the generated files in full.
	viewFiles

	// viewSummary shows the session decisions.
	viewSummary
)

// =============================================================================
// Messages
// =============================================================================

// reviewActionMsg reports an approve, reject, or refresh round-trip.
type reviewActionMsg struct {
	index    int
	verb     string
	proposal *datatypes.Proposal
	change   *publisher.Change
	err      error
}

// reviewExportMsg reports a change export to local disk.
type reviewExportMsg struct {
	index int
	dir   string
	err   error
}

// =============================================================================
// Config
// =============================================================================

// reviewTUIConfig configures the review session.
type reviewTUIConfig struct {
	// Approver is the identity recorded on approvals.
	Approver string

	// Role is the role recorded with approvals.
	Role string

	// ExportDir is where accepted changes are written.
	ExportDir string
}

// reviewDecision is the session-local outcome for one proposal.
type reviewDecision int

const (
	reviewPending reviewDecision = iota
	reviewApproved
	reviewRejected
	reviewExported
)

// reviewItem pairs a proposal with its rendered change, when one exists.
type reviewItem struct {
	proposal  datatypes.Proposal
	change    *publisher.Change
	renderErr error
}

// reviewActions is the API surface the model calls. The live client talks
// to the proposer; a stub stands in for it when the model is exercised
// without a server.
type reviewActions interface {
	Approve(id, approver, role string) (*datatypes.Proposal, error)
	Cancel(id, actor string) (*datatypes.Proposal, error)
	Refresh(id string) (*datatypes.Proposal, *publisher.Change, error)
	Export(item reviewItem, dir string) (string, error)
}

// =============================================================================
// Model
// =============================================================================

// reviewModel is the bubbletea model for the proposal review desk.
//
// # Description
//
// Shows every reviewable proposal: in-flight ones collect approvals or
// rejections that the policy stage will see, and PROPOSED ones present
// the rendered change for export. All API work happens in commands so
// the event loop never blocks.
type reviewModel struct {
	// Configuration
	config reviewTUIConfig

	// API actions
	actions reviewActions

	// Proposals under review
	items     []reviewItem
	decisions []reviewDecision

	// Current navigation state
	current  int
	viewMode reviewViewMode

	// Viewport for scrolling
	viewport viewport.Model

	// Terminal dimensions
	width  int
	height int

	// State flags
	ready        bool
	confirmInput string
	showConfirm  bool
	showHelp     bool
	quitting     bool
	busy         bool
	statusLine   string
}

// newReviewModel creates a review model over the given proposals.
func newReviewModel(items []reviewItem, actions reviewActions, config reviewTUIConfig) reviewModel {
	return reviewModel{
		config:    config,
		actions:   actions,
		items:     items,
		decisions: make([]reviewDecision, len(items)),
		viewMode:  viewOverview,
	}
}

// Init implements tea.Model.
func (m reviewModel) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (m reviewModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

		headerHeight := 3
		footerHeight := 3
		viewportHeight := m.height - headerHeight - footerHeight

		if !m.ready {
			m.viewport = viewport.New(m.width, viewportHeight)
			m.viewport.YPosition = headerHeight
			m.ready = true
		} else {
			m.viewport.Width = m.width
			m.viewport.Height = viewportHeight
		}

		m.updateViewportContent()

	case tea.KeyMsg:
		// Handle confirmation input mode
		if m.showConfirm {
			return m.handleConfirmInput(msg)
		}

		// Handle help overlay
		if m.showHelp {
			if msg.String() == "q" || msg.String() == "?" || msg.String() == "esc" {
				m.showHelp = false
			}
			return m, nil
		}

		// Normal key handling
		switch msg.String() {
		case "a", "y":
			if cmd := m.approveCurrent(); cmd != nil {
				return m, cmd
			}

		case "x", "n":
			if m.busy || len(m.items) == 0 {
				break
			}
			if m.currentItem().proposal.State.Terminal() {
				m.statusLine = "already terminal, nothing to reject"
				break
			}
			m.showConfirm = true
			m.confirmInput = ""

		case "e":
			if cmd := m.exportCurrent(); cmd != nil {
				return m, cmd
			}

		case "r":
			if cmd := m.refreshCurrent(); cmd != nil {
				return m, cmd
			}

		case "?":
			m.showHelp = true

		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit

		case "left", "h":
			m.prevProposal()

		case "right", "l":
			m.nextProposal()

		case "j", "down":
			m.viewport.LineDown(1)

		case "k", "up":
			m.viewport.LineUp(1)

		case "ctrl+d":
			m.viewport.HalfViewDown()

		case "ctrl+u":
			m.viewport.HalfViewUp()

		case "g", "home":
			m.viewport.GotoTop()

		case "G", "end":
			m.viewport.GotoBottom()

		case "tab":
			m.toggleViewMode()
			m.updateViewportContent()

		case "enter":
			if m.viewMode == viewSummary {
				m.quitting = true
				return m, tea.Quit
			}
		}

	case reviewActionMsg:
		m.busy = false
		if msg.err != nil {
			m.statusLine = fmt.Sprintf("%s failed: %v", msg.verb, msg.err)
		} else {
			if msg.proposal != nil {
				m.items[msg.index].proposal = *msg.proposal
			}
			if msg.change != nil {
				m.items[msg.index].change = msg.change
				m.items[msg.index].renderErr = nil
			}
			switch msg.verb {
			case "approve":
				m.decisions[msg.index] = reviewApproved
				m.statusLine = fmt.Sprintf("approved %s", shortID(m.items[msg.index].proposal.ID))
			case "reject":
				m.decisions[msg.index] = reviewRejected
				m.statusLine = fmt.Sprintf("rejected %s", shortID(m.items[msg.index].proposal.ID))
			default:
				m.statusLine = fmt.Sprintf("refreshed %s (%s)",
					shortID(m.items[msg.index].proposal.ID), m.items[msg.index].proposal.State)
			}
		}
		m.updateViewportContent()
		return m, nil

	case reviewExportMsg:
		m.busy = false
		if msg.err != nil {
			m.statusLine = fmt.Sprintf("export failed: %v", msg.err)
		} else {
			m.decisions[msg.index] = reviewExported
			m.statusLine = fmt.Sprintf("exported to %s", msg.dir)
		}
		m.updateViewportContent()
		return m, nil
	}

	// Update viewport
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

// View implements tea.Model.
func (m reviewModel) View() string {
	if m.quitting {
		return ""
	}

	if !m.ready {
		return "Loading...\n"
	}

	var b strings.Builder

	// Header
	b.WriteString(m.renderHeader())
	b.WriteString("\n")

	// Main content
	if m.showHelp {
		b.WriteString(m.renderHelp())
	} else if m.showConfirm {
		b.WriteString(m.renderConfirm())
	} else {
		b.WriteString(m.viewport.View())
	}

	// Footer
	b.WriteString("\n")
	b.WriteString(m.renderFooter())

	return b.String()
}

// =============================================================================
// Navigation
// =============================================================================

func (m *reviewModel) currentItem() *reviewItem {
	return &m.items[m.current]
}

func (m *reviewModel) prevProposal() {
	if m.current > 0 {
		m.current--
		m.statusLine = ""
		m.updateViewportContent()
	}
}

func (m *reviewModel) nextProposal() {
	if m.current < len(m.items)-1 {
		m.current++
		m.statusLine = ""
		m.updateViewportContent()
	}
}

func (m *reviewModel) toggleViewMode() {
	switch m.viewMode {
	case viewOverview:
		m.viewMode = viewFiles
	case viewFiles:
		m.viewMode = viewSummary
	case viewSummary:
		m.viewMode = viewOverview
	}
}

// =============================================================================
// Actions
// =============================================================================

func (m *reviewModel) approveCurrent() tea.Cmd {
	if m.busy || len(m.items) == 0 {
		return nil
	}
	item := m.currentItem()
	if item.proposal.State.Terminal() {
		m.statusLine = "already terminal, approvals are closed"
		return nil
	}

	m.busy = true
	m.statusLine = "approving..."
	index := m.current
	id := item.proposal.ID
	actions, approver, role := m.actions, m.config.Approver, m.config.Role
	return func() tea.Msg {
		proposal, err := actions.Approve(id, approver, role)
		return reviewActionMsg{index: index, verb: "approve", proposal: proposal, err: err}
	}
}

func (m *reviewModel) rejectCurrent() tea.Cmd {
	if len(m.items) == 0 {
		return nil
	}
	m.busy = true
	m.statusLine = "rejecting..."
	index := m.current
	id := m.currentItem().proposal.ID
	actions, actor := m.actions, m.config.Approver
	return func() tea.Msg {
		proposal, err := actions.Cancel(id, actor)
		return reviewActionMsg{index: index, verb: "reject", proposal: proposal, err: err}
	}
}

func (m *reviewModel) refreshCurrent() tea.Cmd {
	if m.busy || len(m.items) == 0 {
		return nil
	}
	m.busy = true
	m.statusLine = "refreshing..."
	index := m.current
	id := m.currentItem().proposal.ID
	actions := m.actions
	return func() tea.Msg {
		proposal, change, err := actions.Refresh(id)
		return reviewActionMsg{index: index, verb: "refresh", proposal: proposal, change: change, err: err}
	}
}

func (m *reviewModel) exportCurrent() tea.Cmd {
	if m.busy || len(m.items) == 0 {
		return nil
	}
	item := m.currentItem()
	if item.change == nil {
		m.statusLine = "no rendered change to export yet"
		return nil
	}

	m.busy = true
	m.statusLine = "exporting..."
	index := m.current
	current := *item
	actions, dir := m.actions, m.config.ExportDir
	return func() tea.Msg {
		written, err := actions.Export(current, dir)
		return reviewExportMsg{index: index, dir: written, err: err}
	}
}

// =============================================================================
// Confirmation Handling
// =============================================================================

func (m reviewModel) handleConfirmInput(msg tea.KeyMsg) (reviewModel, tea.Cmd) {
	switch msg.String() {
	case "enter":
		if strings.ToLower(m.confirmInput) == "yes" {
			m.showConfirm = false
			cmd := m.rejectCurrent()
			return m, cmd
		}
		m.showConfirm = false
		m.confirmInput = ""

	case "esc":
		m.showConfirm = false
		m.confirmInput = ""

	case "backspace":
		if len(m.confirmInput) > 0 {
			m.confirmInput = m.confirmInput[:len(m.confirmInput)-1]
		}

	default:
		if len(msg.String()) == 1 {
			m.confirmInput += msg.String()
		}
	}

	return m, nil
}

// =============================================================================
// Viewport Content
// =============================================================================

func (m *reviewModel) updateViewportContent() {
	if !m.ready {
		return
	}

	var content string
	if len(m.items) == 0 {
		content = "Nothing to review."
	} else {
		switch m.viewMode {
		case viewOverview:
			content = m.renderOverview()
		case viewFiles:
			content = m.renderFiles()
		case viewSummary:
			content = m.renderSessionSummary()
		}
	}

	m.viewport.SetContent(content)
	m.viewport.GotoTop()
}

// =============================================================================
// Rendering
// =============================================================================

func (m reviewModel) renderHeader() string {
	if len(m.items) == 0 {
		return titleStyle.Render("AleutianOps Review") + "\n" +
			statsStyle.Render("no proposals loaded")
	}

	item := m.items[m.current]
	p := item.proposal

	position := statsStyle.Render(fmt.Sprintf("%d/%d", m.current+1, len(m.items)))
	title := titleStyle.Render("AleutianOps Review") + "  " + position

	line := fmt.Sprintf("%s %s  %s  %s/%s",
		stateBadge(p.State),
		idStyle.Render(shortID(p.ID)),
		decisionBadge(m.decisions[m.current]),
		p.Request.Target, p.Request.Environment)

	return title + "\n" + line
}

func (m reviewModel) renderFooter() string {
	keys := []struct{ key, desc string }{
		{"a", "approve"},
		{"x", "reject"},
		{"e", "export"},
		{"r", "refresh"},
		{"h/l", "prev/next"},
		{"tab", "view"},
		{"?", "help"},
		{"q", "quit"},
	}

	var parts []string
	for _, k := range keys {
		parts = append(parts, helpKeyStyle.Render(k.key)+" "+helpDescStyle.Render(k.desc))
	}
	footer := strings.Join(parts, "  ")

	status := m.statusLine
	if status == "" {
		status = fmt.Sprintf("%s view, %3.0f%%", m.viewModeName(), m.viewport.ScrollPercent()*100)
	}
	return footer + "\n" + statsStyle.Render(status)
}

func (m reviewModel) viewModeName() string {
	switch m.viewMode {
	case viewFiles:
		return "files"
	case viewSummary:
		return "summary"
	default:
		return "overview"
	}
}

// renderOverview shows the rendered change for PROPOSED proposals and the
// pipeline progress for everything else.
func (m reviewModel) renderOverview() string {
	item := m.items[m.current]
	p := item.proposal

	var b strings.Builder

	b.WriteString(sectionStyle.Render("Intent"))
	b.WriteString("\n")
	b.WriteString(p.Request.Intent)
	b.WriteString("\n\n")

	b.WriteString(sectionStyle.Render("Request"))
	b.WriteString("\n")
	fmt.Fprintf(&b, "repository:  %s\n", p.Request.Repository)
	fmt.Fprintf(&b, "requester:   %s\n", p.Request.Requester)
	if len(p.Request.StackTags) > 0 {
		fmt.Fprintf(&b, "stack tags:  %s\n", strings.Join(p.Request.StackTags, ", "))
	}
	b.WriteString("\n")

	if len(p.Approvals) > 0 {
		b.WriteString(sectionStyle.Render("Approvals"))
		b.WriteString("\n")
		for _, a := range p.Approvals {
			role := a.Role
			if role == "" {
				role = "-"
			}
			fmt.Fprintf(&b, "%s (%s) at %s\n", a.Approver, role, a.At.Local().Format("15:04:05"))
		}
		b.WriteString("\n")
	}

	if len(p.ValidationResults) > 0 {
		b.WriteString(sectionStyle.Render("Validation"))
		b.WriteString("\n")
		b.WriteString(renderValidationLines(p.ValidationResults))
		b.WriteString("\n")
	}

	if p.PolicyVerdict != nil {
		b.WriteString(sectionStyle.Render("Policy"))
		b.WriteString("\n")
		if p.PolicyVerdict.Allowed {
			b.WriteString(okStyle.Render("allowed"))
			b.WriteString("\n")
		} else {
			for _, v := range p.PolicyVerdict.Violations {
				b.WriteString(failStyle.Render("violation: " + v))
				b.WriteString("\n")
			}
		}
		b.WriteString("\n")
	}

	if p.StateReason != "" {
		b.WriteString(reasonStyle.Render(p.StateReason))
		b.WriteString("\n\n")
	}

	switch {
	case item.change != nil:
		b.WriteString(sectionStyle.Render("Change Preview"))
		b.WriteString("\n")
		fmt.Fprintf(&b, "branch: %s -> %s\n", item.change.Branch, item.change.BaseBranch)
		fmt.Fprintf(&b, "title:  %s\n\n", item.change.Title)
		b.WriteString(item.change.Body)
	case item.renderErr != nil:
		b.WriteString(failStyle.Render(fmt.Sprintf("preview unavailable: %v", item.renderErr)))
	case !p.State.Terminal():
		b.WriteString(reasonStyle.Render("Pipeline still running; approvals recorded now feed the policy check."))
	}

	return b.String()
}

// renderFiles shows the generated files with per-file headers.
func (m reviewModel) renderFiles() string {
	item := m.items[m.current]

	files := item.proposal.GeneratedFiles
	if item.change != nil {
		files = item.change.Files
	}
	if len(files) == 0 {
		return "No generated files yet."
	}

	paths := make([]string, 0, len(files))
	for path := range files {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	var b strings.Builder
	for _, path := range paths {
		content := files[path]
		b.WriteString(idStyle.Render(path))
		b.WriteString(statsStyle.Render(fmt.Sprintf("  (%d lines)", strings.Count(content, "\n")+1)))
		b.WriteString("\n")
		b.WriteString(strings.Repeat("-", 40))
		b.WriteString("\n")
		b.WriteString(content)
		if !strings.HasSuffix(content, "\n") {
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	return b.String()
}

// renderSessionSummary tallies this session's decisions.
func (m reviewModel) renderSessionSummary() string {
	var approved, rejected, exported int
	for _, d := range m.decisions {
		switch d {
		case reviewApproved:
			approved++
		case reviewRejected:
			rejected++
		case reviewExported:
			exported++
		}
	}

	var b strings.Builder
	b.WriteString(sectionStyle.Render("Session Summary"))
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "approved: %d   rejected: %d   exported: %d\n\n", approved, rejected, exported)

	for i, item := range m.items {
		fmt.Fprintf(&b, "%s %s  %s\n",
			stateBadge(item.proposal.State),
			idStyle.Render(shortID(item.proposal.ID)),
			decisionBadge(m.decisions[i]))
		fmt.Fprintf(&b, "    %s\n", truncate(item.proposal.Request.Intent, 80))
	}

	b.WriteString("\n")
	b.WriteString(helpDescStyle.Render("Press enter to finish the session."))
	return b.String()
}

func (m reviewModel) renderHelp() string {
	rows := []struct{ key, desc string }{
		{"a / y", "approve the current proposal (records a sign-off)"},
		{"x / n", "reject the current proposal (cancels the pipeline)"},
		{"e", "export the rendered change to local disk"},
		{"r", "refresh the current proposal from the service"},
		{"h / l", "previous / next proposal"},
		{"j / k", "scroll down / up"},
		{"ctrl+d / ctrl+u", "scroll half a page"},
		{"g / G", "jump to top / bottom"},
		{"tab", "cycle overview, files, and summary views"},
		{"q", "quit"},
	}

	var b strings.Builder
	b.WriteString(sectionStyle.Render("Keys"))
	b.WriteString("\n\n")
	for _, r := range rows {
		fmt.Fprintf(&b, "  %s  %s\n",
			helpKeyStyle.Render(fmt.Sprintf("%-15s", r.key)),
			helpDescStyle.Render(r.desc))
	}
	b.WriteString("\n")
	b.WriteString(helpDescStyle.Render("Press q or ? to close help."))
	return b.String()
}

func (m reviewModel) renderConfirm() string {
	item := m.items[m.current]
	var b strings.Builder
	b.WriteString(failStyle.Render("Reject this proposal?"))
	b.WriteString("\n\n")
	fmt.Fprintf(&b, "Rejecting cancels %s permanently.\n", shortID(item.proposal.ID))
	b.WriteString("Type 'yes' and press enter to confirm, esc to go back.\n\n")
	fmt.Fprintf(&b, "> %s", m.confirmInput)
	return b.String()
}

// renderValidationLines formats tool outcomes in a stable order.
func renderValidationLines(results map[datatypes.Tool]datatypes.ValidationOutcome) string {
	tools := make([]string, 0, len(results))
	for tool := range results {
		tools = append(tools, string(tool))
	}
	sort.Strings(tools)

	var b strings.Builder
	for _, tool := range tools {
		outcome := results[datatypes.Tool(tool)]
		status := string(outcome.Status)
		if outcome.Status == datatypes.ValidationOK {
			status = okStyle.Render(status)
		} else {
			status = failStyle.Render(status)
		}
		line := fmt.Sprintf("%-20s %s", tool, status)
		if outcome.Summary != "" {
			line += "  " + firstLine(outcome.Summary)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}

// shortID trims a uuid down to its first segment for display.
func shortID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// stateBadge picks the badge for a proposal state.
func stateBadge(state datatypes.ProposalState) string {
	switch state {
	case datatypes.StateProposed:
		return acceptedBadge.Render(string(state))
	case datatypes.StateRejected, datatypes.StateInvalid:
		return rejectedBadge.Render(string(state))
	default:
		return pendingBadge.Render(string(state))
	}
}

// decisionBadge renders the session decision for a proposal.
func decisionBadge(d reviewDecision) string {
	switch d {
	case reviewApproved:
		return acceptedBadge.Render("approved")
	case reviewRejected:
		return rejectedBadge.Render("rejected")
	case reviewExported:
		return acceptedBadge.Render("exported")
	default:
		return pendingBadge.Render("pending")
	}
}

// =============================================================================
// Styles
// =============================================================================

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39"))

	idStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212"))

	statsStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("42"))

	failStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("75")).
			Bold(true)

	reasonStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			Italic(true)

	helpKeyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39")).
			Bold(true)

	helpDescStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("250"))

	acceptedBadge = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")).
			Background(lipgloss.Color("22")).
			Padding(0, 1)

	rejectedBadge = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Background(lipgloss.Color("52")).
			Padding(0, 1)

	pendingBadge = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214")).
			Background(lipgloss.Color("58")).
			Padding(0, 1)
)
