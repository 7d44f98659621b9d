package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"charm.land/bubbles/v2/progress"
	tea "charm.land/bubbletea/v2"
	"github.com/charmbracelet/lipgloss"
	"github.com/raphaelgruber/compendium/internal/models"
)

const pollInterval = time.Second

// jobSource returns the current state of a job.
type jobSource interface {
	Get(ctx context.Context, id string) (*models.Job, error)
}

// Theme holds the color scheme for the progress display.
type Theme struct {
	Status     lipgloss.Color
	Success    lipgloss.Color
	Error      lipgloss.Color
	Hint       lipgloss.Color
	ProgressBg lipgloss.Color
}

// defaultTheme provides default colors.
var defaultTheme = Theme{
	Status:     lipgloss.Color("#5FAFD7"), // light blue
	Success:    lipgloss.Color("#00D787"), // green
	Error:      lipgloss.Color("#FF005F"), // red
	Hint:       lipgloss.Color("#6C6C6C"), // dim gray
	ProgressBg: lipgloss.Color("#3A3A3A"), // dark gray
}

func (t Theme) statusStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Status)
}

func (t Theme) completedStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Success).Bold(true)
}

func (t Theme) errorStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Error).Bold(true)
}

func (t Theme) hintStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Hint).Italic(true)
}

// tickMsg triggers polling the job status
type tickMsg time.Time

// jobUpdateMsg carries the updated job data
type jobUpdateMsg struct {
	job *models.Job
	err error
}

// progressModel is the bubbletea model for job progress.
type progressModel struct {
	source   jobSource
	jobID    string
	job      *models.Job
	progress progress.Model
	theme    Theme
	done     bool
	quitting bool
	err      error
}

func newProgressModel(source jobSource, job *models.Job) progressModel {
	prog := progress.New(
		progress.WithDefaultBlend(),
		progress.WithWidth(40),
	)
	return progressModel{
		source:   source,
		jobID:    job.ID,
		job:      job,
		progress: prog,
		theme:    defaultTheme,
	}
}

// Init returns the initial command (start polling).
func (m progressModel) Init() tea.Cmd {
	return tea.Batch(
		tickCmd(),
		m.progress.Init(),
	)
}

// Update handles messages and returns the updated model.
func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyPressMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			return m, tea.Quit
		}

	case tickMsg:
		return m, m.fetchJob()

	case jobUpdateMsg:
		if msg.err != nil {
			m.err = fmt.Errorf("failed to fetch job status: %w", msg.err)
			m.done = true
			return m, tea.Quit
		}

		m.job = msg.job
		if m.job.Terminal() {
			m.done = true
			m.err = jobError(m.job)
			return m, tea.Quit
		}
		return m, tickCmd()

	case progress.FrameMsg:
		var cmd tea.Cmd
		m.progress, cmd = m.progress.Update(msg)
		return m, cmd
	}

	return m, nil
}

// View renders the progress display.
func (m progressModel) View() tea.View {
	return tea.NewView(m.renderContent())
}

func (m progressModel) renderContent() string {
	if m.done {
		return m.finalView()
	}
	if m.job == nil {
		return "Loading job status...\n"
	}

	status := m.theme.statusStyle().Render(fmt.Sprintf("[%s]", statusLabel(m.job)))
	bar := m.progress.ViewAs(float64(m.job.Progress) / 100)
	hint := m.theme.hintStyle().Render("Press Ctrl+C to continue in background")
	return fmt.Sprintf("%s %s %3d%%\n%s\n", status, bar, m.job.Progress, hint)
}

func (m progressModel) finalView() string {
	if m.quitting {
		msg := fmt.Sprintf("\nJob %s continues in background.\nUse 'compendium status %s' to check status.\n",
			m.jobID, m.jobID)
		return m.theme.hintStyle().Render(msg)
	}
	if m.err != nil {
		return m.theme.errorStyle().Render(fmt.Sprintf("\n✗ %s\n", m.err))
	}
	return summary(m.theme, m.job)
}

func (m progressModel) fetchJob() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		job, err := m.source.Get(ctx, m.jobID)
		return jobUpdateMsg{job: job, err: err}
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// statusLabel names the job state, including a pending retry.
func statusLabel(job *models.Job) string {
	switch {
	case job.Status == models.JobStatusProcessing && job.CancelRequested:
		return "cancelling"
	case job.Status == models.JobStatusPending && job.RetryCount > 0:
		return fmt.Sprintf("retrying %d/%d", job.RetryCount, job.MaxRetries)
	default:
		return string(job.Status)
	}
}

// jobError is the error a terminal job ended with, or nil on success.
func jobError(job *models.Job) error {
	switch job.Status {
	case models.JobStatusCancelled:
		return fmt.Errorf("job %s was cancelled", job.ID)
	case models.JobStatusFailed:
		if job.Error != nil {
			return fmt.Errorf("job failed in %s: %s", orUnknown(job.Error.Stage), job.Error.Message)
		}
		return fmt.Errorf("job failed with unknown error")
	default:
		return nil
	}
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown stage"
	}
	return s
}

// summary renders a completed job's result.
func summary(theme Theme, job *models.Job) string {
	var b strings.Builder
	b.WriteString(theme.completedStyle().Render("✓ Completed") + "\n\n")
	if job == nil {
		return b.String()
	}
	fmt.Fprintf(&b, "  Deck:      %s\n", job.ResultKey)
	fmt.Fprintf(&b, "  Cards:     %d\n", job.Stats.Cards)
	fmt.Fprintf(&b, "  Topics:    %d\n", job.Stats.Topics)
	fmt.Fprintf(&b, "  Segments:  %d\n", job.Stats.Segments)
	if !job.Warnings.Empty() {
		notes := len(job.Warnings.Notes)
		if job.Warnings.DroppedPairs > 0 {
			notes++
		}
		if job.Warnings.ZeroCards {
			notes++
		}
		b.WriteString(theme.errorStyle().Render(fmt.Sprintf("\nWarnings (%d), see 'compendium status %s'\n", notes, job.ID)))
	}
	return b.String()
}
