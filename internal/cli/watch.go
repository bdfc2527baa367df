package cli

import (
	"fmt"
	"time"

	"charm.land/bubbles/v2/progress"
	tea "charm.land/bubbletea/v2"
	"github.com/charmbracelet/lipgloss"
	"github.com/raphaelgruber/coda/internal/events"
	"github.com/raphaelgruber/coda/internal/jobs"
	"github.com/spf13/cobra"
)

const pollInterval = time.Second

var watchCmd = &cobra.Command{
	Use:   "watch <job-id>",
	Short: "Watch a background job's progress",
	Long: `Show a live progress view for a background job enqueued by this
process. The view is fed by the event bus and the job state.

Example:
  coda watch abc123`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if svc.GetJob(args[0]) == nil {
			return fmt.Errorf("job not found in this process: %s", args[0])
		}
		return watchJob(args[0])
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

// Theme holds the color scheme for the progress display.
type Theme struct {
	Status  lipgloss.Color
	Success lipgloss.Color
	Error   lipgloss.Color
	Hint    lipgloss.Color
}

// defaultTheme provides default colors.
var defaultTheme = Theme{
	Status:  lipgloss.Color("#5FAFD7"), // light blue
	Success: lipgloss.Color("#00D787"), // green
	Error:   lipgloss.Color("#FF005F"), // red
	Hint:    lipgloss.Color("#6C6C6C"), // dim gray
}

// Style functions for dynamic theming
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

// tickMsg triggers polling the job state
type tickMsg time.Time

// busEventMsg carries an event bus notification
type busEventMsg events.Event

// watchModel is the bubbletea model for job progress.
type watchModel struct {
	jobID    string
	job      *jobs.Snapshot
	evs      <-chan events.Event
	progress progress.Model
	theme    Theme
	percent  float64
	step     string
	done     bool
	quitting bool
	err      error
}

// newWatchModel creates a new watch model over the job and the bus channel.
func newWatchModel(jobID string, evs <-chan events.Event) watchModel {
	prog := progress.New(
		progress.WithDefaultBlend(),
		progress.WithWidth(40),
	)
	return watchModel{
		jobID:    jobID,
		evs:      evs,
		progress: prog,
		theme:    defaultTheme,
	}
}

// Init returns the initial command (start polling + bus reads).
func (m watchModel) Init() tea.Cmd {
	return tea.Batch(
		tickCmd(),
		m.readEvent(),
		m.progress.Init(),
	)
}

// Update handles messages and returns the updated model.
func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyPressMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			return m, tea.Quit
		}

	case tickMsg:
		m.job = svc.GetJob(m.jobID)
		if m.job != nil {
			switch m.job.State {
			case jobs.StateSucceeded:
				m.percent = 1
				m.done = true
				return m, tea.Quit
			case jobs.StateFailed:
				m.done = true
				m.err = fmt.Errorf("%s", m.job.LastError)
				return m, tea.Quit
			}
		}
		return m, tickCmd()

	case busEventMsg:
		ev := events.Event(msg)
		if ev.JobID == "" || ev.JobID == m.jobID {
			switch ev.Kind {
			case events.CascadeProgress, events.BatchProgress:
				m.percent = float64(ev.Percent) / 100
				m.step = ev.Step
			case events.JobRetry:
				m.step = "retrying: " + ev.Message
			}
		}
		return m, m.readEvent()

	case progress.FrameMsg:
		var cmd tea.Cmd
		m.progress, cmd = m.progress.Update(msg)
		return m, cmd
	}

	return m, nil
}

// View renders the progress display.
func (m watchModel) View() tea.View {
	return tea.NewView(m.renderContent())
}

// renderContent builds the display string.
func (m watchModel) renderContent() string {
	if m.done {
		return m.finalView()
	}

	state := "queued"
	if m.job != nil {
		state = string(m.job.State)
	}

	status := m.theme.statusStyle().Render(fmt.Sprintf("[%s]", state))
	progressBar := m.progress.ViewAs(m.percent)
	hint := m.theme.hintStyle().Render("Press Ctrl+C to stop watching")

	line := fmt.Sprintf("%s %s", status, progressBar)
	if m.step != "" {
		line += " " + m.step
	}
	return fmt.Sprintf("%s\n%s\n", line, hint)
}

// finalView renders the completion message.
func (m watchModel) finalView() string {
	if m.quitting {
		msg := fmt.Sprintf("\nJob %s continues in background.\nUse 'coda jobs %s' to check state.\n",
			m.jobID, m.jobID)
		return m.theme.hintStyle().Render(msg)
	}

	if m.err != nil {
		return m.theme.errorStyle().Render(fmt.Sprintf("\n✗ Job failed: %s\n", m.err))
	}

	out := m.theme.completedStyle().Render("✓ Completed") + "\n"
	if m.job != nil && m.job.Result != nil {
		out += fmt.Sprintf("\n%+v\n", m.job.Result)
	}
	return out
}

// readEvent waits for the next bus event.
// Runs as a command so Update() never blocks on the channel.
func (m watchModel) readEvent() tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-m.evs
		if !ok {
			return nil
		}
		return busEventMsg(ev)
	}
}

// tickCmd returns a command that sends a tick after the poll interval.
func tickCmd() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// watchJob runs the interactive progress UI for a job until it settles or
// the user detaches. Returns the job error if the job failed.
func watchJob(jobID string) error {
	evs, cancel := svc.Bus().Subscribe()
	defer cancel()

	model := newWatchModel(jobID, evs)
	p := tea.NewProgram(model)

	finalModel, err := p.Run()
	if err != nil {
		return fmt.Errorf("progress UI error: %w", err)
	}

	if m, ok := finalModel.(watchModel); ok {
		// If user quit with Ctrl+C, job continues in background - not an error
		if m.quitting {
			return nil
		}
		if m.err != nil {
			return m.err
		}
	}
	return nil
}
