package cli

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"submission-orchestrator/internal/models"
	"submission-orchestrator/internal/submitter"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	panelStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

func stateStyle(s models.Status) lipgloss.Style {
	switch s {
	case models.StatusCompleted:
		return okStyle
	case models.StatusFailed:
		return errorStyle
	case models.StatusUnknown:
		return warnStyle
	default:
		return titleStyle
	}
}

func progressBar(pct, width int) string {
	pct = max(0, min(pct, 100))
	filled := pct * width / 100
	return "[" + strings.Repeat("#", filled) + strings.Repeat(".", width-filled) + "]"
}

func printUpdate(w io.Writer, u submitter.Update) {
	s := u.Snapshot
	fmt.Fprintf(w, "%s %s %3d%% %s\n",
		stateStyle(s.State).Render(fmt.Sprintf("%-14s", s.State)),
		progressBar(s.Progress, 20),
		s.Progress,
		u.Message,
	)
}

func printSnapshot(w io.Writer, s models.StatusSnapshot) {
	lines := []string{
		titleStyle.Render("Submission " + s.SubmissionID),
		mutedStyle.Render("job      ") + valueOr(s.JobID, "-"),
		mutedStyle.Render("state    ") + stateStyle(s.State).Render(string(s.State)),
		mutedStyle.Render("progress ") + fmt.Sprintf("%s %d%%", progressBar(s.Progress, 20), s.Progress),
		mutedStyle.Render("message  ") + valueOr(s.Message, "-"),
		mutedStyle.Render("updated  ") + s.UpdatedAt.Format("2006-01-02 15:04:05 MST"),
	}
	if s.Result != nil {
		lines = append(lines, mutedStyle.Render("receipt  ")+okStyle.Render(s.Result.ReceiptNumber))
		if s.Result.DocumentURL != "" {
			lines = append(lines, mutedStyle.Render("document ")+s.Result.DocumentURL)
		}
	}
	if s.State == models.StatusFailed {
		lines = append(lines,
			mutedStyle.Render("error    ")+errorStyle.Render(string(s.ErrorCode)),
			mutedStyle.Render("guidance ")+s.Guidance,
		)
	}
	fmt.Fprintln(w, panelStyle.Render(strings.Join(lines, "\n")))
}

// PrintError renders err for the terminal, with next-step advice where the outcome has one.
func PrintError(w io.Writer, err error) {
	var (
		we *models.WorkerError
		ve *models.ValidationError
		ae *models.AuthError
	)
	switch {
	case errors.As(err, &we):
		fmt.Fprintln(w, errorStyle.Render("Submission failed: "+string(we.Code)))
		if we.Message != "" {
			fmt.Fprintln(w, mutedStyle.Render(we.Message))
		}
		fmt.Fprintln(w, we.Guidance())
	case errors.As(err, &ve):
		fmt.Fprintln(w, errorStyle.Render("Invalid request"))
		for _, f := range ve.Fields {
			fmt.Fprintf(w, "  %s %s\n", f.Field, f.Message)
		}
	case errors.As(err, &ae):
		fmt.Fprintln(w, warnStyle.Render("Authentication: "+ae.Reason))
		if ae.Retryable {
			fmt.Fprintln(w, "Approve the request on your device and run confirm again.")
		}
	case errors.Is(err, models.ErrSessionExpired):
		fmt.Fprintln(w, warnStyle.Render("The approval window expired."))
		fmt.Fprintln(w, "Run auth-restart to push a new approval request.")
	case errors.Is(err, submitter.ErrLostJob), errors.Is(err, submitter.ErrSoftTimeout):
		fmt.Fprintln(w, warnStyle.Render(err.Error()))
	default:
		fmt.Fprintln(w, errorStyle.Render("Error: "+err.Error()))
	}
}

func valueOr(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
