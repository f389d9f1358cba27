package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/kilupskalvis/factflow/internal/artifacts"
	"github.com/kilupskalvis/factflow/internal/audit"
	"github.com/kilupskalvis/factflow/internal/models"
	"github.com/kilupskalvis/factflow/internal/store"
	"github.com/kilupskalvis/factflow/internal/workflow"
	"github.com/spf13/cobra"
)

const timeLayout = "2006-01-02 15:04:05"

var statusFilter string

var statusCmd = &cobra.Command{
	Use:   "status [verification-id]",
	Short: "Show verification status",
	Long: `Show one verification, or list every verification in --status when no
ID is given.`,
	Args: cobra.MaximumNArgs(1),
	Run:  runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusFilter, "status", string(models.StatusProcessingQuestions), "Status to list when no ID is given")
}

func runStatus(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	c := initContext()
	defer c.Close()
	out := cmd.OutOrStdout()

	if len(args) == 0 {
		vs, err := workflow.New(c.Store, c.Logger).ListByStatus(ctx, models.Status(statusFilter))
		if err != nil {
			exitError("%v", err)
		}
		if len(vs) == 0 {
			fmt.Fprintf(out, "No verifications in %s\n", statusFilter)
			return
		}
		for _, v := range vs {
			color.New(color.FgYellow).Fprintf(out, "%s ", shortID(v.ID))
			fmt.Fprintf(out, "%-8s %s %s\n", shortID(v.OwnerID), v.UpdatedAt.Format(timeLayout), truncate(v.Text, 60))
		}
		return
	}

	v, err := c.Store.GetVerification(ctx, args[0])
	if errors.Is(err, store.ErrNotFound) {
		exitError("verification %s not found", args[0])
	}
	if err != nil {
		exitError("failed to load verification: %v", err)
	}
	printVerification(out, v)

	if v.Status == models.StatusError {
		failures, err := audit.New(c.Store, c.Logger).Errors(ctx, v.ID)
		if err == nil && len(failures) > 0 {
			fmt.Fprintln(out)
			printEntry(out, failures[0])
		}
	}
}

func printVerification(out io.Writer, v *models.Verification) {
	color.New(color.FgYellow).Fprintf(out, "verification %s\n", v.ID)
	fmt.Fprintf(out, "Owner:   %s\n", v.OwnerID)
	fmt.Fprint(out, "Status:  ")
	statusColor(v.Status).Fprintln(out, v.Status)
	fmt.Fprintf(out, "Created: %s\n", v.CreatedAt.Format(timeLayout))
	fmt.Fprintf(out, "Updated: %s\n", v.UpdatedAt.Format(timeLayout))
	if v.ShareToken != nil {
		fmt.Fprintf(out, "Shared:  %s\n", *v.ShareToken)
	}
	fmt.Fprintf(out, "\n    %s\n", v.Text)
}

func statusColor(s models.Status) *color.Color {
	switch s {
	case models.StatusCompleted:
		return color.New(color.FgGreen)
	case models.StatusError:
		return color.New(color.FgRed)
	case models.StatusDraft:
		return color.New(color.FgWhite)
	default:
		return color.New(color.FgCyan)
	}
}

var logErrorsOnly bool

var logCmd = &cobra.Command{
	Use:   "log <verification-id>",
	Short: "Show a verification's process log",
	Long:  `Display the step-level process log of a verification, newest first.`,
	Args:  cobra.ExactArgs(1),
	Run:   runLog,
}

func init() {
	logCmd.Flags().BoolVar(&logErrorsOnly, "errors", false, "Only show error entries")
}

func runLog(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	c := initContext()
	defer c.Close()
	out := cmd.OutOrStdout()

	log := audit.New(c.Store, c.Logger)
	var (
		entries []*models.ProcessLogEntry
		err     error
	)
	if logErrorsOnly {
		entries, err = log.Errors(ctx, args[0])
	} else {
		entries, err = log.List(ctx, args[0])
	}
	if err != nil {
		exitError("failed to load process log: %v", err)
	}
	if len(entries) == 0 {
		fmt.Fprintln(out, "No log entries")
		return
	}
	for _, e := range entries {
		printEntry(out, e)
	}
}

func printEntry(out io.Writer, e *models.ProcessLogEntry) {
	fmt.Fprintf(out, "%s ", e.CreatedAt.Format(timeLayout))
	switch e.Status {
	case models.LogError:
		color.New(color.FgRed).Fprintf(out, "%-9s", e.Status)
	case models.LogCompleted:
		color.New(color.FgGreen).Fprintf(out, "%-9s", e.Status)
	default:
		color.New(color.FgCyan).Fprintf(out, "%-9s", e.Status)
	}
	fmt.Fprintf(out, " %s", e.Step)
	if e.ErrorMessage != nil {
		fmt.Fprintf(out, "  %s", *e.ErrorMessage)
	}
	fmt.Fprintln(out)
}

var questionsCmd = &cobra.Command{
	Use:   "questions <verification-id>",
	Short: "List a verification's questions",
	Args:  cobra.ExactArgs(1),
	Run:   runQuestions,
}

func runQuestions(cmd *cobra.Command, args []string) {
	c := initContext()
	defer c.Close()
	out := cmd.OutOrStdout()

	qs, err := artifacts.New(c.Store, c.Logger).List(context.Background(), args[0])
	if err != nil {
		exitError("%v", err)
	}
	if len(qs) == 0 {
		fmt.Fprintln(out, "No questions")
		return
	}
	edited := color.New(color.FgMagenta)
	for _, q := range qs {
		fmt.Fprintf(out, "%2d. %s", q.OrderIndex+1, q.Text)
		if q.IsEdited {
			edited.Fprint(out, " [edited]")
		}
		fmt.Fprintln(out)
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
