package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ce-fello/appraisal-service/src/internal/model"
)

// RootCmd builds the appraisalctl command tree on top of b.
func RootCmd(b Backend) *cobra.Command {
	root := &cobra.Command{
		Use:           "appraisalctl",
		Short:         "Administer appraisal cycles",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(MigrateCmd(b))
	root.AddCommand(CyclesCmd(b))
	return root
}

// MigrateCmd applies pending schema migrations.
func MigrateCmd(b Backend) *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			applied, err := b.Migrate(cmd.Context(), dir)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if applied {
				fmt.Fprintln(out, color.New(color.FgGreen).Sprint("migrations applied"))
			} else {
				fmt.Fprintln(out, color.New(color.FgHiBlack).Sprint("schema already up to date"))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "migrations directory (default MIGRATIONS_DIR)")
	return cmd
}

// CyclesCmd groups the cycle maintenance commands.
func CyclesCmd(b Backend) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cycles",
		Short: "Inspect and maintain appraisal cycles",
	}
	cmd.AddCommand(closeExpiredCmd(b))
	cmd.AddCommand(canCloseCmd(b))
	cmd.AddCommand(listCyclesCmd(b))
	return cmd
}

func closeExpiredCmd(b Backend) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "close-expired",
		Short: "Close every open cycle whose end date has passed",
		Long: `Close every OPEN cycle whose end date is before today.

Without --force a cycle that still has unfinished appraisals is left open.
When the flag is omitted CLOSE_EXPIRED_FORCE decides.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var forceOpt *bool
			if cmd.Flags().Changed("force") {
				forceOpt = &force
			}
			svc, release, err := b.Cycles(cmd.Context(), forceOpt)
			if err != nil {
				return err
			}
			defer release()

			closed, err := svc.CloseExpiredCycles(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "closed %s expired cycle(s)\n",
				color.New(color.FgHiGreen).Sprint(closed))
			return err
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "close expired cycles even with unfinished appraisals")
	return cmd
}

func canCloseCmd(b Backend) *cobra.Command {
	return &cobra.Command{
		Use:   "can-close <cycle-id>",
		Short: "Report whether a cycle can be closed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, release, err := b.Cycles(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer release()

			check, err := svc.CanCloseCycle(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printCloseCheck(cmd.OutOrStdout(), check)
			return nil
		},
	}
}

func listCyclesCmd(b Backend) *cobra.Command {
	var state string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cycles ordered by start date",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, release, err := b.Cycles(cmd.Context(), nil)
			if err != nil {
				return err
			}
			defer release()

			cycles, err := svc.ListCycles(cmd.Context(), model.CycleFilter{
				State: model.CycleState(strings.ToUpper(state)),
			})
			if err != nil {
				return err
			}
			printCycles(cmd.OutOrStdout(), cycles)
			return nil
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "filter by state (open|closed)")
	return cmd
}

func stateLabel(s model.CycleState) string {
	switch s {
	case model.CycleOpen:
		return color.New(color.FgHiGreen).Sprint(s)
	case model.CycleClosed:
		return color.New(color.FgHiBlack).Sprint(s)
	default:
		return string(s)
	}
}

func printCycles(w io.Writer, cycles []model.Cycle) {
	if len(cycles) == 0 {
		fmt.Fprintln(w, "no cycles")
		return
	}
	for _, c := range cycles {
		fmt.Fprintf(w, "%s  %s .. %s  %s  admin=%s\n",
			c.CycleID,
			c.StartDate.Format(model.DateLayout),
			c.EndDate.Format(model.DateLayout),
			stateLabel(c.State),
			c.AdminID,
		)
	}
}

func printCloseCheck(w io.Writer, check model.CloseCheck) {
	if check.CanClose {
		fmt.Fprintf(w, "cycle %s: %s\n", check.CycleID, color.New(color.FgGreen).Sprint("can be closed"))
		return
	}
	fmt.Fprintf(w, "cycle %s: %s", check.CycleID, color.New(color.FgRed).Sprint("cannot be closed"))
	if check.Reason != "" {
		fmt.Fprintf(w, " (%s)", check.Reason)
	}
	fmt.Fprintln(w)
	for _, a := range check.Blocking {
		fmt.Fprintf(w, "  %s  %s -> %s  %s\n",
			a.AppraisalID,
			a.AppraisingUserID,
			a.AppraisedUserID,
			color.New(color.FgYellow).Sprint(a.State),
		)
	}
}
