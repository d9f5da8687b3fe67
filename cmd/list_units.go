package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var listUnitsCmd = &cobra.Command{
	Use:     "list-units",
	Aliases: []string{"list"},
	Short:   "List every unit known to the graph",
	Args:    cobra.NoArgs,
	RunE:    runListUnits,
}

func init() {
	rootCmd.AddCommand(listUnitsCmd)
}

func runListUnits(cmd *cobra.Command, args []string) error {
	rt, err := buildRuntime()
	if err != nil {
		return err
	}

	detailWidth := 0 // 0 means unlimited: only truncate on a real terminal.
	if term.IsTerminal(int(os.Stdout.Fd())) {
		if width, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
			detailWidth = width
		}
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
	defer w.Flush()
	fmt.Fprintln(w, "UNIT\tKIND\tSTATUS\tDETAIL")
	for _, u := range rt.graph.All() {
		status, sub := u.Status()
		detail := subStatusString(sub)
		if n := len(u.Reasons()); n > 0 {
			detail = fmt.Sprintf("%s (%s)", detail, u.Reasons()[n-1])
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", u.Name, u.ID.Kind, status, truncateDetail(detail, detailWidth))
	}
	return nil
}

// truncateDetail clamps detail to fit a terminal line when width is known;
// width 0 (non-terminal stdout, e.g. piped to a file) leaves it untouched.
func truncateDetail(detail string, width int) string {
	const reserved = 40 // room for the UNIT/KIND/STATUS columns ahead of it
	max := width - reserved
	if width == 0 || max <= 3 || len(detail) <= max {
		return detail
	}
	return detail[:max-3] + "..."
}
