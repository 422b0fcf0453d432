package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/MrWong99/parley/internal/gate"
)

func newProfilesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "profiles",
		Short: "List the built-in barge-in gate profiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tALPHA\tON\tOFF\tON×\tOFF×\tONSET\tHANG")
			for _, name := range gate.ProfileNames() {
				p := gate.Profiles[name]
				if p.PushToTalk {
					fmt.Fprintf(w, "%s\t-\t-\t-\t-\t-\t-\t(push to talk)\n", p.Name)
					continue
				}
				fmt.Fprintf(w, "%s\t%.2f\t%.3f\t%.3f\t%.1f\t%.1f\t%d\t%s\n",
					p.Name, p.Alpha, p.AbsoluteOn, p.AbsoluteOff,
					p.OnMultiplier, p.OffMultiplier, p.MinOnsetFrames, p.Hang)
			}
			return w.Flush()
		},
	}
}
