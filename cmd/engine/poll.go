package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newPollCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "poll",
		Short: "Run one pending-response pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context(), opts.cfg, nil)
			if err != nil {
				return err
			}
			defer rt.Close()

			report, err := rt.poller.Poll(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "scanned=%d completed=%d attempted=%d failed=%d\n",
				report.Scanned, report.Completed, report.Attempted, report.Failed)
			return nil
		},
	}
}
