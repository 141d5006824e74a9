package main

import (
	"fmt"
	"strings"

	"uci_middleware/internal/domain/storage"

	"github.com/spf13/cobra"
)

func newRelocateCmd(opts *rootOptions) *cobra.Command {
	var retryCleanups bool

	cmd := &cobra.Command{
		Use:   "relocate [<area/name> <area/name>]",
		Short: "Move an object between storage areas, or retry pending source cleanups",
		Args: func(cmd *cobra.Command, args []string) error {
			if retryCleanups {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(2)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context(), opts.cfg, nil)
			if err != nil {
				return err
			}
			defer rt.Close()
			out := cmd.OutOrStdout()

			if retryCleanups {
				resolved, err := rt.relocator.RetryCleanups(cmd.Context(), opts.cfg.CleanupBatchSize)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "resolved %d cleanup(s)\n", resolved)
				return nil
			}

			src, err := parseRef(args[0])
			if err != nil {
				return err
			}
			dst, err := parseRef(args[1])
			if err != nil {
				return err
			}
			res, err := rt.relocator.Move(cmd.Context(), src, dst)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%s -> %s (%s)\n", src, res.Location, res.State)
			if res.SourceNotCleaned() {
				fmt.Fprintf(out, "warning: %v\n", res.Warning)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&retryCleanups, "retry-cleanups", false, "Retry relocations whose source was not deleted")
	return cmd
}

func parseRef(v string) (storage.Ref, error) {
	area, name, ok := strings.Cut(v, "/")
	if !ok || area == "" || name == "" {
		return storage.Ref{}, fmt.Errorf("invalid object reference %q (want area/name)", v)
	}
	return storage.Ref{Area: area, Name: name}, nil
}
