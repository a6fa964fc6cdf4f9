package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

func eraseCmd(opts *options) *cobra.Command {
	var (
		addr   int64
		length int64
		bulk   bool
	)
	cmd := &cobra.Command{
		Use:   "erase",
		Short: "Erase flash memory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !bulk && length == 0 {
				return errors.New("length or --bulk is required")
			}
			return opts.run(func(s *session) error {
				if bulk {
					addr, length = 0, s.bd.Size()
				}
				n, err := s.bd.Erase(addr, length)
				if err != nil {
					return fmt.Errorf("erase flash failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "erased %d bytes at %#x\n", n, addr)
				return nil
			})
		},
	}
	cmd.Flags().Int64VarP(&addr, "addr", "a", 0, "start address")
	cmd.Flags().Int64VarP(&length, "length", "n", 0, "number of bytes to erase")
	cmd.Flags().BoolVar(&bulk, "bulk", false, "erase the entire flash")
	cmd.MarkFlagsMutuallyExclusive("bulk", "addr")
	return cmd
}
