package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func writeCmd(opts *options) *cobra.Command {
	var (
		addr     int64
		filename string
		erase    bool
	)
	cmd := &cobra.Command{
		Use:   "write",
		Short: "Write a file to flash memory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if filename == "" {
				return errors.New("input file is required")
			}
			data, err := os.ReadFile(filename)
			if err != nil {
				return fmt.Errorf("failed to open file: %w", err)
			}
			return opts.run(func(s *session) error {
				if erase {
					if _, err := s.bd.Erase(addr, int64(len(data))); err != nil {
						return fmt.Errorf("erase flash failed: %w", err)
					}
				}
				n, err := s.bd.Write(data, addr)
				if err != nil {
					return fmt.Errorf("write flash failed after %d bytes: %w", n, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %d bytes at %#x\n", n, addr)
				return nil
			})
		},
	}
	cmd.Flags().Int64VarP(&addr, "addr", "a", 0, "start address")
	cmd.Flags().StringVarP(&filename, "file", "f", "", "input file")
	cmd.Flags().BoolVarP(&erase, "erase", "e", false, "erase the written range first")
	return cmd
}
