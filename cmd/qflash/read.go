package main

import (
	"encoding/hex"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func readCmd(opts *options) *cobra.Command {
	var (
		addr    int64
		nread   int
		outFile string
	)
	cmd := &cobra.Command{
		Use:   "read",
		Short: "Read flash memory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.run(func(s *session) error {
				data := make([]byte, nread)
				n, err := s.bd.Read(data, addr)
				if err != nil {
					return fmt.Errorf("read flash failed: %w", err)
				}
				data = data[:n]
				if outFile == "" {
					fmt.Fprint(cmd.OutOrStdout(), hex.Dump(data))
					return nil
				}
				return os.WriteFile(outFile, data, 0644)
			})
		},
	}
	cmd.Flags().Int64VarP(&addr, "addr", "a", 0, "start address")
	cmd.Flags().IntVarP(&nread, "count", "n", 256, "number of bytes to read")
	cmd.Flags().StringVarP(&outFile, "out", "o", "", "output file (default: hexdump)")
	return cmd
}
