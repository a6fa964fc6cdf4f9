package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func infoCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Short: "Print flash identification and geometry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.run(func(s *session) error {
				id, err := s.dev.ReadID()
				if err != nil {
					return fmt.Errorf("read flash ID failed: %w", err)
				}
				p := s.dev.Part()
				w := cmd.OutOrStdout()
				fmt.Fprintf(w, "device\t%s\n", s.bd.Name)
				fmt.Fprintf(w, "id\t%X\t%s\n", id, p.Name)
				fmt.Fprintf(w, "size\t%d\n", p.Size)
				fmt.Fprintf(w, "sector\t%d\n", p.SectorSize)
				fmt.Fprintf(w, "subsector\t%d\n", p.SubsectorSize)
				fmt.Fprintf(w, "page\t%d\n", p.PageSize)
				fmt.Fprintf(w, "blocks\t%d x %d\n", s.bd.BlockCount, s.bd.BlockSize)
				for _, g := range s.bd.Geometry {
					fmt.Fprintf(w, "erase\t%#x+%#x by %d\n", g.Start, g.Size, g.EraseSize)
				}
				return nil
			})
		},
	}
}

func statusCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the flash status register",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.run(func(s *session) error {
				sr, err := s.dev.ReadStatus()
				if err != nil {
					return fmt.Errorf("read flash status register failed: %w", err)
				}
				fmt.Fprintln(cmd.OutOrStdout(), sr)
				return nil
			})
		},
	}
}
