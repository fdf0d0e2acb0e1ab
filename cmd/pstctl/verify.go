package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <path>",
		Short: "Walk the NBT and BBT concurrently and check structural invariants",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDatabase(args[0], false)
			if err != nil {
				return err
			}
			defer db.Close()

			var g errgroup.Group
			g.Go(db.VerifyNodeTree)
			g.Go(db.VerifyBlockTree)
			if err := g.Wait(); err != nil {
				return fmt.Errorf("verify: %w", err)
			}
			fmt.Println("ok")
			return nil
		},
	}
}
