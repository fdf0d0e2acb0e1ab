// Command pstctl is the operator CLI for pstkit: open/inspect a store,
// dump its structural trees, verify its invariants, and optionally serve
// Prometheus metrics while doing so.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "pstctl",
		Short: "Inspect and operate on pstkit stores",
	}
	root.AddCommand(openCmd())
	root.AddCommand(dumpCmd())
	root.AddCommand(verifyCmd())
	root.AddCommand(serveCmd())
	return root
}
