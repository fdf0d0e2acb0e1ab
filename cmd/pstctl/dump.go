package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pstkit/pstkit/pkg/block"
	"github.com/pstkit/pstkit/pkg/ndb"
)

func dumpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Dump structural state of a store",
	}
	cmd.AddCommand(dumpAMapCmd())
	cmd.AddCommand(dumpNBTCmd())
	cmd.AddCommand(dumpBBTCmd())
	return cmd
}

func dumpAMapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "amap <path>",
		Short: "List the AMap's free-slot directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDatabase(args[0], false)
			if err != nil {
				return err
			}
			defer db.Close()
			for _, e := range db.AMapDList() {
				fmt.Printf("stripe=%d free_slots=%d\n", e.Stripe, e.FreeSlots)
			}
			return nil
		},
	}
}

func dumpNBTCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "nbt <path>",
		Short: "List every committed node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDatabase(args[0], false)
			if err != nil {
				return err
			}
			defer db.Close()
			db.DumpNodes(func(d ndb.NodeDescriptor) bool {
				fmt.Printf("node_id=%d data_block=%d subnode_block=%d parent=%d\n",
					d.NodeID, d.DataBlockID, d.SubnodeBlockID, d.ParentNodeID)
				return true
			})
			return nil
		},
	}
}

func dumpBBTCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bbt <path>",
		Short: "List every committed block",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDatabase(args[0], false)
			if err != nil {
				return err
			}
			defer db.Close()
			db.DumpBlocks(func(d block.Descriptor) bool {
				fmt.Printf("block_id=%d offset=%d size=%d ref_count=%d kind=%d\n",
					d.ID, d.Offset, d.Size, d.RefCount, d.Kind)
				return true
			})
			return nil
		},
	}
}
