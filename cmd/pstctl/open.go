package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pstkit/pstkit/internal/log"
	"github.com/pstkit/pstkit/pkg/device"
	"github.com/pstkit/pstkit/pkg/ndb"
)

func openCmd() *cobra.Command {
	var compress bool
	cmd := &cobra.Command{
		Use:   "open <path>",
		Short: "Open a store and print its header summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDatabase(args[0], compress)
			if err != nil {
				return err
			}
			defer db.Close()

			h := db.Header()
			fmt.Printf("nbt_root=%d bbt_root=%d next_block_id=%d\n", h.NBTRoot, h.BBTRoot, h.NextBlockID)
			return nil
		},
	}
	cmd.Flags().BoolVar(&compress, "compress", false, "enable transparent block compression")
	return cmd
}

func openDatabase(path string, compress bool) (*ndb.Database, error) {
	dev, err := device.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open device: %w", err)
	}
	db, err := ndb.Open(dev, ndb.Options{CompressBlocks: compress, Logger: log.Get()})
	if err != nil {
		dev.Close()
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}
