package main

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/pstkit/pstkit/internal/log"
)

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve <path>",
		Short: "Open a store and expose Prometheus metrics until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDatabase(args[0], false)
			if err != nil {
				return err
			}
			defer db.Close()

			logger := log.Get()
			logger.Info(fmt.Sprintf("serving metrics on %s", addr))

			http.Handle("/metrics", promhttp.Handler())
			return http.ListenAndServe(addr, nil)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":9327", "address to serve /metrics on")
	return cmd
}
