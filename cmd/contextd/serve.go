package main

import (
	"github.com/spf13/cobra"

	srv "github.com/contextd/contextd/internal/server"
)

func serveCMD() *cobra.Command {
	var addr string
	var cfgPath string

	var serve = &cobra.Command{
		Use:   "serve",
		Short: "Run the retrieval HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return srv.Run(cfgPath, addr)
		},
	}
	serve.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.address)")
	serve.Flags().StringVar(&cfgPath, "config", "", "path to config file")
	return serve
}
