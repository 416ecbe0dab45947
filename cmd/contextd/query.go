package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/contextd/contextd/config"
	"github.com/contextd/contextd/internal/retrieval"
	srv "github.com/contextd/contextd/internal/server"
	"github.com/contextd/contextd/internal/store"
)

func queryCMD() *cobra.Command {
	var cfgPath string
	var docIDs []string
	var format string

	var query = &cobra.Command{
		Use:   "query <question>",
		Short: "Retrieve a cited context bundle for a question",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cfgPath)
			if err != nil {
				return err
			}
			ctx := context.Background()
			server, err := srv.Build(ctx, cfg)
			if err != nil {
				return err
			}
			defer server.Close()

			question := strings.Join(args, " ")
			bundle, err := server.Engine().Retrieve(ctx, question, store.SearchFilter{
				DocumentIDs: docIDs,
				Format:      format,
			})
			if errors.Is(err, retrieval.ErrNoCandidates) {
				fmt.Println("no candidates above the similarity floor")
				return nil
			}
			if err != nil {
				return err
			}

			fmt.Println(bundle.Text)
			fmt.Println()
			fmt.Printf("source=%s tokens=%d truncated=%v\n", bundle.Source, bundle.TokensUsed, bundle.Truncated)
			for _, c := range bundle.Citations {
				fmt.Printf("  %s chunk=%s\n", c.Label, c.ChunkID)
			}
			return nil
		},
	}
	query.Flags().StringVar(&cfgPath, "config", "", "path to config file")
	query.Flags().StringArrayVar(&docIDs, "doc", nil, "restrict to document id (repeatable)")
	query.Flags().StringVar(&format, "format", "", "restrict to format tag")
	return query
}
