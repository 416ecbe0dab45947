package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/contextd/contextd/config"
	srv "github.com/contextd/contextd/internal/server"
)

func docsCMD() *cobra.Command {
	var cfgPath string

	var docs = &cobra.Command{
		Use:   "docs",
		Short: "List indexed documents",
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

			list, err := server.Ingestor().List(ctx)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tFILENAME\tFORMAT\tSTATUS\tCHUNKS\tINGESTED")
			for _, d := range list {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
					d.ID, d.Filename, d.Format, d.Status, d.ChunkCount, d.IngestedAt.Format("2006-01-02 15:04"))
			}
			if err := w.Flush(); err != nil {
				return err
			}
			total, err := server.Store().CountChunks(ctx, "")
			if err != nil {
				return err
			}
			fmt.Printf("%d documents, %d chunks indexed\n", len(list), total)
			return nil
		},
	}
	docs.Flags().StringVar(&cfgPath, "config", "", "path to config file")
	return docs
}

func deleteCMD() *cobra.Command {
	var cfgPath string

	var del = &cobra.Command{
		Use:   "delete <document-id>",
		Short: "Remove a document and its chunks from the index",
		Args:  cobra.ExactArgs(1),
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

			report, err := server.Ingestor().Delete(ctx, args[0])
			if err != nil {
				return err
			}
			if report.Partial {
				fmt.Printf("partial delete: local cleared (%d), remote failed: %v\n",
					report.LocalRemoved, report.RemoteErr)
				return nil
			}
			fmt.Printf("deleted %d remote and %d cached chunks\n", report.RemoteRemoved, report.LocalRemoved)
			return nil
		},
	}
	del.Flags().StringVar(&cfgPath, "config", "", "path to config file")
	return del
}
