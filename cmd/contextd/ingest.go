package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/contextd/contextd/config"
	srv "github.com/contextd/contextd/internal/server"
)

func ingestCMD() *cobra.Command {
	var cfgPath string
	var metaPairs []string

	var ingest = &cobra.Command{
		Use:   "ingest <file>...",
		Short: "Chunk, embed and index documents",
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

			meta := map[string]string{}
			for _, pair := range metaPairs {
				k, v, ok := strings.Cut(pair, "=")
				if !ok {
					return fmt.Errorf("metadata must be key=value, got %q", pair)
				}
				meta[k] = v
			}

			for _, path := range args {
				data, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				summary, err := server.Ingestor().Ingest(ctx, filepath.Base(path), data, meta)
				if err != nil {
					fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
					continue
				}
				out, _ := json.MarshalIndent(summary, "", "  ")
				fmt.Println(string(out))
			}
			return nil
		},
	}
	ingest.Flags().StringVar(&cfgPath, "config", "", "path to config file")
	ingest.Flags().StringArrayVar(&metaPairs, "meta", nil, "metadata key=value (repeatable)")
	return ingest
}
