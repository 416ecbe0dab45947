package main

import (
	"github.com/spf13/cobra"
)

func main() {
	var root = &cobra.Command{Use: "contextd"}

	root.AddCommand(serveCMD(), migrateCMD(), ingestCMD(), queryCMD(), docsCMD(), deleteCMD())
	_ = root.Execute()
}
