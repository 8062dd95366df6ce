package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// version 在发布构建时通过 -ldflags 覆盖。
var version = "0.1.0-dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "打印版本号",
	Run: func(cmd *cobra.Command, _ []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "karend v%s\n", version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
