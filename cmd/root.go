/*
Copyright © 2025 docverse
*/
package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "docsim-be",
	Short: "Document similarity backend",
	Long: `docsim-be ingests PDF documents into a vector index and answers
similarity queries against them.

Documents are extracted, chunked, embedded and indexed by a resilient
pipeline; search runs in three stages from a cheap centroid recall down to
chunk-level bidirectional scoring.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "config/config.yaml", "config file")
}
