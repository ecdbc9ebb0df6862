/*
Copyright © 2025 docverse
*/
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/docverse/docsim-be/types"
)

// searchDocumentCmd represents the search-document command
var searchDocumentCmd = &cobra.Command{
	Use:   "search-document",
	Short: "Find documents similar to a stored document",
	Run: func(cmd *cobra.Command, args []string) {
		documentID, _ := cmd.Flags().GetString("document")
		owner, _ := cmd.Flags().GetString("owner")
		startPage, _ := cmd.Flags().GetInt("start-page")
		endPage, _ := cmd.Flags().GetInt("end-page")

		if documentID == "" || owner == "" {
			log.Fatal("--document and --owner are required")
		}

		req := types.SearchRequest{
			DocumentID: documentID,
			Owner:      owner,
		}
		if startPage > 0 || endPage > 0 {
			req.Options.SourcePageRange = &types.PageRange{
				StartPage: startPage,
				EndPage:   endPage,
			}
		}

		ctx := context.Background()
		app, err := buildApp(ctx, cfgFile, false)
		if err != nil {
			log.Fatalf("Failed to initialize: %v", err)
		}

		resp, err := app.search.Search(ctx, req)
		if err != nil {
			log.Fatalf("Search failed: %v", err)
		}

		fmt.Printf("%d results (stage0 %d, stage1 %d, %dms total)\n",
			len(resp.Results), resp.Stages.Stage0Candidates, resp.Stages.Stage1Candidates, resp.Timing.TotalMs)
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(resp.Results); err != nil {
			log.Fatalf("Failed to encode results: %v", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(searchDocumentCmd)
	searchDocumentCmd.Flags().StringP("document", "d", "", "source document id")
	searchDocumentCmd.Flags().StringP("owner", "o", "", "owner of the document")
	searchDocumentCmd.Flags().Int("start-page", 0, "restrict the source to a page range (start)")
	searchDocumentCmd.Flags().Int("end-page", 0, "restrict the source to a page range (end)")
}
