/*
Copyright © 2025 docverse
*/
package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/docverse/docsim-be/types"
	"github.com/docverse/docsim-be/utils"
)

// processDocumentCmd represents the process-document command
var processDocumentCmd = &cobra.Command{
	Use:   "process-document",
	Short: "Ingest a local PDF through the full pipeline",
	Long: `Registers a local PDF and runs it through extraction, chunking,
embedding, indexing and centroid computation, blocking until done.`,
	Run: func(cmd *cobra.Command, args []string) {
		filePath, _ := cmd.Flags().GetString("file")
		owner, _ := cmd.Flags().GetString("owner")
		title, _ := cmd.Flags().GetString("title")
		tags, _ := cmd.Flags().GetStringArray("tags")

		if filePath == "" || owner == "" {
			log.Fatal("--file and --owner are required")
		}
		info, err := os.Stat(filePath)
		if err != nil {
			log.Fatalf("Cannot read %s: %v", filePath, err)
		}
		if title == "" {
			title = utils.FileNameWithoutExt(filePath)
		}

		ctx := context.Background()
		app, err := buildApp(ctx, cfgFile, false)
		if err != nil {
			log.Fatalf("Failed to initialize: %v", err)
		}

		doc := &types.Document{
			ID:          uuid.NewString(),
			Owner:       owner,
			Title:       title,
			FileName:    filepath.Base(filePath),
			FilePath:    filePath,
			ContentType: "application/pdf",
			FileSize:    info.Size(),
			Status:      types.StatusQueued,
			Phase:       types.PhaseInit,
			Tags:        tags,
		}
		if err := app.documents.CreateDocument(ctx, doc); err != nil {
			log.Fatalf("Failed to register document: %v", err)
		}

		start := time.Now()
		if err := app.pipeline.ProcessDocument(ctx, doc.ID); err != nil {
			log.Fatalf("Processing failed: %v", err)
		}
		fmt.Printf("document %s processed in %s\n", doc.ID, time.Since(start).Round(time.Millisecond))
	},
}

func init() {
	rootCmd.AddCommand(processDocumentCmd)
	processDocumentCmd.Flags().StringP("file", "f", "", "path to the PDF file")
	processDocumentCmd.Flags().StringP("owner", "o", "", "owner of the document")
	processDocumentCmd.Flags().StringP("title", "t", "", "document title (defaults to the file name)")
	processDocumentCmd.Flags().StringArray("tags", nil, "tags to store on the document")
}
