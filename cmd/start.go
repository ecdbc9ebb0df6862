/*
Copyright © 2025 docverse
*/
package cmd

import (
	"context"
	"log"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/docverse/docsim-be/handler"
)

// startServerCmd represents the start command
var startServerCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the document similarity server",
	Long:  `Starts the HTTP server: uploads, processing status, cancellation and similarity search.`,
	Run: func(cmd *cobra.Command, args []string) {
		app, err := buildApp(context.Background(), cfgFile, true)
		if err != nil {
			log.Fatalf("Failed to start: %v", err)
		}

		corsHandler := handler.NewCorsHandler()
		uploadHandler := handler.NewUploadHandler(app.files, app.pipeline)
		searchHandler := handler.NewSearchHandler(app.search)
		documentHandler := handler.NewDocumentHandler(app.documents, app.pipeline)

		router := gin.Default()
		router.Use(corsHandler.CorsMiddleware)

		apiV1 := router.Group("/api/v1")
		{
			apiV1.POST("/documents/upload", uploadHandler.UploadDocumentHandler)
			apiV1.GET("/documents", documentHandler.ListDocumentsHandler)
			apiV1.GET("/documents/:id", documentHandler.GetDocumentHandler)
			apiV1.POST("/documents/:id/cancel", documentHandler.CancelDocumentHandler)
			apiV1.DELETE("/documents/:id", documentHandler.DeleteDocumentHandler)
			apiV1.POST("/documents/search", searchHandler.HandleSearch)
		}
		router.GET("/ws/status", func(c *gin.Context) {
			app.notifier.HandleStatus(c.Writer, c.Request)
		})

		log.Printf("Starting server on port %s...\n", app.cfg.Port)
		if err := router.Run(":" + app.cfg.Port); err != nil {
			log.Fatal("Server error:", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(startServerCmd)
}
