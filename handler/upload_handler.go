package handler

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/docverse/docsim-be/service"
	"github.com/docverse/docsim-be/types"
)

type UploadHandler struct {
	fileService *service.FileService
	pipeline    *service.PipelineService
}

func NewUploadHandler(fileService *service.FileService, pipeline *service.PipelineService) *UploadHandler {
	return &UploadHandler{
		fileService: fileService,
		pipeline:    pipeline,
	}
}

// UploadDocumentHandler accepts a multipart upload with a "file" part and a
// "metadata" JSON part, registers the document, and kicks off processing in
// the background.
func (h *UploadHandler) UploadDocumentHandler(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, types.DataResponse{
			Status:  false,
			Message: "Invalid file",
		})
		return
	}

	metadata := c.Request.FormValue("metadata")
	var req types.UploadRequest
	if err := json.Unmarshal([]byte(metadata), &req); err != nil {
		c.JSON(http.StatusBadRequest, types.DataResponse{
			Status:  false,
			Message: "Invalid metadata",
		})
		return
	}
	if req.Owner == "" {
		c.JSON(http.StatusBadRequest, types.DataResponse{
			Status:  false,
			Message: "Owner is required",
		})
		return
	}

	doc, err := h.fileService.SaveUpload(c.Request.Context(), fileHeader, req)
	if err != nil {
		c.JSON(http.StatusBadRequest, types.DataResponse{
			Status:  false,
			Message: err.Error(),
		})
		return
	}

	// Processing outlives the request; cancellation goes through the stored
	// document status, not this request's context.
	go func() {
		if err := h.pipeline.ProcessDocument(context.Background(), doc.ID); err != nil {
			log.Printf("processing %s ended with: %v", doc.ID, err)
		}
	}()

	c.JSON(http.StatusAccepted, types.DataResponse{
		Status: true,
		Data:   doc,
	})
}
