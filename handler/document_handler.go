package handler

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/docverse/docsim-be/repository"
	"github.com/docverse/docsim-be/service"
	"github.com/docverse/docsim-be/types"
)

type DocumentHandler struct {
	documents repository.DocumentRepo
	pipeline  *service.PipelineService
}

func NewDocumentHandler(documents repository.DocumentRepo, pipeline *service.PipelineService) *DocumentHandler {
	return &DocumentHandler{
		documents: documents,
		pipeline:  pipeline,
	}
}

// GetDocumentHandler returns one document row, including its status and
// pipeline phase.
func (h *DocumentHandler) GetDocumentHandler(c *gin.Context) {
	doc, err := h.documents.GetDocument(c.Request.Context(), c.Param("id"))
	if errors.Is(err, repository.ErrDocumentNotFound) {
		c.JSON(http.StatusNotFound, types.DataResponse{
			Status:  false,
			Message: "Document not found",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.DataResponse{
			Status:  false,
			Message: err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, types.DataResponse{
		Status: true,
		Data:   doc,
	})
}

// ListDocumentsHandler lists an owner's documents, optionally filtered by
// status.
func (h *DocumentHandler) ListDocumentsHandler(c *gin.Context) {
	owner := c.Query("owner")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	var statuses []types.DocumentStatus
	if s := c.Query("status"); s != "" {
		statuses = append(statuses, types.DocumentStatus(s))
	}

	docs, err := h.documents.ListDocuments(c.Request.Context(), owner, statuses, limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.DataResponse{
			Status:  false,
			Message: err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, types.DataResponse{
		Status: true,
		Data:   docs,
	})
}

// CancelDocumentHandler flips the document to cancelled. The pipeline notices
// at its next checkpoint and cleans up.
func (h *DocumentHandler) CancelDocumentHandler(c *gin.Context) {
	id := c.Param("id")
	status, err := h.documents.GetStatus(c.Request.Context(), id)
	if errors.Is(err, repository.ErrDocumentNotFound) {
		c.JSON(http.StatusNotFound, types.DataResponse{
			Status:  false,
			Message: "Document not found",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, types.DataResponse{
			Status:  false,
			Message: err.Error(),
		})
		return
	}
	if status == types.StatusCompleted || status == types.StatusError {
		c.JSON(http.StatusConflict, types.DataResponse{
			Status:  false,
			Message: "Document is not processing",
		})
		return
	}

	if err := h.documents.UpdateStatus(c.Request.Context(), id, types.StatusCancelled, ""); err != nil {
		c.JSON(http.StatusInternalServerError, types.DataResponse{
			Status:  false,
			Message: err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, types.DataResponse{
		Status:  true,
		Message: "Cancellation requested",
	})
}

// DeleteDocumentHandler removes a document and everything derived from it.
func (h *DocumentHandler) DeleteDocumentHandler(c *gin.Context) {
	if err := h.pipeline.DeleteDocument(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusInternalServerError, types.DataResponse{
			Status:  false,
			Message: err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, types.DataResponse{
		Status:  true,
		Message: "Document deleted",
	})
}
