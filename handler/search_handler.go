package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/docverse/docsim-be/repository"
	"github.com/docverse/docsim-be/service"
	"github.com/docverse/docsim-be/types"
)

type SearchHandler struct {
	search *service.SearchService
}

func NewSearchHandler(search *service.SearchService) *SearchHandler {
	return &SearchHandler{search: search}
}

// HandleSearch runs a similarity query. Validation failures come back as 400,
// a missing source document as 404, everything else as 500.
func (h *SearchHandler) HandleSearch(c *gin.Context) {
	var req types.SearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.DataResponse{
			Status:  false,
			Message: "Invalid request body",
		})
		return
	}

	resp, err := h.search.Search(c.Request.Context(), req)
	if err != nil {
		status := http.StatusInternalServerError
		var searchErr *service.SearchError
		if errors.As(err, &searchErr) && searchErr.Stage == "validate" {
			status = http.StatusBadRequest
			if errors.Is(err, repository.ErrDocumentNotFound) {
				status = http.StatusNotFound
			}
		}
		c.JSON(status, types.DataResponse{
			Status:  false,
			Message: err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, types.DataResponse{
		Status: true,
		Data:   resp,
	})
}
